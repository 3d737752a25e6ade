package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"referrald/identity"
	"referrald/models"
	"referrald/registry"
)

const (
	codeLength      = 10
	codeMaxAttempts = 5
	// Alphabet excludes 0/O and 1/I to keep codes transcribable.
	codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
)

// Engine issues referral codes and records referrer/referee relationships.
type Engine struct {
	db       *gorm.DB
	holdings identity.Source
	now      func() time.Time
}

// Config captures the dependencies required to construct the engine. The
// holdings source may be nil when no program uses holdings-based
// eligibility.
type Config struct {
	DB       *gorm.DB
	Holdings identity.Source
}

// NewEngine constructs a referral relationship engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		db:       cfg.DB,
		holdings: cfg.Holdings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
		return
	}
	e.now = now
}

// GenerateCode issues a fresh referral code for an existing participant of
// an active program. Collisions are retried a bounded number of times.
func (e *Engine) GenerateCode(ctx context.Context, programID uuid.UUID, caller string) (*models.ReferralCode, error) {
	caller = normalizeIdentity(caller)
	var out models.ReferralCode
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := loadProgram(tx, programID)
		if err != nil {
			return err
		}
		if !program.AcceptingReferrals(e.now()) {
			return ErrProgramInactive
		}
		var participant models.Participant
		err = tx.First(&participant, "program_id = ? AND identity = ?", programID, caller).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrParticipantNotFound
			}
			return err
		}
		if !participant.Active {
			return ErrParticipantNotFound
		}

		for attempt := 0; attempt < codeMaxAttempts; attempt++ {
			value, err := randomCode()
			if err != nil {
				return err
			}
			var existing models.ReferralCode
			err = tx.First(&existing, "program_id = ? AND code = ?", programID, value).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			now := e.now()
			code := models.ReferralCode{
				ID:            uuid.New(),
				ProgramID:     programID,
				Code:          value,
				ParticipantID: participant.ID,
				OwnerIdentity: participant.Identity,
				Valid:         true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.Create(&code).Error; err != nil {
				return err
			}
			out = code
			return e.appendEvent(tx, &programID, nil, caller, "code.generated", value)
		}
		return ErrCodeGenerationExhausted
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateCode reports whether the code exists, is valid, and belongs to a
// program currently accepting referrals.
func (e *Engine) ValidateCode(ctx context.Context, value string) (bool, error) {
	value = normalizeCode(value)
	if value == "" {
		return false, nil
	}
	var code models.ReferralCode
	err := e.db.WithContext(ctx).First(&code, "code = ?", value).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if !code.Valid {
		return false, nil
	}
	var program models.Program
	if err := e.db.WithContext(ctx).First(&program, "id = ?", code.ProgramID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return program.AcceptingReferrals(e.now()), nil
}

// CreateRelationship links a referee to the referrer owning the supplied
// code. The referee's participant row is created on first join and a
// PENDING tracking record is opened.
func (e *Engine) CreateRelationship(ctx context.Context, referrer, referee, codeValue string) (*models.ReferralRecord, error) {
	referrer = normalizeIdentity(referrer)
	referee = normalizeIdentity(referee)
	codeValue = normalizeCode(codeValue)
	if referee == "" {
		return nil, fmt.Errorf("%w: referee identity required", ErrInvalidReferrer)
	}
	if referrer != "" && referrer == referee {
		return nil, ErrSelfReferral
	}

	var out models.ReferralRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var code models.ReferralCode
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&code, "code = ?", codeValue).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCodeNotFound
			}
			return err
		}
		if !code.Valid {
			return ErrCodeInvalid
		}
		if referrer == "" {
			referrer = code.OwnerIdentity
		}
		if code.OwnerIdentity != referrer {
			return fmt.Errorf("%w: code not owned by referrer", ErrInvalidReferrer)
		}
		if referrer == referee {
			return ErrSelfReferral
		}

		program, err := loadProgram(tx, code.ProgramID)
		if err != nil {
			return err
		}
		now := e.now()
		if !program.AcceptingReferrals(now) {
			return ErrProgramInactive
		}

		var referrerParticipant models.Participant
		err = tx.First(&referrerParticipant, "program_id = ? AND identity = ?", program.ID, referrer).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidReferrer
			}
			return err
		}
		if !referrerParticipant.Active {
			return ErrInvalidReferrer
		}

		var existing models.ReferralRecord
		err = tx.First(&existing, "program_id = ? AND referrer_identity = ? AND referee_identity = ?",
			program.ID, referrer, referee).Error
		if err == nil {
			return ErrDuplicateReferral
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := e.checkEligibility(ctx, program, referee, now); err != nil {
			return err
		}

		if err := e.ensureParticipant(tx, program.ID, referee, referrer, now); err != nil {
			return err
		}

		record := models.ReferralRecord{
			ID:               uuid.New(),
			ProgramID:        program.ID,
			ReferrerIdentity: referrer,
			RefereeIdentity:  referee,
			Code:             code.Code,
			Status:           models.StatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		code.UsageCount++
		code.UpdatedAt = now
		if err := tx.Save(&code).Error; err != nil {
			return err
		}
		out = record
		return e.appendEvent(tx, &program.ID, &record.ID, referee, "referral.created",
			fmt.Sprintf("referrer=%s code=%s", referrer, code.Code))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinProgram enrolls an identity in a program. With a code the join goes
// through CreateRelationship; without one the identity joins with no
// referrer.
func (e *Engine) JoinProgram(ctx context.Context, programID uuid.UUID, caller, codeValue string) (*models.Participant, *models.ReferralRecord, error) {
	caller = normalizeIdentity(caller)
	if codeValue = normalizeCode(codeValue); codeValue != "" {
		record, err := e.CreateRelationship(ctx, "", caller, codeValue)
		if err != nil {
			return nil, nil, err
		}
		participant, err := e.GetParticipant(ctx, record.ProgramID, caller)
		if err != nil {
			return nil, nil, err
		}
		return participant, record, nil
	}

	var out models.Participant
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := loadProgram(tx, programID)
		if err != nil {
			return err
		}
		now := e.now()
		if !program.AcceptingReferrals(now) {
			return ErrProgramInactive
		}
		if err := e.checkEligibility(ctx, program, caller, now); err != nil {
			return err
		}
		if err := e.ensureParticipant(tx, program.ID, caller, "", now); err != nil {
			return err
		}
		var participant models.Participant
		if err := tx.First(&participant, "program_id = ? AND identity = ?", program.ID, caller).Error; err != nil {
			return err
		}
		out = participant
		return e.appendEvent(tx, &program.ID, nil, caller, "participant.joined", "")
	})
	if err != nil {
		return nil, nil, err
	}
	return &out, nil, nil
}

// DeactivateParticipant marks a participant inactive and invalidates their
// codes. The participant row is retained.
func (e *Engine) DeactivateParticipant(ctx context.Context, actor string, programID uuid.UUID, identityValue string) error {
	identityValue = normalizeIdentity(identityValue)
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var participant models.Participant
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&participant, "program_id = ? AND identity = ?", programID, identityValue).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrParticipantNotFound
			}
			return err
		}
		if !participant.Active {
			return nil
		}
		participant.Active = false
		participant.UpdatedAt = e.now()
		if err := tx.Save(&participant).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ReferralCode{}).
			Where("participant_id = ?", participant.ID).
			Updates(map[string]interface{}{"valid": false, "updated_at": e.now()}).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &programID, nil, actor, "participant.deactivated", identityValue)
	})
}

// GetParticipant loads a participant by program and identity.
func (e *Engine) GetParticipant(ctx context.Context, programID uuid.UUID, identityValue string) (*models.Participant, error) {
	var participant models.Participant
	err := e.db.WithContext(ctx).First(&participant, "program_id = ? AND identity = ?",
		programID, normalizeIdentity(identityValue)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &participant, nil
}

func (e *Engine) ensureParticipant(tx *gorm.DB, programID uuid.UUID, identityValue, referrer string, now time.Time) error {
	var existing models.Participant
	err := tx.First(&existing, "program_id = ? AND identity = ?", programID, identityValue).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	participant := models.Participant{
		ID:               uuid.New(),
		ProgramID:        programID,
		Identity:         identityValue,
		ReferrerIdentity: referrer,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return tx.Create(&participant).Error
}

func (e *Engine) checkEligibility(ctx context.Context, program *models.Program, identityValue string, now time.Time) error {
	criteria, err := registry.ParseCriteria(program.EligibilityJSON)
	if err != nil {
		return err
	}
	if criteria == nil {
		return nil
	}
	var holdings *identity.Holdings
	if criteria.NeedsHoldings() {
		if e.holdings == nil {
			return fmt.Errorf("%w: holdings source unavailable", ErrNotEligible)
		}
		holdings, err = e.holdings.GetHoldings(ctx, identityValue)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotEligible, err)
		}
	}
	if !criteria.Evaluate(holdings, now) {
		return ErrNotEligible
	}
	return nil
}

func (e *Engine) appendEvent(tx *gorm.DB, programID, recordID *uuid.UUID, actor, action, details string) error {
	event := models.AuditEvent{
		ID:        uuid.New(),
		ProgramID: programID,
		RecordID:  recordID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	}
	return tx.Create(&event).Error
}

func loadProgram(tx *gorm.DB, programID uuid.UUID) (*models.Program, error) {
	var program models.Program
	if err := tx.First(&program, "id = ?", programID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("referral: generate code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func normalizeIdentity(identityValue string) string {
	return strings.ToLower(strings.TrimSpace(identityValue))
}

func normalizeCode(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}
