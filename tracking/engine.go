package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"referrald/models"
	"referrald/rewards"
	"referrald/vault"
)

// Engine advances referral records through the tracking workflow. A
// conversion reserves the reward in the program vault inside the same
// transaction that flips the status, so a record is CONVERTED only when its
// payout is funded.
type Engine struct {
	db         *gorm.DB
	now        func() time.Time
	pendingTTL time.Duration
}

// Config captures the dependencies required to construct the engine.
// PendingTTL bounds how long a record may sit in PENDING or CLICKED before
// the sweep expires it; zero disables the age check.
type Config struct {
	DB         *gorm.DB
	PendingTTL time.Duration
}

// NewEngine constructs a tracking engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		db:         cfg.DB,
		now:        func() time.Time { return time.Now().UTC() },
		pendingTTL: cfg.PendingTTL,
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

// TrackClick marks a pending referral as clicked. Re-tracking a clicked
// record is a no-op so retried requests stay idempotent.
func (e *Engine) TrackClick(ctx context.Context, recordID uuid.UUID) (*models.ReferralRecord, error) {
	var out models.ReferralRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, recordID)
		if err != nil {
			return err
		}
		if record.Status == models.StatusClicked {
			out = *record
			return nil
		}
		if err := ValidateTransition(record.Status, models.StatusClicked); err != nil {
			return err
		}
		program, err := lockProgram(tx, record.ProgramID)
		if err != nil {
			return err
		}
		now := e.now()
		if !program.AcceptingReferrals(now) {
			return ErrProgramInactive
		}
		record.Status = models.StatusClicked
		record.UpdatedAt = now
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		out = *record
		return e.appendEvent(tx, &record.ProgramID, &record.ID, record.RefereeIdentity, "referral.clicked", "")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordConversion marks a clicked referral as converted, computes the
// reward owed and reserves it in the program vault. The conversion is
// rejected outright when the vault cannot cover the reward. Converting an
// already-converted record is a no-op.
func (e *Engine) RecordConversion(ctx context.Context, recordID uuid.UUID) (*models.ReferralRecord, error) {
	var out models.ReferralRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, recordID)
		if err != nil {
			return err
		}
		if record.Status == models.StatusConverted {
			out = *record
			return nil
		}
		if err := ValidateTransition(record.Status, models.StatusConverted); err != nil {
			return err
		}
		program, err := lockProgram(tx, record.ProgramID)
		if err != nil {
			return err
		}
		now := e.now()
		if !program.AcceptingReferrals(now) {
			return ErrProgramInactive
		}

		referrer, err := lockParticipant(tx, record.ProgramID, record.ReferrerIdentity)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		count := int64(1)
		if referrer != nil {
			count = referrer.TotalReferrals + 1
		}
		reward := rewards.FixedReward(program, count)
		if referrer != nil && program.MaxRewardCap > 0 {
			outstanding, err := outstandingReserved(tx, record.ProgramID, record.ReferrerIdentity)
			if err != nil {
				return err
			}
			reward = rewards.CapRemaining(program, referrer.TotalRewardsEarned+outstanding, reward)
		}

		rv, err := vault.LockRewardVault(tx, record.ProgramID)
		if err != nil {
			return err
		}
		if err := vault.Reserve(tx, rv, reward); err != nil {
			if errors.Is(err, vault.ErrInsufficientBalance) {
				return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
			}
			return err
		}

		record.Status = models.StatusConverted
		record.RewardAmount = reward
		record.ConvertedAt = &now
		expiry := now.Add(program.LockDuration())
		record.LockExpiry = &expiry
		record.UpdatedAt = now
		if err := tx.Save(record).Error; err != nil {
			return err
		}

		if referrer != nil {
			referrer.TotalReferrals++
			referrer.UpdatedAt = now
			if err := tx.Save(referrer).Error; err != nil {
				return err
			}
		}
		program.TotalReferrals++
		program.UpdatedAt = now
		if err := tx.Save(program).Error; err != nil {
			return err
		}
		out = *record
		return e.appendEvent(tx, &record.ProgramID, &record.ID, record.RefereeIdentity, "referral.converted",
			fmt.Sprintf("reward=%d", reward))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// OverrideStatus force-advances a record along a valid forward edge. It only
// serves the operational cases that carry no funds: rewarded and converted
// targets must go through the reward and conversion paths.
func (e *Engine) OverrideStatus(ctx context.Context, actor string, recordID uuid.UUID, to models.RecordStatus) (*models.ReferralRecord, error) {
	actor = strings.ToLower(strings.TrimSpace(actor))
	if to == models.StatusConverted || to == models.StatusRewarded {
		return nil, fmt.Errorf("%w: %s requires the funded path", ErrInvalidTransition, to)
	}
	var out models.ReferralRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, recordID)
		if err != nil {
			return err
		}
		if record.Status == to {
			out = *record
			return nil
		}
		if err := ValidateTransition(record.Status, to); err != nil {
			return err
		}
		from := record.Status
		record.Status = to
		record.UpdatedAt = e.now()
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		out = *record
		return e.appendEvent(tx, &record.ProgramID, &record.ID, actor, "referral.status_overridden",
			fmt.Sprintf("from=%s to=%s", from, to))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SweepResult reports the effects of one expiry sweep.
type SweepResult struct {
	ProgramsEnded    int64
	CodesInvalidated int64
	RecordsExpired   int64
}

// ExpireStale advances the passive parts of the lifecycle: programs past
// their end time become ENDED, codes of ended programs stop validating, and
// unconverted records of ended programs or records past the pending TTL
// expire. The sweep is idempotent.
func (e *Engine) ExpireStale(ctx context.Context) (*SweepResult, error) {
	var result SweepResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := e.now()

		res := tx.Model(&models.Program{}).
			Where("status <> ? AND end_time IS NOT NULL AND end_time <= ?", models.ProgramEnded, now).
			Updates(map[string]interface{}{"status": models.ProgramEnded, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		result.ProgramsEnded = res.RowsAffected

		endedIDs := tx.Model(&models.Program{}).
			Select("id").
			Where("status = ?", models.ProgramEnded)

		res = tx.Model(&models.ReferralCode{}).
			Where("valid = ? AND program_id IN (?)", true, endedIDs).
			Updates(map[string]interface{}{"valid": false, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		result.CodesInvalidated = res.RowsAffected

		res = tx.Model(&models.ReferralRecord{}).
			Where("status IN ? AND program_id IN (?)",
				[]models.RecordStatus{models.StatusPending, models.StatusClicked}, endedIDs).
			Updates(map[string]interface{}{"status": models.StatusExpired, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		result.RecordsExpired = res.RowsAffected

		if e.pendingTTL > 0 {
			cutoff := now.Add(-e.pendingTTL)
			res = tx.Model(&models.ReferralRecord{}).
				Where("status IN ? AND created_at <= ?",
					[]models.RecordStatus{models.StatusPending, models.StatusClicked}, cutoff).
				Updates(map[string]interface{}{"status": models.StatusExpired, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			result.RecordsExpired += res.RowsAffected
		}

		if result.ProgramsEnded > 0 || result.CodesInvalidated > 0 || result.RecordsExpired > 0 {
			return e.appendEvent(tx, nil, nil, "system", "lifecycle.swept",
				fmt.Sprintf("programs_ended=%d codes_invalidated=%d records_expired=%d",
					result.ProgramsEnded, result.CodesInvalidated, result.RecordsExpired))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ProgramStats aggregates a program's referral funnel.
type ProgramStats struct {
	ProgramID               uuid.UUID            `json:"programId"`
	TotalReferrals          int64                `json:"totalReferrals"`
	TotalRewardsDistributed int64                `json:"totalRewardsDistributed"`
	ByStatus                map[string]int64     `json:"byStatus"`
	Vault                   *models.RewardVault  `json:"vault,omitempty"`
	Status                  models.ProgramStatus `json:"status"`
}

// Stats summarizes a program's funnel counts, aggregates and vault balances.
func (e *Engine) Stats(ctx context.Context, programID uuid.UUID) (*ProgramStats, error) {
	var program models.Program
	if err := e.db.WithContext(ctx).First(&program, "id = ?", programID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	stats := &ProgramStats{
		ProgramID:               program.ID,
		TotalReferrals:          program.TotalReferrals,
		TotalRewardsDistributed: program.TotalRewardsDistributed,
		ByStatus:                make(map[string]int64),
		Status:                  program.Status,
	}
	rows := []struct {
		Status string
		Count  int64
	}{}
	err := e.db.WithContext(ctx).Model(&models.ReferralRecord{}).
		Select("status, COUNT(*) AS count").
		Where("program_id = ?", programID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
	}
	var rv models.RewardVault
	if err := e.db.WithContext(ctx).First(&rv, "program_id = ?", programID).Error; err == nil {
		stats.Vault = &rv
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return stats, nil
}

// GetRecord loads a referral record by id.
func (e *Engine) GetRecord(ctx context.Context, recordID uuid.UUID) (*models.ReferralRecord, error) {
	var record models.ReferralRecord
	if err := e.db.WithContext(ctx).First(&record, "id = ?", recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListByReferrer returns a referrer's records in a program, newest first.
func (e *Engine) ListByReferrer(ctx context.Context, programID uuid.UUID, referrer string) ([]models.ReferralRecord, error) {
	referrer = strings.ToLower(strings.TrimSpace(referrer))
	var records []models.ReferralRecord
	err := e.db.WithContext(ctx).
		Where("program_id = ? AND referrer_identity = ?", programID, referrer).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func outstandingReserved(tx *gorm.DB, programID uuid.UUID, referrer string) (int64, error) {
	var sum int64
	err := tx.Model(&models.ReferralRecord{}).
		Where("program_id = ? AND referrer_identity = ? AND status = ? AND claimed = ?",
			programID, referrer, models.StatusConverted, false).
		Select("COALESCE(SUM(reward_amount), 0)").
		Scan(&sum).Error
	return sum, err
}

func lockRecord(tx *gorm.DB, recordID uuid.UUID) (*models.ReferralRecord, error) {
	var record models.ReferralRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", recordID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func lockProgram(tx *gorm.DB, programID uuid.UUID) (*models.Program, error) {
	var program models.Program
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&program, "id = ?", programID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

func lockParticipant(tx *gorm.DB, programID uuid.UUID, identity string) (*models.Participant, error) {
	var participant models.Participant
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&participant, "program_id = ? AND identity = ?", programID, identity).Error
	if err != nil {
		return nil, err
	}
	return &participant, nil
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
