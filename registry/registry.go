package registry

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
	"referrald/transfer"
	"referrald/vault"
)

// Engine implements the program registry: program creation, owner-gated
// settings updates and sponsor deposits.
type Engine struct {
	db              *gorm.DB
	transfer        transfer.Client
	transferTimeout time.Duration
	now             func() time.Time
}

// Config captures the dependencies required to construct the engine.
type Config struct {
	DB              *gorm.DB
	Transfer        transfer.Client
	TransferTimeout time.Duration
}

// NewEngine constructs a program registry engine.
func NewEngine(cfg Config) *Engine {
	timeout := cfg.TransferTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Engine{
		db:              cfg.DB,
		transfer:        cfg.Transfer,
		transferTimeout: timeout,
		now:             func() time.Time { return time.Now().UTC() },
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

// CreateParams carries the caller-supplied program configuration.
type CreateParams struct {
	FixedRewardAmount      int64
	Tiered                 bool
	Tier1Threshold         int64
	Tier1Reward            int64
	Tier2Reward            int64
	MaxRewardCap           int64
	LockPeriodSeconds      int64
	EarlyRedemptionFeeRate int64
	MintFee                int64
	StartTime              *time.Time
	EndTime                *time.Time
	MetadataRef            string
	Eligibility            *Criteria
}

func (p CreateParams) validate() error {
	if p.FixedRewardAmount <= 0 {
		return fmt.Errorf("%w: fixed reward amount must be positive", ErrInvalidParams)
	}
	if p.EarlyRedemptionFeeRate < 0 || p.EarlyRedemptionFeeRate > 100 {
		return fmt.Errorf("%w: fee rate %d out of range", ErrInvalidParams, p.EarlyRedemptionFeeRate)
	}
	if p.LockPeriodSeconds < 0 {
		return fmt.Errorf("%w: lock period must be non-negative", ErrInvalidParams)
	}
	if p.MaxRewardCap < 0 || p.MintFee < 0 {
		return fmt.Errorf("%w: caps and fees must be non-negative", ErrInvalidParams)
	}
	if p.Tiered {
		if p.Tier1Threshold <= 0 || p.Tier1Reward <= 0 || p.Tier2Reward <= 0 {
			return fmt.Errorf("%w: tiered programs require positive thresholds and rewards", ErrInvalidParams)
		}
	}
	if p.StartTime != nil && p.EndTime != nil && !p.EndTime.After(*p.StartTime) {
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidParams)
	}
	return nil
}

// CreateProgram validates the parameters and persists a new active program
// together with its empty reward vault.
func (e *Engine) CreateProgram(ctx context.Context, owner string, params CreateParams) (*models.Program, error) {
	owner = normalizeIdentity(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner identity required", ErrInvalidParams)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	eligibilityJSON, err := EncodeCriteria(params.Eligibility)
	if err != nil {
		return nil, err
	}

	now := e.now()
	program := models.Program{
		ID:                     uuid.New(),
		Owner:                  owner,
		FixedRewardAmount:      params.FixedRewardAmount,
		Tiered:                 params.Tiered,
		Tier1Threshold:         params.Tier1Threshold,
		Tier1Reward:            params.Tier1Reward,
		Tier2Reward:            params.Tier2Reward,
		MaxRewardCap:           params.MaxRewardCap,
		LockPeriodSeconds:      params.LockPeriodSeconds,
		EarlyRedemptionFeeRate: params.EarlyRedemptionFeeRate,
		MintFee:                params.MintFee,
		EligibilityJSON:        eligibilityJSON,
		MetadataRef:            strings.TrimSpace(params.MetadataRef),
		StartTime:              params.StartTime,
		EndTime:                params.EndTime,
		Status:                 models.ProgramActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&program).Error; err != nil {
			return err
		}
		rv := models.RewardVault{
			ID:        uuid.New(),
			ProgramID: program.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&rv).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &program.ID, owner, "program.created",
			fmt.Sprintf("reward=%d lock=%ds fee=%d%%", program.FixedRewardAmount, program.LockPeriodSeconds, program.EarlyRedemptionFeeRate))
	})
	if err != nil {
		return nil, err
	}
	return &program, nil
}

// Settings carries the owner-mutable program fields.
type Settings struct {
	FixedRewardAmount      *int64
	Tiered                 *bool
	Tier1Threshold         *int64
	Tier1Reward            *int64
	Tier2Reward            *int64
	MaxRewardCap           *int64
	LockPeriodSeconds      *int64
	EarlyRedemptionFeeRate *int64
	MintFee                *int64
	EndTime                *time.Time
	Paused                 *bool
}

// UpdateSettings applies owner-gated settings changes. Ended programs are
// immutable.
func (e *Engine) UpdateSettings(ctx context.Context, caller string, programID uuid.UUID, settings Settings) (*models.Program, error) {
	caller = normalizeIdentity(caller)
	var out models.Program
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := lockProgram(tx, programID)
		if err != nil {
			return err
		}
		if program.Owner != caller {
			return ErrUnauthorized
		}
		if program.EndedAt(e.now()) {
			return ErrProgramEnded
		}

		if settings.FixedRewardAmount != nil {
			program.FixedRewardAmount = *settings.FixedRewardAmount
		}
		if settings.Tiered != nil {
			program.Tiered = *settings.Tiered
		}
		if settings.Tier1Threshold != nil {
			program.Tier1Threshold = *settings.Tier1Threshold
		}
		if settings.Tier1Reward != nil {
			program.Tier1Reward = *settings.Tier1Reward
		}
		if settings.Tier2Reward != nil {
			program.Tier2Reward = *settings.Tier2Reward
		}
		if settings.MaxRewardCap != nil {
			program.MaxRewardCap = *settings.MaxRewardCap
		}
		if settings.LockPeriodSeconds != nil {
			program.LockPeriodSeconds = *settings.LockPeriodSeconds
		}
		if settings.EarlyRedemptionFeeRate != nil {
			program.EarlyRedemptionFeeRate = *settings.EarlyRedemptionFeeRate
		}
		if settings.MintFee != nil {
			program.MintFee = *settings.MintFee
		}
		if settings.EndTime != nil {
			program.EndTime = settings.EndTime
		}
		if settings.Paused != nil {
			if *settings.Paused {
				program.Status = models.ProgramPaused
			} else {
				program.Status = models.ProgramActive
			}
		}

		updated := CreateParams{
			FixedRewardAmount:      program.FixedRewardAmount,
			Tiered:                 program.Tiered,
			Tier1Threshold:         program.Tier1Threshold,
			Tier1Reward:            program.Tier1Reward,
			Tier2Reward:            program.Tier2Reward,
			MaxRewardCap:           program.MaxRewardCap,
			LockPeriodSeconds:      program.LockPeriodSeconds,
			EarlyRedemptionFeeRate: program.EarlyRedemptionFeeRate,
			MintFee:                program.MintFee,
			StartTime:              program.StartTime,
			EndTime:                program.EndTime,
		}
		if err := updated.validate(); err != nil {
			return err
		}

		program.UpdatedAt = e.now()
		if err := tx.Save(program).Error; err != nil {
			return err
		}
		out = *program
		return e.appendEvent(tx, &program.ID, caller, "program.settings_updated", "")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetEligibility replaces the program's eligibility predicate. Owner-gated;
// ended programs are immutable.
func (e *Engine) SetEligibility(ctx context.Context, caller string, programID uuid.UUID, criteria *Criteria) (*models.Program, error) {
	caller = normalizeIdentity(caller)
	encoded, err := EncodeCriteria(criteria)
	if err != nil {
		return nil, err
	}
	var out models.Program
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := lockProgram(tx, programID)
		if err != nil {
			return err
		}
		if program.Owner != caller {
			return ErrUnauthorized
		}
		if program.EndedAt(e.now()) {
			return ErrProgramEnded
		}
		program.EligibilityJSON = encoded
		program.UpdatedAt = e.now()
		if err := tx.Save(program).Error; err != nil {
			return err
		}
		out = *program
		return e.appendEvent(tx, &program.ID, caller, "program.eligibility_updated", "")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EndProgram explicitly ends a program. Owner-gated and idempotent.
func (e *Engine) EndProgram(ctx context.Context, caller string, programID uuid.UUID) (*models.Program, error) {
	caller = normalizeIdentity(caller)
	var out models.Program
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := lockProgram(tx, programID)
		if err != nil {
			return err
		}
		if program.Owner != caller {
			return ErrUnauthorized
		}
		if program.Status != models.ProgramEnded {
			program.Status = models.ProgramEnded
			program.UpdatedAt = e.now()
			if err := tx.Save(program).Error; err != nil {
				return err
			}
			if err := e.appendEvent(tx, &program.ID, caller, "program.ended", ""); err != nil {
				return err
			}
		}
		out = *program
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Deposit credits the program's reward vault. Any identity may sponsor a
// deposit; the credit commits only when the external transfer settles, so a
// failed or timed-out transfer leaves no partial state.
func (e *Engine) Deposit(ctx context.Context, caller string, programID uuid.UUID, amount int64, reference string) (*models.RewardVault, error) {
	caller = normalizeIdentity(caller)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidParams)
	}
	if e.transfer == nil {
		return nil, fmt.Errorf("%w: transfer client not configured", ErrTransferFailed)
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		reference = uuid.NewString()
	}

	var out models.RewardVault
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := lockProgram(tx, programID)
		if err != nil {
			return err
		}
		if program.EndedAt(e.now()) {
			return ErrProgramEnded
		}
		if program.Status != models.ProgramActive {
			return ErrProgramInactive
		}
		rv, err := vault.LockRewardVault(tx, program.ID)
		if err != nil {
			return err
		}

		transferCtx, cancel := context.WithTimeout(ctx, e.transferTimeout)
		defer cancel()
		req := transfer.Request{
			TxID:        "deposit:" + reference,
			Source:      transfer.AccountRef(caller),
			Destination: transfer.VaultRef(program.ID),
			Amount:      amount,
		}
		if err := e.transfer.Transfer(transferCtx, req); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		if err := vault.Deposit(tx, rv, amount); err != nil {
			return err
		}
		out = *rv
		return e.appendEvent(tx, &program.ID, caller, "vault.deposited",
			fmt.Sprintf("amount=%d reference=%s", amount, reference))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProgram loads a program by id.
func (e *Engine) GetProgram(ctx context.Context, programID uuid.UUID) (*models.Program, error) {
	var program models.Program
	if err := e.db.WithContext(ctx).First(&program, "id = ?", programID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
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

func (e *Engine) appendEvent(tx *gorm.DB, programID *uuid.UUID, actor, action, details string) error {
	event := models.AuditEvent{
		ID:        uuid.New(),
		ProgramID: programID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	}
	return tx.Create(&event).Error
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
