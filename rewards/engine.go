package rewards

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

// Engine settles referral rewards against program vaults. Every payout runs
// inside one transaction holding row locks on the record, the program and the
// vault, and the external transfer executes before any balance is written so
// a failed transfer leaves no partial state.
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

// NewEngine constructs a reward engine.
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

// Claim pays a converted reward to its referrer once the lock period has
// elapsed. The claim is exactly-once: concurrent or repeated claims for the
// same record fail with ErrAlreadyClaimed. Claims remain available after the
// program pauses or ends because the funds were reserved at conversion.
func (e *Engine) Claim(ctx context.Context, caller string, recordID uuid.UUID) (*models.ReferralRecord, error) {
	caller = normalizeIdentity(caller)
	if e.transfer == nil {
		return nil, fmt.Errorf("%w: transfer client not configured", ErrTransferFailed)
	}

	var out models.ReferralRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, recordID)
		if err != nil {
			return err
		}
		if record.Claimed || record.Status == models.StatusRewarded {
			return ErrAlreadyClaimed
		}
		if record.Status != models.StatusConverted {
			return ErrNotConverted
		}
		if record.ReferrerIdentity != caller {
			return ErrUnauthorized
		}
		now := e.now()
		if !LockElapsed(record, now) {
			return ErrLockNotElapsed
		}

		program, err := lockProgram(tx, record.ProgramID)
		if err != nil {
			return err
		}
		rv, err := vault.LockRewardVault(tx, record.ProgramID)
		if err != nil {
			return err
		}

		amount := record.RewardAmount
		transferCtx, cancel := context.WithTimeout(ctx, e.transferTimeout)
		defer cancel()
		req := transfer.Request{
			TxID:        "claim:" + record.ID.String(),
			Source:      transfer.VaultRef(record.ProgramID),
			Destination: transfer.AccountRef(record.ReferrerIdentity),
			Amount:      amount,
		}
		if err := e.transfer.Transfer(transferCtx, req); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		if err := vault.Settle(tx, rv, amount); err != nil {
			return err
		}

		record.Claimed = true
		record.Status = models.StatusRewarded
		record.UpdatedAt = now
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		if err := e.creditParticipant(tx, record.ProgramID, record.ReferrerIdentity, amount, now); err != nil {
			return err
		}
		program.TotalRewardsDistributed += amount
		program.UpdatedAt = now
		if err := tx.Save(program).Error; err != nil {
			return err
		}
		out = *record
		return e.appendEvent(tx, &record.ProgramID, &record.ID, caller, "reward.claimed",
			fmt.Sprintf("amount=%d", amount))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RedemptionResult reports how an early redemption split the reserved
// reward between the referrer payout and the protocol fee.
type RedemptionResult struct {
	Record *models.ReferralRecord
	Payout int64
	Fee    int64
}

// RedeemEarly settles a converted reward before its lock elapses, paying the
// referrer the reward minus the program's early-redemption fee and crediting
// the fee to the protocol fee vault. A redemption after the lock has elapsed
// charges no fee.
func (e *Engine) RedeemEarly(ctx context.Context, caller string, recordID uuid.UUID) (*RedemptionResult, error) {
	caller = normalizeIdentity(caller)
	if e.transfer == nil {
		return nil, fmt.Errorf("%w: transfer client not configured", ErrTransferFailed)
	}

	var out RedemptionResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockRecord(tx, recordID)
		if err != nil {
			return err
		}
		if record.Claimed || record.Status == models.StatusRewarded {
			return ErrAlreadyClaimed
		}
		if record.Status != models.StatusConverted {
			return ErrNotConverted
		}
		if record.ReferrerIdentity != caller {
			return ErrUnauthorized
		}

		program, err := lockProgram(tx, record.ProgramID)
		if err != nil {
			return err
		}
		rv, err := vault.LockRewardVault(tx, record.ProgramID)
		if err != nil {
			return err
		}

		now := e.now()
		amount := record.RewardAmount
		payout, fee := amount, int64(0)
		if !LockElapsed(record, now) {
			payout, fee = EarlyRedemptionSplit(amount, program.EarlyRedemptionFeeRate)
		}

		if payout > 0 {
			transferCtx, cancel := context.WithTimeout(ctx, e.transferTimeout)
			defer cancel()
			req := transfer.Request{
				TxID:        "redeem:" + record.ID.String(),
				Source:      transfer.VaultRef(record.ProgramID),
				Destination: transfer.AccountRef(record.ReferrerIdentity),
				Amount:      payout,
			}
			if err := e.transfer.Transfer(transferCtx, req); err != nil {
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}

		if err := vault.Settle(tx, rv, amount); err != nil {
			return err
		}
		if fee > 0 {
			fv, err := vault.LockFeeVault(tx)
			if err != nil {
				return err
			}
			if err := vault.CreditFee(tx, fv, fee, vault.FeeKindRedemption); err != nil {
				return err
			}
		}

		record.Claimed = true
		record.Status = models.StatusRewarded
		record.UpdatedAt = now
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		if err := e.creditParticipant(tx, record.ProgramID, record.ReferrerIdentity, payout, now); err != nil {
			return err
		}
		program.TotalRewardsDistributed += amount
		program.UpdatedAt = now
		if err := tx.Save(program).Error; err != nil {
			return err
		}
		out = RedemptionResult{Record: record, Payout: payout, Fee: fee}
		return e.appendEvent(tx, &record.ProgramID, &record.ID, caller, "reward.redeemed_early",
			fmt.Sprintf("payout=%d fee=%d", payout, fee))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReconcileReport summarizes one reconciliation pass over a program vault.
type ReconcileReport struct {
	ProgramID   uuid.UUID
	Outstanding int64
	Reserved    int64
	Adjusted    int64
}

// Reconcile recomputes the sum of outstanding converted, unclaimed rewards
// for a program and repairs the vault's reserved balance when it has drifted.
// The pass is idempotent; a vault already in balance is left untouched.
func (e *Engine) Reconcile(ctx context.Context, programID uuid.UUID) (*ReconcileReport, error) {
	var report ReconcileReport
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rv, err := vault.LockRewardVault(tx, programID)
		if err != nil {
			return err
		}
		var outstanding int64
		err = tx.Model(&models.ReferralRecord{}).
			Where("program_id = ? AND status = ? AND claimed = ?", programID, models.StatusConverted, false).
			Select("COALESCE(SUM(reward_amount), 0)").
			Scan(&outstanding).Error
		if err != nil {
			return err
		}

		report = ReconcileReport{ProgramID: programID, Outstanding: outstanding, Reserved: rv.ReservedBalance}
		drift := rv.ReservedBalance - outstanding
		if drift == 0 {
			return nil
		}
		if drift > 0 {
			if err := vault.ReleaseReservation(tx, rv, drift); err != nil {
				return err
			}
		} else {
			if err := vault.Reserve(tx, rv, -drift); err != nil {
				return err
			}
		}
		report.Adjusted = drift
		return e.appendEvent(tx, &programID, nil, "system", "vault.reconciled",
			fmt.Sprintf("outstanding=%d reserved=%d adjusted=%d", outstanding, report.Reserved, drift))
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
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

func (e *Engine) creditParticipant(tx *gorm.DB, programID uuid.UUID, identity string, amount int64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	var participant models.Participant
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&participant, "program_id = ? AND identity = ?", programID, identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	participant.TotalRewardsEarned += amount
	participant.UpdatedAt = now
	return tx.Save(&participant).Error
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

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
