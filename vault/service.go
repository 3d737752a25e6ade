package vault

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"referrald/models"
)

// FeeAction selects the fee vault operation to perform.
type FeeAction string

const (
	FeeActionDeposit  FeeAction = "DEPOSIT"
	FeeActionWithdraw FeeAction = "WITHDRAW"
)

// Service exposes the fee vault operations of the vault component. Reward
// vault mutations stay with the engines that own the surrounding
// transaction; this service only manages the protocol-wide fee vault.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs a vault service backed by the provided database.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the time source, primarily for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
		return
	}
	s.now = now
}

// ManageFeeVault deposits to or withdraws from the protocol fee vault.
// Authorization for withdrawals is enforced at the API layer; the caller
// identity recorded here feeds the audit trail.
func (s *Service) ManageFeeVault(ctx context.Context, caller string, action FeeAction, amount int64) (*models.FeeVault, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out models.FeeVault
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fv, err := LockFeeVault(tx)
		if err != nil {
			return err
		}
		switch action {
		case FeeActionDeposit:
			if err := CreditFee(tx, fv, amount, ""); err != nil {
				return err
			}
		case FeeActionWithdraw:
			if err := DebitFee(tx, fv, amount); err != nil {
				return err
			}
		default:
			return ErrInvalidAction
		}
		out = *fv
		return s.appendEvent(tx, caller, "feevault."+strings.ToLower(string(action)), amount)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ProcessMintFee credits a mint fee charged by the external link-issuance
// collaborator. When a program id is supplied the amount is checked against
// the program's configured mint fee.
func (s *Service) ProcessMintFee(ctx context.Context, programID *uuid.UUID, amount int64) (*models.FeeVault, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out models.FeeVault
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if programID != nil {
			var program models.Program
			if err := tx.First(&program, "id = ?", *programID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrVaultNotFound
				}
				return err
			}
			if program.MintFee > 0 && amount != program.MintFee {
				return ErrInvalidAmount
			}
		}
		fv, err := LockFeeVault(tx)
		if err != nil {
			return err
		}
		if err := CreditFee(tx, fv, amount, FeeKindMint); err != nil {
			return err
		}
		out = *fv
		return s.appendEvent(tx, "system", "feevault.mint_fee", amount)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FeeVault returns the current fee vault snapshot.
func (s *Service) FeeVault(ctx context.Context) (*models.FeeVault, error) {
	var fv models.FeeVault
	err := s.db.WithContext(ctx).First(&fv, "id = ?", models.FeeVaultID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.FeeVault{ID: models.FeeVaultID}, nil
		}
		return nil, err
	}
	return &fv, nil
}

func (s *Service) appendEvent(tx *gorm.DB, actor, action string, amount int64) error {
	event := models.AuditEvent{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Details:   "amount=" + strconv.FormatInt(amount, 10),
		CreatedAt: s.now(),
	}
	return tx.Create(&event).Error
}
