package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"referrald/models"
)

// The functions in this file are the only mutators of vault balances. They
// operate on a row already locked inside the caller's transaction so that
// balance updates against the same vault are serialized, and they abort any
// change that would leave deposited_balance < reserved_balance or either
// balance negative.

// LockRewardVault loads the program's reward vault under a row lock.
func LockRewardVault(tx *gorm.DB, programID uuid.UUID) (*models.RewardVault, error) {
	var v models.RewardVault
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, "program_id = ?", programID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	return &v, nil
}

// Deposit credits the deposited balance of a locked reward vault.
func Deposit(tx *gorm.DB, v *models.RewardVault, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	v.DepositedBalance += amount
	return save(tx, v)
}

// Reserve earmarks part of the deposited balance for a pending reward. The
// reservation is rejected when it would exceed the deposited balance.
func Reserve(tx *gorm.DB, v *models.RewardVault, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	if v.ReservedBalance+amount > v.DepositedBalance {
		return fmt.Errorf("%w: reservation %d exceeds available %d",
			ErrInsufficientBalance, amount, v.DepositedBalance-v.ReservedBalance)
	}
	v.ReservedBalance += amount
	return save(tx, v)
}

// Settle releases a reservation and debits the deposited balance in one
// step, used when a reserved reward is paid out.
func Settle(tx *gorm.DB, v *models.RewardVault, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	if v.ReservedBalance < amount || v.DepositedBalance < amount {
		return fmt.Errorf("%w: settle %d with reserved %d deposited %d",
			ErrInsufficientBalance, amount, v.ReservedBalance, v.DepositedBalance)
	}
	v.ReservedBalance -= amount
	v.DepositedBalance -= amount
	return save(tx, v)
}

// ReleaseReservation returns a reservation to the free pool without paying
// it out, used by reconciliation when drift is detected.
func ReleaseReservation(tx *gorm.DB, v *models.RewardVault, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if v.ReservedBalance < amount {
		return fmt.Errorf("%w: release %d exceeds reserved %d",
			ErrInsufficientBalance, amount, v.ReservedBalance)
	}
	v.ReservedBalance -= amount
	return save(tx, v)
}

func save(tx *gorm.DB, v *models.RewardVault) error {
	if v.DepositedBalance < 0 || v.ReservedBalance < 0 || v.DepositedBalance < v.ReservedBalance {
		return fmt.Errorf("%w: deposited %d reserved %d",
			ErrInsufficientBalance, v.DepositedBalance, v.ReservedBalance)
	}
	v.UpdatedAt = time.Now().UTC()
	return tx.Save(v).Error
}

// LockFeeVault loads the protocol fee vault under a row lock, creating the
// singleton row on first use.
func LockFeeVault(tx *gorm.DB) (*models.FeeVault, error) {
	var fv models.FeeVault
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fv, "id = ?", models.FeeVaultID).Error
	if err == nil {
		return &fv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	fv = models.FeeVault{ID: models.FeeVaultID, CreatedAt: time.Now().UTC()}
	if err := tx.Create(&fv).Error; err != nil {
		return nil, err
	}
	return &fv, nil
}

// FeeKind labels the source of a fee credit.
type FeeKind string

const (
	FeeKindMint       FeeKind = "mint"
	FeeKindRedemption FeeKind = "redemption"
)

// CreditFee appends a fee credit to the locked fee vault.
func CreditFee(tx *gorm.DB, fv *models.FeeVault, amount int64, kind FeeKind) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	fv.Balance += amount
	switch kind {
	case FeeKindMint:
		fv.MintFees += amount
	case FeeKindRedemption:
		fv.RedemptionFees += amount
	}
	fv.UpdatedAt = time.Now().UTC()
	return tx.Save(fv).Error
}

// DebitFee removes funds from the locked fee vault. Callers must have
// already established protocol authority.
func DebitFee(tx *gorm.DB, fv *models.FeeVault, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fv.Balance < amount {
		return fmt.Errorf("%w: withdraw %d exceeds balance %d", ErrInsufficientBalance, amount, fv.Balance)
	}
	fv.Balance -= amount
	fv.UpdatedAt = time.Now().UTC()
	return tx.Save(fv).Error
}
