package vault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"referrald/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func createVault(t *testing.T, db *gorm.DB, deposited, reserved int64) uuid.UUID {
	t.Helper()
	programID := uuid.New()
	rv := models.RewardVault{
		ID:               uuid.New(),
		ProgramID:        programID,
		DepositedBalance: deposited,
		ReservedBalance:  reserved,
	}
	if err := db.Create(&rv).Error; err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return programID
}

func TestReserveRejectsOverdraft(t *testing.T) {
	db := setupTestDB(t)
	programID := createVault(t, db, 100, 80)

	err := db.Transaction(func(tx *gorm.DB) error {
		rv, err := LockRewardVault(tx, programID)
		if err != nil {
			return err
		}
		return Reserve(tx, rv, 30)
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance got %v", err)
	}

	var rv models.RewardVault
	if err := db.First(&rv, "program_id = ?", programID).Error; err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if rv.ReservedBalance != 80 {
		t.Fatalf("expected reserved 80 got %d", rv.ReservedBalance)
	}
}

func TestSettleDebitsBothBalances(t *testing.T) {
	db := setupTestDB(t)
	programID := createVault(t, db, 500, 100)

	err := db.Transaction(func(tx *gorm.DB) error {
		rv, err := LockRewardVault(tx, programID)
		if err != nil {
			return err
		}
		return Settle(tx, rv, 100)
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	var rv models.RewardVault
	if err := db.First(&rv, "program_id = ?", programID).Error; err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if rv.DepositedBalance != 400 || rv.ReservedBalance != 0 {
		t.Fatalf("expected 400/0 got %d/%d", rv.DepositedBalance, rv.ReservedBalance)
	}
}

func TestSettleRequiresReservation(t *testing.T) {
	db := setupTestDB(t)
	programID := createVault(t, db, 500, 50)

	err := db.Transaction(func(tx *gorm.DB) error {
		rv, err := LockRewardVault(tx, programID)
		if err != nil {
			return err
		}
		return Settle(tx, rv, 100)
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance got %v", err)
	}
}

func TestReleaseReservation(t *testing.T) {
	db := setupTestDB(t)
	programID := createVault(t, db, 500, 100)

	err := db.Transaction(func(tx *gorm.DB) error {
		rv, err := LockRewardVault(tx, programID)
		if err != nil {
			return err
		}
		return ReleaseReservation(tx, rv, 40)
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	var rv models.RewardVault
	if err := db.First(&rv, "program_id = ?", programID).Error; err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if rv.DepositedBalance != 500 || rv.ReservedBalance != 60 {
		t.Fatalf("expected 500/60 got %d/%d", rv.DepositedBalance, rv.ReservedBalance)
	}
}

func TestFeeVaultLifecycle(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	fv, err := svc.ManageFeeVault(context.Background(), "authority-1", FeeActionDeposit, 250)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if fv.Balance != 250 {
		t.Fatalf("expected balance 250 got %d", fv.Balance)
	}

	fv, err = svc.ManageFeeVault(context.Background(), "authority-1", FeeActionWithdraw, 100)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if fv.Balance != 150 {
		t.Fatalf("expected balance 150 got %d", fv.Balance)
	}

	if _, err := svc.ManageFeeVault(context.Background(), "authority-1", FeeActionWithdraw, 1000); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance got %v", err)
	}
	if _, err := svc.ManageFeeVault(context.Background(), "authority-1", "BURN", 10); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction got %v", err)
	}
}

func TestProcessMintFeeChecksProgramRate(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	program := models.Program{ID: uuid.New(), Owner: "owner", FixedRewardAmount: 10, MintFee: 25, Status: models.ProgramActive}
	if err := db.Create(&program).Error; err != nil {
		t.Fatalf("create program: %v", err)
	}

	if _, err := svc.ProcessMintFee(context.Background(), &program.ID, 30); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount got %v", err)
	}
	fv, err := svc.ProcessMintFee(context.Background(), &program.ID, 25)
	if err != nil {
		t.Fatalf("mint fee: %v", err)
	}
	if fv.Balance != 25 || fv.MintFees != 25 {
		t.Fatalf("expected 25/25 got %d/%d", fv.Balance, fv.MintFees)
	}
}
