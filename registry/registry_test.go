package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"referrald/models"
	"referrald/transfer"
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

// stubTransfer records transfer requests and optionally fails them.
type stubTransfer struct {
	mu    sync.Mutex
	err   error
	calls []transfer.Request
}

func (s *stubTransfer) Transfer(ctx context.Context, req transfer.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.err
}

func validParams() CreateParams {
	return CreateParams{
		FixedRewardAmount:      50,
		LockPeriodSeconds:      7 * 24 * 3600,
		EarlyRedemptionFeeRate: 20,
	}
}

func TestCreateProgramValidation(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"zero reward", func(p *CreateParams) { p.FixedRewardAmount = 0 }},
		{"fee over 100", func(p *CreateParams) { p.EarlyRedemptionFeeRate = 101 }},
		{"negative lock", func(p *CreateParams) { p.LockPeriodSeconds = -1 }},
		{"negative cap", func(p *CreateParams) { p.MaxRewardCap = -5 }},
		{"tiered without thresholds", func(p *CreateParams) { p.Tiered = true }},
		{"end before start", func(p *CreateParams) {
			start := time.Now().Add(time.Hour)
			end := start.Add(-time.Minute)
			p.StartTime, p.EndTime = &start, &end
		}},
	}
	for _, tc := range cases {
		params := validParams()
		tc.mutate(&params)
		if _, err := engine.CreateProgram(context.Background(), "owner-1", params); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("%s: expected ErrInvalidParams got %v", tc.name, err)
		}
	}
}

func TestCreateProgramProvisionsVault(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})

	program, err := engine.CreateProgram(context.Background(), "Owner-1", validParams())
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	if program.Owner != "owner-1" {
		t.Fatalf("expected normalized owner got %q", program.Owner)
	}
	if program.Status != models.ProgramActive {
		t.Fatalf("expected ACTIVE got %s", program.Status)
	}

	var rv models.RewardVault
	if err := db.First(&rv, "program_id = ?", program.ID).Error; err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if rv.DepositedBalance != 0 || rv.ReservedBalance != 0 {
		t.Fatalf("expected empty vault got %d/%d", rv.DepositedBalance, rv.ReservedBalance)
	}

	var events int64
	if err := db.Model(&models.AuditEvent{}).Where("program_id = ?", program.ID).Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected 1 audit event got %d", events)
	}
}

func TestUpdateSettingsOwnerGated(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})

	program, err := engine.CreateProgram(context.Background(), "owner-1", validParams())
	if err != nil {
		t.Fatalf("create program: %v", err)
	}

	amount := int64(75)
	if _, err := engine.UpdateSettings(context.Background(), "intruder", program.ID, Settings{FixedRewardAmount: &amount}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized got %v", err)
	}

	updated, err := engine.UpdateSettings(context.Background(), "owner-1", program.ID, Settings{FixedRewardAmount: &amount})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if updated.FixedRewardAmount != 75 {
		t.Fatalf("expected 75 got %d", updated.FixedRewardAmount)
	}

	paused := true
	updated, err = engine.UpdateSettings(context.Background(), "owner-1", program.ID, Settings{Paused: &paused})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if updated.Status != models.ProgramPaused {
		t.Fatalf("expected PAUSED got %s", updated.Status)
	}
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})

	program, err := engine.CreateProgram(context.Background(), "owner-1", validParams())
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	bad := int64(150)
	if _, err := engine.UpdateSettings(context.Background(), "owner-1", program.ID, Settings{EarlyRedemptionFeeRate: &bad}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams got %v", err)
	}
}

func TestEndProgramIdempotentAndImmutable(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})

	program, err := engine.CreateProgram(context.Background(), "owner-1", validParams())
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	if _, err := engine.EndProgram(context.Background(), "owner-1", program.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	ended, err := engine.EndProgram(context.Background(), "owner-1", program.ID)
	if err != nil {
		t.Fatalf("end twice: %v", err)
	}
	if ended.Status != models.ProgramEnded {
		t.Fatalf("expected ENDED got %s", ended.Status)
	}

	amount := int64(99)
	if _, err := engine.UpdateSettings(context.Background(), "owner-1", program.ID, Settings{FixedRewardAmount: &amount}); !errors.Is(err, ErrProgramEnded) {
		t.Fatalf("expected ErrProgramEnded got %v", err)
	}
}

func TestDepositCreditsVault(t *testing.T) {
	db := setupTestDB(t)
	stub := &stubTransfer{}
	engine := NewEngine(Config{DB: db, Transfer: stub})

	program, err := engine.CreateProgram(context.Background(), "owner-1", validParams())
	if err != nil {
		t.Fatalf("create program: %v", err)
	}

	rv, err := engine.Deposit(context.Background(), "sponsor-1", program.ID, 500, "ref-1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if rv.DepositedBalance != 500 {
		t.Fatalf("expected 500 got %d", rv.DepositedBalance)
	}
	if len(stub.calls) != 1 {
		t.Fatalf("expected 1 transfer got %d", len(stub.calls))
	}
	req := stub.calls[0]
	if req.TxID != "deposit:ref-1" {
		t.Fatalf("unexpected tx id %q", req.TxID)
	}
	if req.Source != transfer.AccountRef("sponsor-1") || req.Destination != transfer.VaultRef(program.ID) {
		t.Fatalf("unexpected transfer endpoints %q -> %q", req.Source, req.Destination)
	}
}

func TestDepositTransferFailureLeavesNoState(t *testing.T) {
	db := setupTestDB(t)
	stub := &stubTransfer{err: transfer.ErrTransferRejected}
	engine := NewEngine(Config{DB: db, Transfer: stub})

	program, err := engine.CreateProgram(context.Background(), "owner-1", validParams())
	if err != nil {
		t.Fatalf("create program: %v", err)
	}

	if _, err := engine.Deposit(context.Background(), "sponsor-1", program.ID, 500, "ref-1"); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed got %v", err)
	}

	var rv models.RewardVault
	if err := db.First(&rv, "program_id = ?", program.ID).Error; err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if rv.DepositedBalance != 0 {
		t.Fatalf("expected empty vault after rollback got %d", rv.DepositedBalance)
	}
	var events int64
	if err := db.Model(&models.AuditEvent{}).Where("action = ?", "vault.deposited").Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 0 {
		t.Fatalf("expected no deposit audit event got %d", events)
	}
}

func TestDepositRejectsEndedProgram(t *testing.T) {
	db := setupTestDB(t)
	stub := &stubTransfer{}
	engine := NewEngine(Config{DB: db, Transfer: stub})

	program, err := engine.CreateProgram(context.Background(), "owner-1", validParams())
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	if _, err := engine.EndProgram(context.Background(), "owner-1", program.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := engine.Deposit(context.Background(), "sponsor-1", program.ID, 100, ""); !errors.Is(err, ErrProgramEnded) {
		t.Fatalf("expected ErrProgramEnded got %v", err)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("expected no transfer calls got %d", len(stub.calls))
	}
}
