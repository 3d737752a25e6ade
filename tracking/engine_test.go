package tracking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

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

type harness struct {
	program     *models.Program
	record      *models.ReferralRecord
	participant *models.Participant
}

// seedPending creates an active program with a funded vault, one referrer
// participant and a PENDING record.
func seedPending(t *testing.T, db *gorm.DB, deposited int64, mutate func(*models.Program)) harness {
	t.Helper()
	program := &models.Program{
		ID:                uuid.New(),
		Owner:             "owner-1",
		FixedRewardAmount: 50,
		LockPeriodSeconds: 7 * 24 * 3600,
		Status:            models.ProgramActive,
	}
	if mutate != nil {
		mutate(program)
	}
	if err := db.Create(program).Error; err != nil {
		t.Fatalf("create program: %v", err)
	}
	rv := models.RewardVault{ID: uuid.New(), ProgramID: program.ID, DepositedBalance: deposited}
	if err := db.Create(&rv).Error; err != nil {
		t.Fatalf("create vault: %v", err)
	}
	participant := &models.Participant{
		ID:        uuid.New(),
		ProgramID: program.ID,
		Identity:  "alice",
		Active:    true,
	}
	if err := db.Create(participant).Error; err != nil {
		t.Fatalf("create participant: %v", err)
	}
	record := &models.ReferralRecord{
		ID:               uuid.New(),
		ProgramID:        program.ID,
		ReferrerIdentity: "alice",
		RefereeIdentity:  "bob",
		Status:           models.StatusPending,
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("create record: %v", err)
	}
	return harness{program: program, record: record, participant: participant}
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to models.RecordStatus
		ok       bool
	}{
		{models.StatusPending, models.StatusClicked, true},
		{models.StatusPending, models.StatusExpired, true},
		{models.StatusClicked, models.StatusConverted, true},
		{models.StatusClicked, models.StatusExpired, true},
		{models.StatusConverted, models.StatusRewarded, true},
		{models.StatusPending, models.StatusPending, true},
		{models.StatusPending, models.StatusConverted, false},
		{models.StatusPending, models.StatusRewarded, false},
		{models.StatusConverted, models.StatusExpired, false},
		{models.StatusRewarded, models.StatusExpired, false},
		{models.StatusExpired, models.StatusClicked, false},
		{models.RecordStatus("BOGUS"), models.StatusClicked, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition got %v", tc.from, tc.to, err)
		}
	}
}

func TestTrackClickIdempotent(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, nil)

	record, err := engine.TrackClick(context.Background(), h.record.ID)
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if record.Status != models.StatusClicked {
		t.Fatalf("expected CLICKED got %s", record.Status)
	}

	record, err = engine.TrackClick(context.Background(), h.record.ID)
	if err != nil {
		t.Fatalf("second click: %v", err)
	}
	if record.Status != models.StatusClicked {
		t.Fatalf("expected CLICKED got %s", record.Status)
	}
}

func TestTrackClickOnExpiredFails(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, nil)

	if err := db.Model(h.record).Update("status", models.StatusExpired).Error; err != nil {
		t.Fatalf("force expired: %v", err)
	}
	if _, err := engine.TrackClick(context.Background(), h.record.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition got %v", err)
	}
}

func TestRecordConversionReservesReward(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, nil)

	if _, err := engine.TrackClick(context.Background(), h.record.ID); err != nil {
		t.Fatalf("click: %v", err)
	}
	record, err := engine.RecordConversion(context.Background(), h.record.ID)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if record.Status != models.StatusConverted || record.RewardAmount != 50 {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.ConvertedAt == nil || record.LockExpiry == nil {
		t.Fatal("expected conversion timestamps")
	}
	wantExpiry := record.ConvertedAt.Add(7 * 24 * time.Hour)
	if !record.LockExpiry.Equal(wantExpiry) {
		t.Fatalf("expected lock expiry %v got %v", wantExpiry, record.LockExpiry)
	}

	var rv models.RewardVault
	if err := db.First(&rv, "program_id = ?", h.program.ID).Error; err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if rv.DepositedBalance != 500 || rv.ReservedBalance != 50 {
		t.Fatalf("expected 500/50 got %d/%d", rv.DepositedBalance, rv.ReservedBalance)
	}

	var participant models.Participant
	if err := db.First(&participant, "id = ?", h.participant.ID).Error; err != nil {
		t.Fatalf("load participant: %v", err)
	}
	if participant.TotalReferrals != 1 {
		t.Fatalf("expected 1 referral got %d", participant.TotalReferrals)
	}
	var program models.Program
	if err := db.First(&program, "id = ?", h.program.ID).Error; err != nil {
		t.Fatalf("load program: %v", err)
	}
	if program.TotalReferrals != 1 {
		t.Fatalf("expected program total 1 got %d", program.TotalReferrals)
	}
}

func TestRecordConversionIdempotent(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, nil)

	if _, err := engine.TrackClick(context.Background(), h.record.ID); err != nil {
		t.Fatalf("click: %v", err)
	}
	if _, err := engine.RecordConversion(context.Background(), h.record.ID); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := engine.RecordConversion(context.Background(), h.record.ID); err != nil {
		t.Fatalf("second convert: %v", err)
	}

	var rv models.RewardVault
	if err := db.First(&rv, "program_id = ?", h.program.ID).Error; err != nil {
		t.Fatalf("load vault: %v", err)
	}
	if rv.ReservedBalance != 50 {
		t.Fatalf("expected single reservation got %d", rv.ReservedBalance)
	}
	var participant models.Participant
	if err := db.First(&participant, "id = ?", h.participant.ID).Error; err != nil {
		t.Fatalf("load participant: %v", err)
	}
	if participant.TotalReferrals != 1 {
		t.Fatalf("expected 1 referral got %d", participant.TotalReferrals)
	}
}

func TestRecordConversionRequiresClick(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, nil)

	if _, err := engine.RecordConversion(context.Background(), h.record.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition got %v", err)
	}
}

func TestRecordConversionInsufficientVault(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 30, nil)

	if _, err := engine.TrackClick(context.Background(), h.record.ID); err != nil {
		t.Fatalf("click: %v", err)
	}
	if _, err := engine.RecordConversion(context.Background(), h.record.ID); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance got %v", err)
	}

	var record models.ReferralRecord
	if err := db.First(&record, "id = ?", h.record.ID).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Status != models.StatusClicked {
		t.Fatalf("expected record left CLICKED got %s", record.Status)
	}
}

func TestRecordConversionTieredReward(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 5000, func(p *models.Program) {
		p.Tiered = true
		p.Tier1Threshold = 10
		p.Tier1Reward = 50
		p.Tier2Reward = 100
	})
	// The referrer already converted 10 referrals, so this one pays tier 2.
	if err := db.Model(h.participant).Update("total_referrals", 10).Error; err != nil {
		t.Fatalf("bump referrals: %v", err)
	}

	if _, err := engine.TrackClick(context.Background(), h.record.ID); err != nil {
		t.Fatalf("click: %v", err)
	}
	record, err := engine.RecordConversion(context.Background(), h.record.ID)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if record.RewardAmount != 100 {
		t.Fatalf("expected tier 2 reward 100 got %d", record.RewardAmount)
	}
}

func TestRecordConversionHonorsParticipantCap(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 5000, func(p *models.Program) {
		p.MaxRewardCap = 120
	})
	if err := db.Model(h.participant).Update("total_rewards_earned", 100).Error; err != nil {
		t.Fatalf("bump earned: %v", err)
	}

	if _, err := engine.TrackClick(context.Background(), h.record.ID); err != nil {
		t.Fatalf("click: %v", err)
	}
	record, err := engine.RecordConversion(context.Background(), h.record.ID)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if record.RewardAmount != 20 {
		t.Fatalf("expected capped reward 20 got %d", record.RewardAmount)
	}
}

func TestRecordConversionRejectsInactiveProgram(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, func(p *models.Program) { p.Status = models.ProgramPaused })

	if _, err := engine.TrackClick(context.Background(), h.record.ID); !errors.Is(err, ErrProgramInactive) {
		t.Fatalf("expected ErrProgramInactive got %v", err)
	}
}

func TestOverrideStatus(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, nil)

	record, err := engine.OverrideStatus(context.Background(), "authority-1", h.record.ID, models.StatusExpired)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if record.Status != models.StatusExpired {
		t.Fatalf("expected EXPIRED got %s", record.Status)
	}

	if _, err := engine.OverrideStatus(context.Background(), "authority-1", h.record.ID, models.StatusClicked); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition got %v", err)
	}
	if _, err := engine.OverrideStatus(context.Background(), "authority-1", h.record.ID, models.StatusRewarded); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected funded-path rejection got %v", err)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	past := time.Now().UTC().Add(-time.Hour)
	h := seedPending(t, db, 500, func(p *models.Program) { p.EndTime = &past })

	code := models.ReferralCode{
		ID: uuid.New(), ProgramID: h.program.ID, Code: "SWEEPME234",
		ParticipantID: h.participant.ID, OwnerIdentity: "alice", Valid: true,
	}
	if err := db.Create(&code).Error; err != nil {
		t.Fatalf("create code: %v", err)
	}

	result, err := engine.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.ProgramsEnded != 1 || result.CodesInvalidated != 1 || result.RecordsExpired != 1 {
		t.Fatalf("unexpected sweep result %+v", result)
	}

	var program models.Program
	if err := db.First(&program, "id = ?", h.program.ID).Error; err != nil {
		t.Fatalf("load program: %v", err)
	}
	if program.Status != models.ProgramEnded {
		t.Fatalf("expected ENDED got %s", program.Status)
	}
	var record models.ReferralRecord
	if err := db.First(&record, "id = ?", h.record.ID).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Status != models.StatusExpired {
		t.Fatalf("expected EXPIRED got %s", record.Status)
	}

	// The sweep is idempotent.
	result, err = engine.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if result.ProgramsEnded != 0 || result.CodesInvalidated != 0 || result.RecordsExpired != 0 {
		t.Fatalf("expected no-op sweep got %+v", result)
	}
}

func TestExpireStaleLeavesConvertedRecords(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	past := time.Now().UTC().Add(-time.Hour)
	h := seedPending(t, db, 500, func(p *models.Program) { p.EndTime = &past })

	if err := db.Model(h.record).Update("status", models.StatusConverted).Error; err != nil {
		t.Fatalf("force converted: %v", err)
	}

	if _, err := engine.ExpireStale(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var record models.ReferralRecord
	if err := db.First(&record, "id = ?", h.record.ID).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Status != models.StatusConverted {
		t.Fatalf("converted record must survive the sweep, got %s", record.Status)
	}
}

func TestExpireStalePendingTTL(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db, PendingTTL: time.Hour})
	h := seedPending(t, db, 500, nil)

	if err := db.Model(h.record).Update("created_at", time.Now().UTC().Add(-2*time.Hour)).Error; err != nil {
		t.Fatalf("age record: %v", err)
	}

	result, err := engine.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.RecordsExpired != 1 {
		t.Fatalf("expected 1 expired got %d", result.RecordsExpired)
	}
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(Config{DB: db})
	h := seedPending(t, db, 500, nil)

	if _, err := engine.TrackClick(context.Background(), h.record.ID); err != nil {
		t.Fatalf("click: %v", err)
	}
	stats, err := engine.Stats(context.Background(), h.program.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByStatus[string(models.StatusClicked)] != 1 {
		t.Fatalf("expected 1 clicked got %+v", stats.ByStatus)
	}
	if stats.Vault == nil || stats.Vault.DepositedBalance != 500 {
		t.Fatalf("expected vault snapshot got %+v", stats.Vault)
	}
}
