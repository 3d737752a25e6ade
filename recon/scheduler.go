package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"referrald/models"
	"referrald/observability"
	"referrald/rewards"
	"referrald/tracking"
)

// SchedulerConfig configures the background lifecycle and reconciliation
// loops.
type SchedulerConfig struct {
	DB            *gorm.DB
	Tracking      *tracking.Engine
	Rewards       *rewards.Engine
	SweepInterval time.Duration
	RunHour       int
	RunMinute     int
	Location      *time.Location
	Logger        *slog.Logger
}

// Scheduler runs the expiry sweep on a short cadence and a full vault
// reconciliation pass once a day.
type Scheduler struct {
	db            *gorm.DB
	tracking      *tracking.Engine
	rewards       *rewards.Engine
	sweepInterval time.Duration
	runHour       int
	runMinute     int
	location      *time.Location
	logger        *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:            cfg.DB,
		tracking:      cfg.Tracking,
		rewards:       cfg.Rewards,
		sweepInterval: interval,
		runHour:       clampHour(cfg.RunHour),
		runMinute:     clampMinute(cfg.RunMinute),
		location:      loc,
		logger:        logger,
	}
}

// Start begins both loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.tracking == nil {
		return
	}
	go s.sweepLoop(ctx)
	s.reconcileLoop(ctx)
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.tracking.ExpireStale(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("expiry sweep failed", "error", err)
				}
				continue
			}
			if result.ProgramsEnded > 0 || result.CodesInvalidated > 0 || result.RecordsExpired > 0 {
				s.logger.Info("expiry sweep",
					"programs_ended", result.ProgramsEnded,
					"codes_invalidated", result.CodesInvalidated,
					"records_expired", result.RecordsExpired)
			}
		}
	}
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	if s.rewards == nil {
		<-ctx.Done()
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.reconcileAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("reconciliation run failed", "error", err)
			}
		}
	}
}

// reconcileAll walks every program vault, repairs reserved-balance drift and
// refreshes the balance gauges.
func (s *Scheduler) reconcileAll(ctx context.Context) error {
	metrics := observability.Vault()
	var vaults []models.RewardVault
	if err := s.db.WithContext(ctx).Find(&vaults).Error; err != nil {
		return err
	}
	for _, rv := range vaults {
		report, err := s.rewards.Reconcile(ctx, rv.ProgramID)
		if err != nil {
			s.logger.Error("reconcile vault failed", "program", rv.ProgramID, "error", err)
			continue
		}
		metrics.RecordBalances(report.ProgramID.String(), rv.DepositedBalance, report.Outstanding)
		if report.Adjusted != 0 {
			metrics.RecordDrift(report.ProgramID.String())
			s.logger.Warn("vault drift repaired",
				"program", report.ProgramID,
				"outstanding", report.Outstanding,
				"reserved", report.Reserved,
				"adjusted", report.Adjusted)
		}
	}
	var fv models.FeeVault
	if err := s.db.WithContext(ctx).First(&fv, "id = ?", models.FeeVaultID).Error; err == nil {
		metrics.RecordFeePool(fv.Balance)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("load fee vault failed", "error", err)
	}
	return nil
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
