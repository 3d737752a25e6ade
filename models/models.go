package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProgramStatus represents the lifecycle state of a referral program.
type ProgramStatus string

// All program lifecycle states.
const (
	ProgramActive ProgramStatus = "ACTIVE"
	ProgramPaused ProgramStatus = "PAUSED"
	ProgramEnded  ProgramStatus = "ENDED"
)

// RecordStatus represents a state in the referral tracking workflow.
type RecordStatus string

// All referral record states.
const (
	StatusPending   RecordStatus = "PENDING"
	StatusClicked   RecordStatus = "CLICKED"
	StatusConverted RecordStatus = "CONVERTED"
	StatusRewarded  RecordStatus = "REWARDED"
	StatusExpired   RecordStatus = "EXPIRED"
)

// Program holds the configuration and aggregate counters for a referral
// campaign. Amounts are integer token units; the fee rate is a whole
// percentage in [0,100].
type Program struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Owner                  string    `gorm:"size:64;index"`
	FixedRewardAmount      int64     `gorm:"not null"`
	Tiered                 bool
	Tier1Threshold         int64
	Tier1Reward            int64
	Tier2Reward            int64
	MaxRewardCap           int64
	LockPeriodSeconds      int64
	EarlyRedemptionFeeRate int64
	MintFee                int64
	EligibilityJSON        string `gorm:"type:text"`
	MetadataRef            string `gorm:"size:128"`
	StartTime              *time.Time
	EndTime                *time.Time
	Status                 ProgramStatus `gorm:"size:16;index"`

	TotalReferrals          int64
	TotalRewardsDistributed int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Valid reports whether the status value is one of the supported states.
func (s ProgramStatus) Valid() bool {
	switch s {
	case ProgramActive, ProgramPaused, ProgramEnded:
		return true
	default:
		return false
	}
}

// Valid reports whether the record status is one of the supported states.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusPending, StatusClicked, StatusConverted, StatusRewarded, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions may leave this state.
func (s RecordStatus) Terminal() bool {
	return s == StatusRewarded || s == StatusExpired
}

// LockDuration returns the configured lock period as a duration.
func (p *Program) LockDuration() time.Duration {
	if p == nil || p.LockPeriodSeconds <= 0 {
		return 0
	}
	return time.Duration(p.LockPeriodSeconds) * time.Second
}

// AcceptingReferrals reports whether the program admits new codes,
// relationships and conversions at the supplied instant. Claims against
// already-reserved rewards are not gated by this.
func (p *Program) AcceptingReferrals(now time.Time) bool {
	if p == nil || p.Status != ProgramActive {
		return false
	}
	if p.StartTime != nil && now.Before(*p.StartTime) {
		return false
	}
	if p.EndTime != nil && !now.Before(*p.EndTime) {
		return false
	}
	return true
}

// EndedAt reports whether the program has reached its end, either explicitly
// or by passing its configured end time.
func (p *Program) EndedAt(now time.Time) bool {
	if p == nil {
		return false
	}
	if p.Status == ProgramEnded {
		return true
	}
	return p.EndTime != nil && !now.Before(*p.EndTime)
}

// Participant is an identity enrolled in a specific program. The referrer
// link is a weak identity reference resolved on demand; it never implies
// ownership. Participants are deactivated, never deleted.
type Participant struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProgramID        uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_program_identity"`
	Identity         string    `gorm:"size:64;uniqueIndex:idx_program_identity"`
	ReferrerIdentity string    `gorm:"size:64;index"`

	TotalReferrals     int64
	TotalRewardsEarned int64
	Active             bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReferralCode identifies a participant's invitation channel within a
// program. Codes are unique per program.
type ReferralCode struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProgramID     uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_program_code"`
	Code          string    `gorm:"size:32;uniqueIndex:idx_program_code"`
	ParticipantID uuid.UUID `gorm:"type:uuid;index"`
	OwnerIdentity string    `gorm:"size:64;index"`
	UsageCount    int64
	Valid         bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReferralRecord tracks the relationship and reward lifecycle between a
// referrer and a referee. At most one record exists per
// (program, referrer, referee) triple.
type ReferralRecord struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey"`
	ProgramID        uuid.UUID    `gorm:"type:uuid;uniqueIndex:idx_referral_triple;index"`
	ReferrerIdentity string       `gorm:"size:64;uniqueIndex:idx_referral_triple;index"`
	RefereeIdentity  string       `gorm:"size:64;uniqueIndex:idx_referral_triple"`
	Code             string       `gorm:"size:32"`
	Status           RecordStatus `gorm:"size:16;index"`
	RewardAmount     int64
	ConvertedAt      *time.Time
	LockExpiry       *time.Time
	Claimed          bool
	MetadataRef      string `gorm:"size:128"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RewardVault holds the deposited and reserved balances for one program.
// Invariant: deposited_balance >= reserved_balance >= 0.
type RewardVault struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProgramID        uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	DepositedBalance int64
	ReservedBalance  int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FeeVaultID is the primary key of the single protocol-wide fee vault row.
const FeeVaultID = 1

// FeeVault accumulates mint and early-redemption fees for the protocol.
// Credits are append-only; debits require protocol authority.
type FeeVault struct {
	ID             uint `gorm:"primaryKey"`
	Balance        int64
	MintFees       int64
	RedemptionFees int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEvent is the append-only action trail written alongside every
// state-changing operation.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProgramID *uuid.UUID `gorm:"type:uuid;index"`
	RecordID  *uuid.UUID `gorm:"type:uuid;index"`
	Actor     string     `gorm:"size:64;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP layer.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Program{},
		&Participant{},
		&ReferralCode{},
		&ReferralRecord{},
		&RewardVault{},
		&FeeVault{},
		&AuditEvent{},
		&IdempotencyKey{},
	)
}
