package rewards

import (
	"time"

	"referrald/models"
)

// FixedReward returns the reward owed for the referral with the given
// ordinal (1-based count of the referrer's conversions including this one).
// Single-tier programs pay the fixed amount; tiered programs pay the tier-1
// rate up to the threshold and the tier-2 rate beyond it. The per-referral
// amount never exceeds the program's max reward cap.
func FixedReward(p *models.Program, referralCount int64) int64 {
	if p == nil {
		return 0
	}
	reward := p.FixedRewardAmount
	if p.Tiered {
		if referralCount > p.Tier1Threshold {
			reward = p.Tier2Reward
		} else {
			reward = p.Tier1Reward
		}
	}
	if reward < 0 {
		return 0
	}
	if p.MaxRewardCap > 0 && reward > p.MaxRewardCap {
		reward = p.MaxRewardCap
	}
	return reward
}

// CapRemaining clamps a proposed reward so the participant's cumulative
// rewards (already earned plus outstanding reservations) never exceed the
// program cap. A zero cap means uncapped.
func CapRemaining(p *models.Program, cumulative, proposed int64) int64 {
	if p == nil || proposed <= 0 {
		return 0
	}
	if p.MaxRewardCap <= 0 {
		return proposed
	}
	remaining := p.MaxRewardCap - cumulative
	if remaining <= 0 {
		return 0
	}
	if proposed > remaining {
		return remaining
	}
	return proposed
}

// LockElapsed reports whether the record's lock period has passed.
func LockElapsed(record *models.ReferralRecord, now time.Time) bool {
	if record == nil {
		return false
	}
	if record.LockExpiry == nil {
		return true
	}
	return !now.Before(*record.LockExpiry)
}

// EarlyRedemptionSplit returns the payout and fee for redeeming the full
// reward before the lock elapses. The fee applies to the whole reward
// amount.
func EarlyRedemptionSplit(amount, feeRatePercent int64) (payout, fee int64) {
	if amount <= 0 {
		return 0, 0
	}
	if feeRatePercent < 0 {
		feeRatePercent = 0
	}
	if feeRatePercent > 100 {
		feeRatePercent = 100
	}
	fee = amount * feeRatePercent / 100
	return amount - fee, fee
}
