package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"referrald/auth"
	"referrald/models"
	"referrald/registry"
	"referrald/vault"
)

type programRequest struct {
	FixedRewardAmount      int64              `json:"fixed_reward_amount"`
	Tiered                 bool               `json:"tiered"`
	Tier1Threshold         int64              `json:"tier1_threshold"`
	Tier1Reward            int64              `json:"tier1_reward"`
	Tier2Reward            int64              `json:"tier2_reward"`
	MaxRewardCap           int64              `json:"max_reward_cap"`
	LockPeriodSeconds      int64              `json:"lock_period_seconds"`
	EarlyRedemptionFeeRate int64              `json:"early_redemption_fee_rate"`
	MintFee                int64              `json:"mint_fee"`
	StartTime              *time.Time         `json:"start_time,omitempty"`
	EndTime                *time.Time         `json:"end_time,omitempty"`
	MetadataRef            string             `json:"metadata_ref"`
	Eligibility            *registry.Criteria `json:"eligibility,omitempty"`
}

// CreateProgram registers a new referral program owned by the caller.
func (s *Server) CreateProgram(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req programRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	program, err := s.Registry.CreateProgram(r.Context(), claims.Subject, registry.CreateParams{
		FixedRewardAmount:      req.FixedRewardAmount,
		Tiered:                 req.Tiered,
		Tier1Threshold:         req.Tier1Threshold,
		Tier1Reward:            req.Tier1Reward,
		Tier2Reward:            req.Tier2Reward,
		MaxRewardCap:           req.MaxRewardCap,
		LockPeriodSeconds:      req.LockPeriodSeconds,
		EarlyRedemptionFeeRate: req.EarlyRedemptionFeeRate,
		MintFee:                req.MintFee,
		StartTime:              req.StartTime,
		EndTime:                req.EndTime,
		MetadataRef:            req.MetadataRef,
		Eligibility:            req.Eligibility,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, program)
}

// GetProgram returns a program by id.
func (s *Server) GetProgram(w http.ResponseWriter, r *http.Request) {
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	program, err := s.Registry.GetProgram(r.Context(), programID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, program)
}

// ProgramStats returns funnel counts and vault balances for a program.
func (s *Server) ProgramStats(w http.ResponseWriter, r *http.Request) {
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	stats, err := s.Tracking.Stats(r.Context(), programID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type settingsRequest struct {
	FixedRewardAmount      *int64     `json:"fixed_reward_amount,omitempty"`
	Tiered                 *bool      `json:"tiered,omitempty"`
	Tier1Threshold         *int64     `json:"tier1_threshold,omitempty"`
	Tier1Reward            *int64     `json:"tier1_reward,omitempty"`
	Tier2Reward            *int64     `json:"tier2_reward,omitempty"`
	MaxRewardCap           *int64     `json:"max_reward_cap,omitempty"`
	LockPeriodSeconds      *int64     `json:"lock_period_seconds,omitempty"`
	EarlyRedemptionFeeRate *int64     `json:"early_redemption_fee_rate,omitempty"`
	MintFee                *int64     `json:"mint_fee,omitempty"`
	EndTime                *time.Time `json:"end_time,omitempty"`
	Paused                 *bool      `json:"paused,omitempty"`
}

// UpdateSettings applies owner-gated program settings changes.
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	program, err := s.Registry.UpdateSettings(r.Context(), claims.Subject, programID, registry.Settings{
		FixedRewardAmount:      req.FixedRewardAmount,
		Tiered:                 req.Tiered,
		Tier1Threshold:         req.Tier1Threshold,
		Tier1Reward:            req.Tier1Reward,
		Tier2Reward:            req.Tier2Reward,
		MaxRewardCap:           req.MaxRewardCap,
		LockPeriodSeconds:      req.LockPeriodSeconds,
		EarlyRedemptionFeeRate: req.EarlyRedemptionFeeRate,
		MintFee:                req.MintFee,
		EndTime:                req.EndTime,
		Paused:                 req.Paused,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, program)
}

// SetEligibility replaces the program's eligibility predicate.
func (s *Server) SetEligibility(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	var req struct {
		Eligibility *registry.Criteria `json:"eligibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	program, err := s.Registry.SetEligibility(r.Context(), claims.Subject, programID, req.Eligibility)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, program)
}

// EndProgram explicitly ends a program.
func (s *Server) EndProgram(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	program, err := s.Registry.EndProgram(r.Context(), claims.Subject, programID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, program)
}

// DepositRewards credits the program reward vault via the settlement layer.
func (s *Server) DepositRewards(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	start := time.Now()
	rv, err := s.Registry.Deposit(r.Context(), claims.Subject, programID, req.Amount, req.Reference)
	s.metrics.Observe("deposit", time.Since(start), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rv)
}

// GenerateCode issues a referral code for the calling participant.
func (s *Server) GenerateCode(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	code, err := s.Referrals.GenerateCode(r.Context(), programID, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, code)
}

// ValidateCode reports whether a referral code is currently usable.
func (s *Server) ValidateCode(w http.ResponseWriter, r *http.Request) {
	valid, err := s.Referrals.ValidateCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// JoinProgram enrolls the caller in a program, optionally through a code.
func (s *Server) JoinProgram(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	participant, record, err := s.Referrals.JoinProgram(r.Context(), programID, claims.Subject, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"participant": participant,
		"referral":    record,
	})
}

// GetParticipant returns a participant's enrollment and counters.
func (s *Server) GetParticipant(w http.ResponseWriter, r *http.Request) {
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	participant, err := s.Referrals.GetParticipant(r.Context(), programID, chi.URLParam(r, "identity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, participant)
}

// ListReferrals returns the caller's referral records in a program.
func (s *Server) ListReferrals(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	records, err := s.Tracking.ListByReferrer(r.Context(), programID, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// CreateReferral opens a referral relationship with the caller as referee.
func (s *Server) CreateReferral(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Code     string `json:"code"`
		Referrer string `json:"referrer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	record, err := s.Referrals.CreateRelationship(r.Context(), req.Referrer, claims.Subject, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

// GetReferral returns a referral record by id.
func (s *Server) GetReferral(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid referral id", http.StatusBadRequest)
		return
	}
	record, err := s.Tracking.GetRecord(r.Context(), recordID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// TrackClick marks a referral as clicked.
func (s *Server) TrackClick(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid referral id", http.StatusBadRequest)
		return
	}
	start := time.Now()
	record, err := s.Tracking.TrackClick(r.Context(), recordID)
	s.metrics.Observe("track_click", time.Since(start), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// RecordConversion marks a referral as converted and reserves its reward.
func (s *Server) RecordConversion(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid referral id", http.StatusBadRequest)
		return
	}
	start := time.Now()
	record, err := s.Tracking.RecordConversion(r.Context(), recordID)
	s.metrics.Observe("record_conversion", time.Since(start), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// ClaimReward settles a matured reward to the calling referrer.
func (s *Server) ClaimReward(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid referral id", http.StatusBadRequest)
		return
	}
	start := time.Now()
	record, err := s.Rewards.Claim(r.Context(), claims.Subject, recordID)
	s.metrics.Observe("claim", time.Since(start), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.RecordReward("claim", record.RewardAmount)
	s.writeJSON(w, http.StatusOK, record)
}

// RedeemEarly settles a reward before its lock elapses, minus the fee.
func (s *Server) RedeemEarly(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid referral id", http.StatusBadRequest)
		return
	}
	start := time.Now()
	result, err := s.Rewards.RedeemEarly(r.Context(), claims.Subject, recordID)
	s.metrics.Observe("redeem_early", time.Since(start), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.RecordReward("redeem", result.Payout)
	s.metrics.RecordFee("redemption", result.Fee)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"referral": result.Record,
		"payout":   result.Payout,
		"fee":      result.Fee,
	})
}

// OverrideStatus force-advances a referral record along a forward edge.
func (s *Server) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid referral id", http.StatusBadRequest)
		return
	}
	var req struct {
		Status models.RecordStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	record, err := s.Tracking.OverrideStatus(r.Context(), claims.Subject, recordID, req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// DeactivateParticipant marks a participant inactive and invalidates their
// codes.
func (s *Server) DeactivateParticipant(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		ProgramID uuid.UUID `json:"program_id"`
		Identity  string    `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.Referrals.DeactivateParticipant(r.Context(), claims.Subject, req.ProgramID, req.Identity); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// GetFeeVault returns the protocol fee vault snapshot.
func (s *Server) GetFeeVault(w http.ResponseWriter, r *http.Request) {
	fv, err := s.Vaults.FeeVault(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fv)
}

// ManageFeeVault deposits to or withdraws from the protocol fee vault.
func (s *Server) ManageFeeVault(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Action vault.FeeAction `json:"action"`
		Amount int64           `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	fv, err := s.Vaults.ManageFeeVault(r.Context(), claims.Subject, req.Action, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fv)
}

// ProcessMintFee credits a mint fee to the protocol fee vault.
func (s *Server) ProcessMintFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProgramID *uuid.UUID `json:"program_id,omitempty"`
		Amount    int64      `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	fv, err := s.Vaults.ProcessMintFee(r.Context(), req.ProgramID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.RecordFee("mint", req.Amount)
	s.writeJSON(w, http.StatusOK, fv)
}

// ReconcileProgram repairs reserved-balance drift for one program vault.
func (s *Server) ReconcileProgram(w http.ResponseWriter, r *http.Request) {
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	report, err := s.Rewards.Reconcile(r.Context(), programID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// Sweep runs the lifecycle expiry pass on demand.
func (s *Server) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.Tracking.ExpireStale(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
