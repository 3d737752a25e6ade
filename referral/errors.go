package referral

import "errors"

var (
	ErrProgramNotFound         = errors.New("referral: program not found")
	ErrProgramInactive         = errors.New("referral: program inactive")
	ErrParticipantNotFound     = errors.New("referral: participant not found")
	ErrCodeNotFound            = errors.New("referral: code not found")
	ErrCodeInvalid             = errors.New("referral: code invalid")
	ErrCodeGenerationExhausted = errors.New("referral: code generation exhausted")
	ErrSelfReferral            = errors.New("referral: self referral")
	ErrInvalidReferrer         = errors.New("referral: invalid referrer")
	ErrDuplicateReferral       = errors.New("referral: duplicate referral")
	ErrNotEligible             = errors.New("referral: eligibility criteria not met")
)
