package rewards

import "errors"

var (
	ErrRecordNotFound  = errors.New("rewards: record not found")
	ErrNotConverted    = errors.New("rewards: record not converted")
	ErrAlreadyClaimed  = errors.New("rewards: reward already claimed")
	ErrLockNotElapsed  = errors.New("rewards: lock period not elapsed")
	ErrUnauthorized    = errors.New("rewards: unauthorized")
	ErrTransferFailed  = errors.New("rewards: transfer failed")
	ErrProgramNotFound = errors.New("rewards: program not found")
)
