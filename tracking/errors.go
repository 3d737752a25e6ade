package tracking

import "errors"

var (
	ErrRecordNotFound      = errors.New("tracking: record not found")
	ErrProgramNotFound     = errors.New("tracking: program not found")
	ErrProgramInactive     = errors.New("tracking: program inactive")
	ErrInvalidTransition   = errors.New("tracking: invalid status transition")
	ErrInsufficientBalance = errors.New("tracking: insufficient vault balance for reward")
	ErrUnauthorized        = errors.New("tracking: unauthorized")
)
