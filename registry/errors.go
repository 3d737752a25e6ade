package registry

import "errors"

var (
	ErrInvalidParams   = errors.New("registry: invalid program parameters")
	ErrUnauthorized    = errors.New("registry: unauthorized")
	ErrProgramNotFound = errors.New("registry: program not found")
	ErrProgramEnded    = errors.New("registry: program ended")
	ErrProgramInactive = errors.New("registry: program inactive")
	ErrTransferFailed  = errors.New("registry: deposit transfer failed")
)
