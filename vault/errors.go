package vault

import "errors"

var (
	ErrVaultNotFound       = errors.New("vault: vault not found")
	ErrInvalidAmount       = errors.New("vault: amount must be positive")
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	ErrUnauthorized        = errors.New("vault: unauthorized")
	ErrInvalidAction       = errors.New("vault: unsupported action")
)
