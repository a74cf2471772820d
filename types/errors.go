package types

import (
	"errors"
	"fmt"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrQueueFull        = errors.New("signal queue full")
	ErrNotConnected     = errors.New("stream not connected")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
	ErrDuplicateTrade   = errors.New("trade already recorded")
	ErrStoreDisabled    = errors.New("durable store disabled")
	ErrNoPosition       = errors.New("no open position")
)

// ConfigurationError is fatal at startup
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// ConnectionError is a retryable streaming failure
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SignalRejected is an expected outcome, recorded for audit only
type SignalRejected struct {
	SignalID string
	Reason   string
}

func (e *SignalRejected) Error() string {
	return fmt.Sprintf("signal %s rejected: %s", e.SignalID, e.Reason)
}

// RiskAssessmentError means the assessor itself failed; callers fail closed
type RiskAssessmentError struct {
	Err error
}

func (e *RiskAssessmentError) Error() string {
	return fmt.Sprintf("risk assessment failed: %v", e.Err)
}

func (e *RiskAssessmentError) Unwrap() error { return e.Err }

// ExecutionError is surfaced as a failed-trade event and never retried
type ExecutionError struct {
	Token string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s: %v", ShortID(e.Token), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PersistenceError is logged and never interrupts trading
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
