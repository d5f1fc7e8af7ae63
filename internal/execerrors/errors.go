// Package execerrors defines the execution core's error taxonomy: a small
// family of error codes grouped by component, carried in a ServiceError that
// preserves the wrapped cause and structured details for logging.
package execerrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of error. Codes are grouped by component using the
// same "PREFIX_Nxxx" convention the rest of the stack uses for its error
// ranges.
type Code string

const (
	// Gatekeeper admission errors (§4.1).
	CodeMalformed          Code = "GATE_1001"
	CodeStaleTimestamp     Code = "GATE_1002"
	CodeBadSignature       Code = "GATE_1003"
	CodeReplayOrOutOfOrder Code = "GATE_1004"
	CodeStalePolicy        Code = "GATE_1005"

	// RiskGuard gate rejections (§4.2).
	CodeDefconBlocked       Code = "RISK_2001"
	CodeHeartbeatLost       Code = "RISK_2002"
	CodeStaleness           Code = "RISK_2003"
	CodeWhitelistViolation  Code = "RISK_2004"
	CodeNotionalExceeded    Code = "RISK_2005"
	CodeLeverageExceeded    Code = "RISK_2006"
	CodeDailyLossReached    Code = "RISK_2007"
	CodePowerLawViolation   Code = "RISK_2008"
	CodeModeRestriction     Code = "RISK_2009"

	// Venue adapter errors (§4.3).
	CodeVenueTransient Code = "VENUE_3001"
	CodeVenuePermanent Code = "VENUE_3002"
	CodeVenueUnknown   Code = "VENUE_3003"

	// Fatal internal invariant violations (§4.4, §8).
	CodeWalInvariant      Code = "FATAL_4001"
	CodePositionInvariant Code = "FATAL_4002"

	// Infra/transport errors.
	CodeBusDisconnected Code = "INFRA_5001"
	CodeWalWriteFailure Code = "INFRA_5002"

	// Policy store errors.
	CodePolicyInvalid   Code = "POLICY_6001"
	CodePolicyBadSig    Code = "POLICY_6002"
	CodePolicyGraceOver Code = "POLICY_6003"
)

// ServiceError is the execution core's structured error type.
type ServiceError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
	// Fatal marks errors that require halting the dispatcher (WAL/position
	// invariant violations) rather than rejecting a single intent.
	Fatal bool
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches structured context, merging into any existing details.
func (e *ServiceError) WithDetails(details map[string]interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// New builds a non-fatal ServiceError.
func New(code Code, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// Wrap builds a ServiceError around an underlying cause.
func Wrap(code Code, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Err: err}
}

// Fatal builds a fatal ServiceError marking a WAL or position invariant
// violation; the dispatcher halts on these rather than rejecting the intent.
func Fatal(code Code, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Err: err, Fatal: true}
}

// IsFatal reports whether err (or something it wraps) is a fatal
// ServiceError.
func IsFatal(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Fatal
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err is not a ServiceError.
func CodeOf(err error) Code {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
