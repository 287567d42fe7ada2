package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypePlan            ErrorType = "plan"
	ErrorTypePolicyViolation ErrorType = "policy_violation"
	ErrorTypeToolTimeout     ErrorType = "tool_timeout"
	ErrorTypeToolExecution   ErrorType = "tool_execution"
	ErrorTypeConfiguration   ErrorType = "configuration"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeCompensation    ErrorType = "compensation"
	ErrorTypeLedgerIntegrity ErrorType = "ledger_integrity"
	ErrorTypeCancelled       ErrorType = "cancelled"
)

// DomainError represents a structured error with additional context.
// Retryable marks transient failures the workflow may retry; deterministic
// failures (plan, policy, configuration) are never retryable.
type DomainError struct {
	Type      ErrorType
	Message   string
	Err       error
	Retryable bool
	Details   map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsRetryable marks the error as retryable
func (e *DomainError) AsRetryable() *DomainError {
	e.Retryable = true
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrRunNotFound        = NewDomainError(ErrorTypeNotFound, "run not found", nil)
	ErrRequestNotFound    = NewDomainError(ErrorTypeNotFound, "request not found", nil)
	ErrPolicySetNotFound  = NewDomainError(ErrorTypeNotFound, "policy set not found", nil)
	ErrRecordNotFound     = NewDomainError(ErrorTypeNotFound, "inventory record not found", nil)
	ErrAuditEntryNotFound = NewDomainError(ErrorTypeNotFound, "audit entry not found", nil)
	ErrReportNotFound     = NewDomainError(ErrorTypeNotFound, "compliance report not found", nil)

	// Validation Errors
	ErrInvalidInput      = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidOperation  = NewDomainError(ErrorTypeValidation, "invalid operation kind", nil)
	ErrInvalidParameters = NewDomainError(ErrorTypeValidation, "invalid request parameters", nil)
	ErrUnsafeArgument    = NewDomainError(ErrorTypeValidation, "argument contains unsafe characters", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)

	// Plan Errors (deterministic, never retried)
	ErrPlanInvalid = NewDomainError(ErrorTypePlan, "plan is malformed", nil)
	ErrPlanCycle   = NewDomainError(ErrorTypePlan, "plan contains a dependency cycle", nil)

	// Policy Violation Errors (deterministic, never retried)
	ErrPolicyViolation = NewDomainError(ErrorTypePolicyViolation, "policy violation", nil)

	// Tool Errors
	ErrToolTimeout     = NewDomainError(ErrorTypeToolTimeout, "tool invocation timed out", nil).AsRetryable()
	ErrToolFailed      = NewDomainError(ErrorTypeToolExecution, "tool execution failed", nil)
	ErrToolUnavailable = NewDomainError(ErrorTypeToolExecution, "tool unavailable", nil).AsRetryable()
	ErrCircuitOpen     = NewDomainError(ErrorTypeToolExecution, "tool circuit breaker open", nil).AsRetryable()

	// Configuration Errors (deterministic, never retried)
	ErrToolNotRegistered = NewDomainError(ErrorTypeConfiguration, "tool not registered", nil)
	ErrActionNotAllowed  = NewDomainError(ErrorTypeConfiguration, "action not allowed for tool", nil)

	// Rate Limit Errors
	ErrToolRateLimited   = NewDomainError(ErrorTypeRateLimit, "tool rate limit exceeded", nil).AsRetryable()
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Compensation Errors (recorded and alerted, never retried)
	ErrCompensationFailed = NewDomainError(ErrorTypeCompensation, "compensating action failed", nil)

	// Ledger Errors
	ErrLedgerIntegrity = NewDomainError(ErrorTypeLedgerIntegrity, "audit chain integrity violated", nil)
	ErrLedgerHalted    = NewDomainError(ErrorTypeLedgerIntegrity, "ledger halted after integrity failure", nil)
	ErrSequenceGap     = NewDomainError(ErrorTypeLedgerIntegrity, "audit sequence gap detected", nil)

	// Conflict Errors
	ErrConcurrentUpdate   = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)
	ErrRunAlreadyTerminal = NewDomainError(ErrorTypeConflict, "run already reached a terminal state", nil)

	// Cancellation
	ErrRunCancelled = NewDomainError(ErrorTypeCancelled, "run cancelled", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
	ErrCacheFailed       = NewDomainError(ErrorTypeInternal, "cache operation failed", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeUnauthorized
	}
	return false
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeForbidden
	}
	return false
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConflict
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// IsPlanError checks if an error is a plan error
func IsPlanError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypePlan
	}
	return false
}

// IsPolicyViolationError checks if an error is a policy violation error
func IsPolicyViolationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypePolicyViolation
	}
	return false
}

// IsToolTimeoutError checks if an error is a tool timeout error
func IsToolTimeoutError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeToolTimeout
	}
	return false
}

// IsToolExecutionError checks if an error is a tool execution error
func IsToolExecutionError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeToolExecution
	}
	return false
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConfiguration
	}
	return false
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeRateLimit
	}
	return false
}

// IsCompensationError checks if an error is a compensation failure
func IsCompensationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeCompensation
	}
	return false
}

// IsLedgerIntegrityError checks if an error is a ledger integrity error
func IsLedgerIntegrityError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeLedgerIntegrity
	}
	return false
}

// IsCancelledError checks if an error is a cancellation error
func IsCancelledError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeCancelled
	}
	return false
}

// IsRetryableError checks if an error is transient and safe to retry.
// Timeouts and rate limits are always transient; other errors must be
// explicitly marked retryable by their producer.
func IsRetryableError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if domainErr.Retryable {
			return true
		}
		return domainErr.Type == ErrorTypeToolTimeout || domainErr.Type == ErrorTypeRateLimit
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapToolExecution wraps an error as a tool execution failure
func WrapToolExecution(message string, err error) error {
	return NewDomainError(ErrorTypeToolExecution, message, err)
}
