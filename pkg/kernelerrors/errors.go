// Package kernelerrors defines the closed set of rejection codes
// returned by the guard pipeline, command bus, and event store (§7 of
// the kernel specification), plus the infrastructure-level sentinel
// errors that may propagate unchecked from the store.
package kernelerrors

import "errors"

// Rejection codes. This set is closed: adding a new mutation path
// must reuse one of these codes, never invent an ad hoc string.
const (
	CodeInvalidCommandStructure  = "INVALID_COMMAND_STRUCTURE"
	CodeUnknownCommand           = "UNKNOWN_COMMAND"
	CodeUnknownEventType         = "UNKNOWN_EVENT_TYPE"
	CodeMissingBusinessID        = "MISSING_BUSINESS_ID"
	CodeActorRequiredMissing     = "ACTOR_REQUIRED_MISSING"
	CodeActorInvalid             = "ACTOR_INVALID"
	CodeActorUnauthorizedBiz     = "ACTOR_UNAUTHORIZED_BUSINESS"
	CodeActorUnauthorizedBranch  = "ACTOR_UNAUTHORIZED_BRANCH"
	CodeBranchRequiredMissing    = "BRANCH_REQUIRED_MISSING"
	CodeBranchNotInBusiness      = "BRANCH_NOT_IN_BUSINESS"
	CodeFeatureDisabled          = "FEATURE_DISABLED"
	CodeComplianceViolation      = "COMPLIANCE_VIOLATION"
	CodeBusinessSuspended        = "BUSINESS_SUSPENDED"
	CodeBusinessClosed           = "BUSINESS_CLOSED"
	CodeQuotaExceeded            = "QUOTA_EXCEEDED"
	CodeAIExecutionForbidden     = "AI_EXECUTION_FORBIDDEN"
	CodeDuplicateRequest         = "DUPLICATE_REQUEST"
	CodeIdempotencyConflict      = "IDEMPOTENCY_CONFLICT"
	CodeChainMismatch            = "CHAIN_MISMATCH"
	CodeHashMismatch             = "HASH_MISMATCH"
	CodeReadOnlyMode             = "READ_ONLY_MODE"
	CodeGuardInternalError       = "GUARD_INTERNAL_ERROR"
	CodeStoreUnavailable         = "STORE_UNAVAILABLE"
	CodeEncodingError            = "ENCODING_ERROR"
)

// Infrastructure-level sentinel errors. These may propagate unchecked
// from the store; the bus converts them to a Rejection with
// CodeStoreUnavailable without leaking their text to callers.
var (
	ErrReplayIsolation = errors.New("append rejected: replay is active for this business")
	ErrRecordNotFound  = errors.New("record not found")
	ErrRecordExists    = errors.New("record already exists")
	ErrStoreClosed     = errors.New("event store is closed")
)
