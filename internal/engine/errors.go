package engine

import "fmt"

// Stable machine codes carried on domain errors. The HTTP layer maps these to
// status codes; clients and the CLI branch on them.
const (
	CodeInvalidContractType  = "INVALID_CONTRACT_TYPE"
	CodeInvalidSelections    = "INVALID_SELECTIONS"
	CodeIncompleteSelections = "INCOMPLETE_SELECTIONS"
	CodeInvalidDeliverable   = "INVALID_DELIVERABLE"
	CodeInvalidOption        = "INVALID_OPTION"
	CodeDuplicateIndicator   = "DUPLICATE_INDICATOR"
	CodeMissingContractID    = "MISSING_CONTRACT_ID"
	CodeContractLocked       = "CONTRACT_LOCKED"
	CodeRequestPending       = "REQUEST_PENDING"
	CodeRequestNotPending    = "REQUEST_NOT_PENDING"
	CodeReviewNotesRequired  = "REVIEW_NOTES_REQUIRED"
	CodeReasonRequired       = "REQUEST_REASON_REQUIRED"
	CodeNoMatchingRule       = "NO_MATCHING_RULE"
	CodeIndicatorNotFound    = "INDICATOR_NOT_FOUND"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeInvalidDecision      = "INVALID_REVIEW_DECISION"
)

// Error is a domain error with a stable code.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

func errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withDetails(details map[string]any) *Error {
	e.Details = details
	return e
}
