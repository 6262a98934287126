package services

import "errors"

// ErrorKind classifies business failures so callers can map them without
// matching on messages. Anything that is not an *Error is an infrastructure
// failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindPermission ErrorKind = "permission"
	KindConflict   ErrorKind = "conflict"
	KindExpired    ErrorKind = "expired"
	KindInvariant  ErrorKind = "invariant"
)

type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// AsError unwraps err to a business error, if it is one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	ErrInvalidToken     = newError(KindValidation, "invalid_token", "Invalid token")
	ErrMalformedToken   = newError(KindValidation, "malformed_token", "Malformed token")
	ErrUnknownTokenType = newError(KindValidation, "unknown_token_type", "Unknown token type")
	ErrTokenAlreadyUsed = newError(KindConflict, "token_already_used", "QR code has already been used. Please request a new one.")
	ErrTokenExpired     = newError(KindExpired, "token_expired", "QR code has expired. Please request a new one from the merchant.")
	ErrNotNearLocation  = newError(KindValidation, "not_near_location", "You are not near the merchant location. Please move closer to scan.")
	ErrNotEnrolled      = newError(KindValidation, "not_enrolled", "You are not a member of this program. Please join first.")

	ErrEnrollmentNotFound = newError(KindNotFound, "enrollment_not_found", "Enrollment not found")
	ErrEnrollmentInactive = newError(KindValidation, "enrollment_inactive", "Enrollment is not active")
	ErrProgramNotFound    = newError(KindNotFound, "program_not_found", "Program not found")
	ErrProgramInactive    = newError(KindValidation, "program_unavailable", "Program not available")
	ErrInvalidProgramRule = newError(KindValidation, "invalid_program_rule", "Program reward rule is invalid")
	ErrInvalidAmount      = newError(KindValidation, "invalid_amount", "Amount must be positive")
	ErrMissingTxID        = newError(KindValidation, "missing_tx_id", "Transaction id is required")

	ErrRewardAlreadyReached = newError(KindInvariant, "reward_already_reached", "Cannot issue stamps when reward is redeemable")
	ErrNoStampsToRevoke     = newError(KindInvariant, "no_stamps_to_revoke", "No stamps to revoke")
	ErrProgramCompleted     = newError(KindInvariant, "program_completed", "This program does not allow another cycle")

	ErrRewardNotFound      = newError(KindNotFound, "reward_not_found", "Reward not found")
	ErrWrongMerchant       = newError(KindPermission, "wrong_merchant", "Reward belongs to another merchant")
	ErrVoucherMismatch     = newError(KindConflict, "voucher_mismatch", "Voucher code mismatch")
	ErrRewardNotRedeemable = newError(KindConflict, "reward_not_redeemable", "Reward not redeemable")
	ErrRewardExpired       = newError(KindExpired, "reward_expired", "Reward expired")
	ErrInsufficientBalance = newError(KindValidation, "insufficient_balance", "Insufficient balance")
)
