package credit

import "errors"

var (
	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrInvalidOperationType is returned when Deduct receives a non-usage type
	ErrInvalidOperationType = errors.New("invalid operation type")

	ErrInvalidSource      = errors.New("invalid grant source")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrInvalidTemplate    = errors.New("invalid template")
	ErrInvalidCodeRequest = errors.New("invalid redemption code request")

	ErrTemplateNotFound   = errors.New("template not found")
	ErrTemplateInactive   = errors.New("template is not active")
	ErrDebtNotFound       = errors.New("debt not found")
	ErrDebtAlreadySettled = errors.New("debt already settled")
	ErrCodeNotFoundAdmin  = errors.New("redemption code not found")

	// ErrTransient marks failures worth retrying: serialization failures,
	// deadlocks, lock timeouts and lost connections.
	ErrTransient = errors.New("transient storage failure")

	// ErrDeductFailed is returned once Deduct has exhausted its retries.
	ErrDeductFailed = errors.New("credit deduction failed")

	ErrInternal = errors.New("internal error")
)

// RedemptionError is a user-facing redemption failure. Message is shown verbatim.
type RedemptionError struct {
	Code    string
	Message string
}

func (e *RedemptionError) Error() string {
	return e.Message
}

var (
	ErrCodeNotFound        = &RedemptionError{Code: "code_not_found", Message: "Redemption code not found"}
	ErrCodeDisabled        = &RedemptionError{Code: "code_disabled", Message: "Redemption code is disabled"}
	ErrCodeExpired         = &RedemptionError{Code: "code_expired", Message: "Redemption code has expired"}
	ErrCodeExhausted       = &RedemptionError{Code: "code_exhausted", Message: "Redemption code has reached its usage limit"}
	ErrCodeAlreadyRedeemed = &RedemptionError{Code: "code_already_redeemed", Message: "You have already redeemed this code"}
	ErrCodePackageMissing  = &RedemptionError{Code: "package_unavailable", Message: "The credit package for this code is no longer available"}
)

// IsRedemptionError reports whether err carries a user-facing redemption failure.
func IsRedemptionError(err error) (*RedemptionError, bool) {
	var re *RedemptionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
