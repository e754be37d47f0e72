package domain

import "strings"

// OrderLifecycleStatus is the internal order state vocabulary. Exchange feeds
// report a wider and less stable set of status strings; NormalizeExchangeStatus
// folds them into this set.
type OrderLifecycleStatus string

const (
	StatusPending         OrderLifecycleStatus = "pending"
	StatusOpen            OrderLifecycleStatus = "open"
	StatusPartiallyFilled OrderLifecycleStatus = "partially_filled"
	StatusFilled          OrderLifecycleStatus = "filled"
	StatusCanceled        OrderLifecycleStatus = "canceled"
	StatusRejected        OrderLifecycleStatus = "rejected"
	StatusExpired         OrderLifecycleStatus = "expired"
	StatusUnknown         OrderLifecycleStatus = "unknown"
)

var exchangeStatusMap = map[string]OrderLifecycleStatus{
	"pending":          StatusPending,
	"queued":           StatusPending,
	"resting":          StatusOpen,
	"open":             StatusOpen,
	"active":           StatusOpen,
	"partially_filled": StatusPartiallyFilled,
	"partial_fill":     StatusPartiallyFilled,
	"filled":           StatusFilled,
	"executed":         StatusFilled,
	"canceled":         StatusCanceled,
	"cancelled":        StatusCanceled,
	"void":             StatusCanceled,
	"rejected":         StatusRejected,
	"declined":         StatusRejected,
	"expired":          StatusExpired,
}

// NormalizeExchangeStatus maps an exchange status string to the internal
// lifecycle vocabulary. Unrecognized values normalize to StatusUnknown.
func NormalizeExchangeStatus(status string) OrderLifecycleStatus {
	if normalized, ok := exchangeStatusMap[strings.ToLower(strings.TrimSpace(status))]; ok {
		return normalized
	}
	return StatusUnknown
}

// Terminal reports whether the status admits no further transitions.
func (s OrderLifecycleStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}
