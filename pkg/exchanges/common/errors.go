package common

import (
	"errors"
	"fmt"
)

// Category groups venue error codes into what callers act on.
type Category string

const (
	CategoryUnknown           Category = "unknown"
	CategoryAlreadySet        Category = "already_set" // margin/leverage/position mode unchanged
	CategoryRateLimited       Category = "rate_limited"
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryInvalidInstrument Category = "invalid_instrument"
	CategoryNotFound          Category = "not_found"
	CategoryRejected          Category = "rejected"
	CategoryAuth              Category = "auth"
)

// APIError is a classified error returned by an exchange adapter.
type APIError struct {
	Code     int
	Category Category
	Message  string
	Status   int // HTTP status, 0 when not applicable
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d (%s): %s", e.Code, e.Category, e.Message)
}

// IsCategory reports whether err wraps an APIError of category c.
func IsCategory(err error, c Category) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == c
	}
	return false
}

// IsAlreadySet reports whether err only says the requested setting is already in place.
func IsAlreadySet(err error) bool {
	return IsCategory(err, CategoryAlreadySet)
}
