package entitlement

import (
	"errors"
	"fmt"
)

// Category classifies failures for the client-facing API.
type Category string

const (
	CategoryUnauthenticated    Category = "unauthenticated"
	CategoryInvalidArgument    Category = "invalid-argument"
	CategoryFailedPrecondition Category = "failed-precondition"
	CategoryNotFound           Category = "not-found"
	CategoryInternal           Category = "internal"
)

// Error is a categorized failure surfaced to API callers.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two categorized errors by category and message, so sentinel
// values like ErrTrialAlreadyUsed work with errors.Is through wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Category == other.Category && e.Message == other.Message
}

// Errorf builds a categorized error wrapping err.
func Errorf(category Category, err error, format string, args ...any) *Error {
	return &Error{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
		Err:      err,
	}
}

// ErrTrialAlreadyUsed is the fraud rejection: a different identity already
// consumed a trial for the same email. The whole validation is rejected and
// nothing is persisted.
var ErrTrialAlreadyUsed = &Error{
	Category: CategoryFailedPrecondition,
	Message:  "free trial already used",
}

// CategoryOf extracts the category from an error chain, defaulting to internal.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}
