package utils

import (
	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors flattens validator errors into field -> tag pairs
// for JSON error responses.
func ProcessValidationErrors(err error) map[string]string {
	errs := make(map[string]string)
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, verr := range verrs {
			errs[verr.Field()] = verr.Tag()
		}
	}
	return errs
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	var zero T
	return zero
}

func NilIfEmpty[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}
