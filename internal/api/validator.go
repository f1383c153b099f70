package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// CustomValidator wraps the validator instance
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new custom validator
func NewValidator() *CustomValidator {
	return &CustomValidator{
		validator: validator.New(),
	}
}

// Validate validates a struct, flattening field errors into a single
// caller-facing message. Handlers wrap the result in an ErrorResponse.
func (cv *CustomValidator) Validate(i interface{}) error {
	err := cv.validator.Struct(i)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, len(fieldErrs))
		for n, fe := range fieldErrs {
			parts[n] = fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid request: %s", strings.Join(parts, "; "))
	}

	return err
}
