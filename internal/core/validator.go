package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"subledger/internal/types"
)

// Validator wraps go-playground/validator for request DTO validation on the
// ops surface. Struct tags carry the rules; ValidateStruct translates
// violations into a single AppError whose details map field names to
// human-readable messages.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with JSON field names in error output, so
// clients see the names they sent rather than Go struct fields.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct runs the struct tag rules against dst. On violation it
// returns a *types.AppError with code "validation_bad_request" (400) and a
// details map of field -> message. A nil return means dst passed.
func (v *Validator) ValidateStruct(dst any) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// Non-struct target; a programmer error, not a client one.
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"validation target must be a struct",
			err,
		)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = violationMessage(fe)
	}

	v.logger.Debug("request validation failed",
		slog.Int("violations", len(verrs)),
	)

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationBadRequest,
		"request validation failed",
		err,
		details,
	)
}

// violationMessage renders one rule violation as a message clients can act
// on without knowing validator tag syntax.
func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.Join(strings.Fields(fe.Param()), ", "))
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a valid UUID"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
