package schema

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a malformed metric sample. It is localized: one
// bad sample never aborts evaluation of other samples in the same tick.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sample: %s: %s", e.Field, e.Reason)
}

// Validator validates metric samples before they enter the engine.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a sample validator.
func NewValidator() *Validator {
	v := validator.New()

	// Report failures under the wire field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("metric_kind", func(fl validator.FieldLevel) bool {
		return MetricKind(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v}
}

// Validate checks a sample for structural problems. Returns a
// *ValidationError describing the first failure found.
func (v *Validator) Validate(sample *MetricSample) error {
	if err := v.validate.Struct(sample); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
		}
		return &ValidationError{Field: "sample", Reason: err.Error()}
	}

	// Checks struct tags cannot express.
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return &ValidationError{Field: "value", Reason: "must be finite"}
	}
	if sample.Value < 0 {
		return &ValidationError{Field: "value", Reason: "must be non-negative"}
	}
	if sample.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}

	return nil
}

// reasonFor maps a field error to a stable human-readable reason.
func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "max":
		return "exceeds " + fe.Param() + " bytes"
	case "metric_kind":
		return fmt.Sprintf("unknown metric kind %q", fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
