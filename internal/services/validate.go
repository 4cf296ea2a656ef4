package services

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/go-playground/validator/v10"
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	// Prices are stored as NUMERIC(12, 2).
	_ = v.RegisterValidation("cents", func(fl validator.FieldLevel) bool {
		formatted := strconv.FormatFloat(fl.Field().Float(), 'f', -1, 64)
		_, fraction, _ := strings.Cut(formatted, ".")
		return len(fraction) <= 2
	})
	return v
}

// validateStruct runs the validate tags of v and reports every failing field
// in one Validation error.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Wrap(apperr.Internal, "internal error", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeFieldError(fe))
	}
	return apperr.Wrap(apperr.Validation, "invalid input: "+strings.Join(problems, "; "), err)
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "datetime":
		return fmt.Sprintf("%s must match %s", field, fe.Param())
	case "email":
		return field + " must be a valid email address"
	case "cents":
		return field + " may have at most two decimal places"
	case "handle":
		return field + " may only contain letters, digits, '.', '_' and '-'"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
