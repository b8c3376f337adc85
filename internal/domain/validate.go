package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func ruleValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ValidateRule rejects malformed rules before they reach the store.
func ValidateRule(r ReminderRule) error {
	if err := ruleValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}
	if r.IsActive && len(r.Channels) == 0 {
		return ValidationError{Field: "channels", Reason: "must not be empty while the rule is active"}
	}
	seen := map[Channel]bool{}
	for _, ch := range r.Channels {
		if seen[ch] {
			return ValidationError{Field: "channels", Reason: fmt.Sprintf("duplicate channel %s", ch)}
		}
		seen[ch] = true
	}
	if r.Recipients.Empty() {
		return ValidationError{Field: "recipients", Reason: "at least one role, project role or user is required"}
	}
	return nil
}

func fieldError(fe validator.FieldError) ValidationError {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "oneof":
		reason = fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gte":
		reason = fmt.Sprintf("must be >= %s", fe.Param())
	case "min":
		reason = fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	default:
		reason = fmt.Sprintf("failed %s check", fe.Tag())
	}
	return ValidationError{Field: strings.ToLower(field[:1]) + field[1:], Reason: reason}
}
