// Package validate plugs go-playground/validator into echo's Validate hook.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clinicops/portal/internal/platform/apperr"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// Validator satisfies echo.Validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("date", layoutRule(DateLayout))
	_ = v.RegisterValidation("clock", layoutRule(ClockLayout))
	return &Validator{v: v}
}

func layoutRule(layout string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.Parse(layout, s)
		return err == nil
	}
}

// Validate returns an apperr validation error listing every failing field.
func (cv *Validator) Validate(i any) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("validate", "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := describe(fe)
		msgs = append(msgs, msg)
		details[fe.Field()] = msg
	}
	ae := apperr.Validation("validate", "%s", strings.Join(msgs, "; "))
	ae.Details = details
	return ae
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "date":
		return fmt.Sprintf("%s must be a date (YYYY-MM-DD)", fe.Field())
	case "clock":
		return fmt.Sprintf("%s must be a time of day (HH:MM)", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
