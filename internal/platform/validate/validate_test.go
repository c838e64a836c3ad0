package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/clinicops/portal/internal/platform/apperr"
)

type approveBody struct {
	DoctorID string `json:"doctor_id" validate:"required,uuid"`
	Date     string `json:"date" validate:"required,date"`
	Time     string `json:"time" validate:"required,clock"`
	Comments string `json:"comments" validate:"max=20"`
}

func TestValidate_OK(t *testing.T) {
	b := approveBody{DoctorID: "4b7b0a3e-0d4e-4c1b-9a57-0d5b7e1f3c2a", Date: "2024-01-10", Time: "09:00"}
	if err := New().Validate(&b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ReportsJSONNames(t *testing.T) {
	b := approveBody{DoctorID: "not-a-uuid", Date: "10/01/2024", Time: "9h"}
	err := New().Validate(&b)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	msg := err.Error()
	for _, field := range []string{"doctor_id", "date", "time"} {
		if !strings.Contains(msg, field) {
			t.Errorf("expected %q in %q", field, msg)
		}
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || len(ae.Details) != 3 {
		t.Errorf("expected three field details, got %+v", ae)
	}
}

func TestValidate_OptionalLayoutFields(t *testing.T) {
	type body struct {
		Date string `json:"preferred_date" validate:"omitempty,date"`
	}
	if err := New().Validate(&body{}); err != nil {
		t.Errorf("empty optional date must pass: %v", err)
	}
	if err := New().Validate(&body{Date: "2024-13-40"}); err == nil {
		t.Error("expected invalid date to fail")
	}
}
