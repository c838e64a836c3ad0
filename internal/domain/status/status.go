// Package status holds the closed enumerations shared by the request store and
// the appointment ledger, together with the display table for each locale.
//
// Values are stored as canonical lower-case codes. Legacy spellings written by
// older versions of the portal ("En attente", "Confirmé", "Confirme", ...) are
// accepted by the Parse functions and by UnmarshalJSON so that no code outside
// this package ever compares locale text.
package status

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RequestStatus is the request-layer status. Terminal once non-pending.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDeclined RequestStatus = "declined"
)

// AppointmentStatus is the ledger status of a scheduled appointment.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentDeclined  AppointmentStatus = "declined"
)

// Urgency is the patient-declared urgency of a request.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

var requestAliases = map[string]RequestStatus{
	"pending":    RequestPending,
	"en attente": RequestPending,
	"approved":   RequestApproved,
	"approuve":   RequestApproved,
	"confirme":   RequestApproved,
	"declined":   RequestDeclined,
	"refuse":     RequestDeclined,
}

var appointmentAliases = map[string]AppointmentStatus{
	"pending":    AppointmentPending,
	"en attente": AppointmentPending,
	"confirmed":  AppointmentConfirmed,
	"confirme":   AppointmentConfirmed,
	"approuve":   AppointmentConfirmed,
	"completed":  AppointmentCompleted,
	"termine":    AppointmentCompleted,
	"cancelled":  AppointmentCancelled,
	"canceled":   AppointmentCancelled,
	"annule":     AppointmentCancelled,
	"declined":   AppointmentDeclined,
	"refuse":     AppointmentDeclined,
}

var urgencyAliases = map[string]Urgency{
	"low":    UrgencyLow,
	"faible": UrgencyLow,
	"medium": UrgencyMedium,
	"moyen":  UrgencyMedium,
	"normal": UrgencyMedium,
	"high":   UrgencyHigh,
	"eleve":  UrgencyHigh,
	"urgent": UrgencyHigh,
}

// labels is the display table, keyed by locale then canonical code.
var labels = map[string]map[string]string{
	"en": {
		"pending":   "Pending",
		"approved":  "Approved",
		"declined":  "Declined",
		"confirmed": "Confirmed",
		"completed": "Completed",
		"cancelled": "Cancelled",
		"low":       "Low",
		"medium":    "Medium",
		"high":      "High",
	},
	"fr": {
		"pending":   "En attente",
		"approved":  "Approuvé",
		"declined":  "Refusé",
		"confirmed": "Confirmé",
		"completed": "Terminé",
		"cancelled": "Annulé",
		"low":       "Faible",
		"medium":    "Moyen",
		"high":      "Élevé",
	},
}

// fold lower-cases s, trims it and strips diacritics so "Confirmé" and
// "confirme" share a key.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

func label(locale, code string) string {
	table, ok := labels[locale]
	if !ok {
		table = labels["en"]
	}
	if l, ok := table[code]; ok {
		return l
	}
	return code
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	if v, ok := requestAliases[fold(s)]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	if v, ok := appointmentAliases[fold(s)]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown appointment status %q", s)
}

func ParseUrgency(s string) (Urgency, error) {
	if v, ok := urgencyAliases[fold(s)]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown urgency level %q", s)
}

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestDeclined:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool { return s == RequestApproved || s == RequestDeclined }

func (s RequestStatus) Label(locale string) string { return label(locale, string(s)) }

func (s *RequestStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	v, err := ParseRequestStatus(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentPending, AppointmentConfirmed, AppointmentCompleted,
		AppointmentCancelled, AppointmentDeclined:
		return true
	}
	return false
}

// Active reports whether an appointment in this status holds its slot.
func (s AppointmentStatus) Active() bool {
	return s == AppointmentPending || s == AppointmentConfirmed
}

// CanTransition reports whether the ledger allows s -> to. Re-applying the
// current status is allowed.
func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case AppointmentPending:
		return to == AppointmentConfirmed || to == AppointmentCancelled || to == AppointmentDeclined
	case AppointmentConfirmed:
		return to == AppointmentCompleted || to == AppointmentCancelled
	}
	return false
}

func (s AppointmentStatus) Label(locale string) string { return label(locale, string(s)) }

func (s *AppointmentStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	v, err := ParseAppointmentStatus(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (u Urgency) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

func (u Urgency) IsUrgent() bool { return u == UrgencyHigh }

func (u Urgency) Label(locale string) string { return label(locale, string(u)) }

func (u *Urgency) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		*u = ""
		return nil
	}
	v, err := ParseUrgency(raw)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// FromRequest maps a request status onto the ledger vocabulary, used when a
// request has no ledger entry to take its status from.
func FromRequest(s RequestStatus) AppointmentStatus {
	switch s {
	case RequestApproved:
		return AppointmentConfirmed
	case RequestDeclined:
		return AppointmentDeclined
	}
	return AppointmentPending
}
