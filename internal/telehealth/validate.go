package telehealth

import (
	"unicode/utf8"

	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func invalid(details map[string]string) error {
	if len(details) == 0 {
		return nil
	}
	return apperrors.Validation("validation failed", details)
}

// Validate checks the profile role
func (p UserProfile) Validate() error {
	details := map[string]string{}
	if p.ID == "" {
		details["id"] = "required"
	}
	if !oneOf(p.Role, auth.RolePatient, auth.RoleCHW, auth.RoleSpecialist, auth.RoleAdmin) {
		details["role"] = "must be patient, chw, specialist or admin"
	}
	return invalid(details)
}

// Validate checks title, priority and status
func (t Task) Validate() error {
	details := map[string]string{}
	if utf8.RuneCountInString(t.Title) < 3 {
		details["title"] = "must be at least 3 characters"
	}
	if !oneOf(t.Priority, PriorityLow, PriorityMedium, PriorityHigh) {
		details["priority"] = "must be Low, Medium or High"
	}
	if !oneOf(t.Status, TaskPending, TaskCompleted) {
		details["status"] = "must be pending or completed"
	}
	return invalid(details)
}

func (r Referral) Validate() error {
	details := map[string]string{}
	if r.PatientID == "" {
		details["patientId"] = "required"
	}
	if r.SpecialistID == "" {
		details["specialistId"] = "required"
	}
	if !oneOf(r.Status, ReferralPending, ReferralAccepted, ReferralRejected, ReferralCompleted) {
		details["status"] = "must be pending, accepted, rejected or completed"
	}
	return invalid(details)
}

func (v VaccineRecord) Validate() error {
	if v.VaccineID == "" {
		return invalid(map[string]string{"vaccineId": "required"})
	}
	return nil
}

func (c Consultation) Validate() error {
	if c.PatientID == "" {
		return invalid(map[string]string{"patientId": "required"})
	}
	return nil
}

// Validate checks participants and that the session does not end before
// it starts
func (s TelemedicineSession) Validate() error {
	details := map[string]string{}
	if s.PatientID == "" {
		details["patientId"] = "required"
	}
	if s.SpecialistID == "" {
		details["specialistId"] = "required"
	}
	if s.SessionStartTime != nil && s.SessionEndTime != nil && s.SessionEndTime.Before(*s.SessionStartTime) {
		details["sessionEndTime"] = "must not be before sessionStartTime"
	}
	return invalid(details)
}

func (m ChatMessage) Validate() error {
	details := map[string]string{}
	if m.SenderID == "" {
		details["senderId"] = "required"
	}
	if m.Text == "" {
		details["text"] = "required"
	}
	return invalid(details)
}
