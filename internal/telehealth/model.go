// Package telehealth holds the typed records of the telehealth app and the
// live views built on the sync layer.
package telehealth

import (
	"time"
)

// Task priority
const (
	PriorityLow    = "Low"
	PriorityMedium = "Medium"
	PriorityHigh   = "High"
)

// Task status
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// Referral status
const (
	ReferralPending   = "pending"
	ReferralAccepted  = "accepted"
	ReferralRejected  = "rejected"
	ReferralCompleted = "completed"
)

// Telemedicine session status
const (
	SessionScheduled = "Scheduled"
	SessionActive    = "Active"
	SessionCompleted = "Completed"
	SessionCancelled = "Cancelled"
)

// EmergencyContact is shown on a patient's emergency card
type EmergencyContact struct {
	Name         string `mapstructure:"name" json:"name"`
	Relationship string `mapstructure:"relationship" json:"relationship,omitempty"`
	Phone        string `mapstructure:"phone" json:"phone,omitempty"`
}

// UserProfile is stored at user_profiles/{uid}
type UserProfile struct {
	ID                   string `mapstructure:"id" json:"id"`
	Email                string `mapstructure:"email" json:"email,omitempty"`
	Role                 string `mapstructure:"role" json:"role"`
	Name                 string `mapstructure:"name" json:"name,omitempty"`
	FirstName            string `mapstructure:"firstName" json:"firstName,omitempty"`
	LastName             string `mapstructure:"lastName" json:"lastName,omitempty"`
	LanguagePreference   string `mapstructure:"languagePreference" json:"languagePreference,omitempty"`
	VillageLocation      string `mapstructure:"villageLocation" json:"villageLocation,omitempty"`
	AssignedCoverageArea string `mapstructure:"assignedCoverageArea" json:"assignedCoverageArea,omitempty"`

	// Medical information
	BloodType          string             `mapstructure:"bloodType" json:"bloodType,omitempty"`
	ChronicConditions  []string           `mapstructure:"chronicConditions" json:"chronicConditions,omitempty"`
	Allergies          []string           `mapstructure:"allergies" json:"allergies,omitempty"`
	CurrentMedications []string           `mapstructure:"currentMedications" json:"currentMedications,omitempty"`
	EmergencyContacts  []EmergencyContact `mapstructure:"emergencyContacts" json:"emergencyContacts,omitempty"`

	CreatedAt *time.Time `mapstructure:"createdAt" json:"createdAt,omitempty"`
}

// DisplayName returns the full name, falling back to first and last name.
func (p UserProfile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	}
	return p.LastName
}

// Task is a CHW to-do item stored under user_profiles/{uid}/tasks
type Task struct {
	ID          string     `mapstructure:"id" json:"id"`
	Title       string     `mapstructure:"title" json:"title"`
	Description string     `mapstructure:"description" json:"description,omitempty"`
	PatientID   string     `mapstructure:"patientId" json:"patientId,omitempty"`
	Priority    string     `mapstructure:"priority" json:"priority"`
	Status      string     `mapstructure:"status" json:"status"`
	DueDate     *time.Time `mapstructure:"dueDate" json:"dueDate,omitempty"`
	CreatedAt   *time.Time `mapstructure:"createdAt" json:"createdAt,omitempty"`
}

// Overdue reports whether a pending task is past its due date.
func (t Task) Overdue(now time.Time) bool {
	return t.Status == TaskPending && t.DueDate != nil && t.DueDate.Before(now)
}

// Referral sends a patient to a specialist; stored in the top-level
// referrals collection
type Referral struct {
	ID             string     `mapstructure:"id" json:"id"`
	PatientID      string     `mapstructure:"patientId" json:"patientId"`
	PatientName    string     `mapstructure:"patientName" json:"patientName,omitempty"`
	PatientVillage string     `mapstructure:"patientVillage" json:"patientVillage,omitempty"`
	CHWID          string     `mapstructure:"chwId" json:"chwId,omitempty"`
	SpecialistID   string     `mapstructure:"specialistId" json:"specialistId"`
	SpecialistName string     `mapstructure:"specialistName" json:"specialistName,omitempty"`
	Status         string     `mapstructure:"status" json:"status"`
	Notes          string     `mapstructure:"notes" json:"notes,omitempty"`
	CreatedAt      *time.Time `mapstructure:"createdAt" json:"createdAt,omitempty"`
}

// VaccineRecord is stored under user_profiles/{uid}/vaccine_records
type VaccineRecord struct {
	ID               string     `mapstructure:"id" json:"id"`
	VaccineID        string     `mapstructure:"vaccineId" json:"vaccineId"`
	DateAdministered *time.Time `mapstructure:"dateAdministered" json:"dateAdministered,omitempty"`
	Status           string     `mapstructure:"status" json:"status"`
}

// Consultation is a saved symptom analysis under
// user_profiles/{uid}/consultations. Analysis output fields vary and are
// kept in Details.
type Consultation struct {
	ID               string         `mapstructure:"id" json:"id"`
	PatientID        string         `mapstructure:"patientId" json:"patientId"`
	Symptoms         string         `mapstructure:"symptoms" json:"symptoms,omitempty"`
	ConsultationDate *time.Time     `mapstructure:"consultationDate" json:"consultationDate,omitempty"`
	Details          map[string]any `mapstructure:",remain" json:"details,omitempty"`
}

// TelemedicineSession is a scheduled video consultation
type TelemedicineSession struct {
	ID                       string     `mapstructure:"id" json:"id"`
	PatientID                string     `mapstructure:"patientId" json:"patientId"`
	CHWID                    string     `mapstructure:"chwId" json:"chwId,omitempty"`
	SpecialistID             string     `mapstructure:"specialistId" json:"specialistId"`
	SessionStartTime         *time.Time `mapstructure:"sessionStartTime" json:"sessionStartTime,omitempty"`
	SessionEndTime           *time.Time `mapstructure:"sessionEndTime" json:"sessionEndTime,omitempty"`
	Status                   string     `mapstructure:"status" json:"status,omitempty"`
	RoomURL                  string     `mapstructure:"roomUrl" json:"roomUrl,omitempty"`
	SessionRecordingURI      string     `mapstructure:"sessionRecordingUri" json:"sessionRecordingUri,omitempty"`
	ChatTranscript           string     `mapstructure:"chatTranscript" json:"chatTranscript,omitempty"`
	SessionOutcomes          string     `mapstructure:"sessionOutcomes" json:"sessionOutcomes,omitempty"`
	QualityRating            *float64   `mapstructure:"qualityRating" json:"qualityRating,omitempty"`
	WebRTCIntegrationDetails string     `mapstructure:"webRtcIntegrationDetails" json:"webRtcIntegrationDetails,omitempty"`
	SessionAnalytics         string     `mapstructure:"sessionAnalytics" json:"sessionAnalytics,omitempty"`
}

// ChatMessage is one message in a session's messages subcollection
type ChatMessage struct {
	ID        string     `mapstructure:"id" json:"id"`
	SenderID  string     `mapstructure:"senderId" json:"senderId"`
	Text      string     `mapstructure:"text" json:"text"`
	Timestamp *time.Time `mapstructure:"timestamp" json:"timestamp,omitempty"`
}
