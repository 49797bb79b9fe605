package telehealth

import (
	"github.com/carebridge/telesync/internal/docstore"
)

// Collections
const (
	UserProfiles         = "user_profiles"
	Referrals            = "referrals"
	TelemedicineSessions = "telemedicine_sessions"
	Specialists          = "specialists"

	// Below user_profiles/{uid}
	Tasks          = "tasks"
	VaccineRecords = "vaccine_records"
	Consultations  = "consultations"

	// Below a session document
	Messages = "messages"
)

func profileChild(uid string, segments ...string) docstore.Path {
	p := docstore.Path(UserProfiles).Child(uid)
	for _, s := range segments {
		p = p.Child(s)
	}
	return p
}

func ProfilePath(uid string) docstore.Path { return profileChild(uid) }

func TasksPath(uid string) docstore.Path { return profileChild(uid, Tasks) }

func TaskPath(uid, taskID string) docstore.Path { return profileChild(uid, Tasks, taskID) }

func VaccineRecordsPath(uid string) docstore.Path { return profileChild(uid, VaccineRecords) }

func ConsultationsPath(uid string) docstore.Path { return profileChild(uid, Consultations) }

// UserSessionPath is the per-user copy of a telemedicine session that
// carries its chat messages.
func UserSessionPath(uid, sessionID string) docstore.Path {
	return profileChild(uid, TelemedicineSessions, sessionID)
}

func MessagesPath(uid, sessionID string) docstore.Path {
	return UserSessionPath(uid, sessionID).Child(Messages)
}

func ReferralPath(id string) docstore.Path { return docstore.Path(Referrals).Child(id) }

// TasksQuery lists a CHW's tasks, newest first.
func TasksQuery(uid string) docstore.Query {
	return docstore.NewQuery(TasksPath(uid)).OrderBy("createdAt", docstore.Desc)
}

// ReferralsForSpecialist lists referrals addressed to a specialist, newest first.
func ReferralsForSpecialist(specialistID string) docstore.Query {
	return docstore.NewQuery(Referrals).
		Where("specialistId", docstore.OpEqual, specialistID).
		OrderBy("createdAt", docstore.Desc)
}

// ReferralsFromPatient lists the referrals a patient has sent.
func ReferralsFromPatient(patientID string) docstore.Query {
	return docstore.NewQuery(Referrals).
		Where("patientId", docstore.OpEqual, patientID).
		OrderBy("createdAt", docstore.Desc)
}

// PatientsInArea lists the patients living in a CHW's coverage area.
func PatientsInArea(area string) docstore.Query {
	return docstore.NewQuery(UserProfiles).
		Where("role", docstore.OpEqual, "patient").
		Where("villageLocation", docstore.OpEqual, area)
}

// VaccineRecordsQuery lists a user's vaccinations, most recent first.
func VaccineRecordsQuery(uid string) docstore.Query {
	return docstore.NewQuery(VaccineRecordsPath(uid)).OrderBy("dateAdministered", docstore.Desc)
}

// MessagesQuery lists a session's chat in the order it was sent.
func MessagesQuery(uid, sessionID string) docstore.Query {
	return docstore.NewQuery(MessagesPath(uid, sessionID)).OrderBy("timestamp", docstore.Asc)
}

// SessionsQuery lists every telemedicine session.
func SessionsQuery() docstore.Query {
	return docstore.NewQuery(TelemedicineSessions)
}
