package telehealth

import (
	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/shared/auth"
)

// Rules returns the access rules of the telehealth app.
//
//   - a user owns user_profiles/{uid} and everything below it
//   - CHWs may read patient profiles and list the patients of an area
//   - referrals are listed by their specialist, patient or CHW, created by
//     the patient or CHW they name, and only their specialist may change
//     their status
//   - sessions are readable by everyone signed in and changed by their
//     participants
//   - the specialist directory is read only
//   - admins may do anything
func Rules() docstore.Rules {
	return docstore.RulesFunc(allow)
}

func allow(u *auth.User, a docstore.Access) bool {
	if u.IsAdmin() {
		return true
	}

	segs := a.Path.Segments()
	if len(segs) == 0 {
		return false
	}

	switch segs[0] {
	case UserProfiles:
		return allowProfiles(u, a, segs)
	case Referrals:
		return allowReferrals(u, a)
	case TelemedicineSessions:
		return allowSessions(u, a)
	case Specialists:
		return a.Action == docstore.ActionRead || a.Action == docstore.ActionList
	}
	return false
}

func allowProfiles(u *auth.User, a docstore.Access, segs []string) bool {
	if len(segs) == 1 {
		// Listing profiles: CHWs find patients by area
		if a.Action != docstore.ActionList || u.Role != auth.RoleCHW {
			return false
		}
		role, ok := a.EqualityFilter("role")
		return ok && role == auth.RolePatient
	}

	if segs[1] == u.ID {
		// Owners may not change their own role
		if a.Action == docstore.ActionUpdate && a.Existing != nil {
			if role, ok := a.Data["role"]; ok && role != a.Existing.Data["role"] && len(segs) == 2 {
				return false
			}
		}
		return a.Action != docstore.ActionDelete || len(segs) > 2
	}

	return u.Role == auth.RoleCHW && a.Action == docstore.ActionRead && len(segs) == 2
}

func allowReferrals(u *auth.User, a docstore.Access) bool {
	switch a.Action {
	case docstore.ActionList:
		field := participantField(u.Role)
		if field == "" {
			return false
		}
		id, ok := a.EqualityFilter(field)
		return ok && id == u.ID

	case docstore.ActionRead:
		return u.Role == auth.RoleSpecialist || u.Role == auth.RoleCHW

	case docstore.ActionCreate:
		field := participantField(u.Role)
		if field == "" || field == "specialistId" {
			return false
		}
		return a.Data[field] == u.ID && a.Data["status"] == ReferralPending

	case docstore.ActionUpdate:
		if a.Existing == nil || a.Existing.Data["specialistId"] != u.ID {
			return false
		}
		for k := range a.Data {
			if k != "status" {
				return false
			}
		}
		return true
	}
	return false
}

func participantField(role string) string {
	switch role {
	case auth.RolePatient:
		return "patientId"
	case auth.RoleCHW:
		return "chwId"
	case auth.RoleSpecialist:
		return "specialistId"
	}
	return ""
}

func allowSessions(u *auth.User, a docstore.Access) bool {
	switch a.Action {
	case docstore.ActionRead, docstore.ActionList:
		return true
	case docstore.ActionCreate:
		return a.Data["patientId"] == u.ID
	case docstore.ActionUpdate:
		if a.Existing == nil {
			return false
		}
		for _, field := range []string{"patientId", "chwId", "specialistId"} {
			if a.Existing.Data[field] == u.ID {
				return true
			}
		}
	}
	return false
}
