package telehealth

import (
	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/livesync"
	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

// ReferralInbox is a specialist's live referral list
type ReferralInbox struct {
	disp *livesync.Dispatcher
	memo livesync.Memo[*livesync.QueryRef]
	sub  *livesync.QuerySubscription
}

// ReferralInboxState is what the inbox renders
type ReferralInboxState struct {
	ReferralBuckets
	Loading bool
	Err     error
	Invalid error
}

func NewReferralInbox(reg *livesync.Registry, disp *livesync.Dispatcher) *ReferralInbox {
	return &ReferralInbox{disp: disp, sub: reg.Query()}
}

// Bind shows the referrals addressed to user. Users who are not
// specialists get an idle inbox.
func (in *ReferralInbox) Bind(user *auth.User) error {
	specialistID := ""
	if user != nil && user.Role == auth.RoleSpecialist {
		specialistID = user.ID
	}
	ref, err := in.memo.Get(func() (*livesync.QueryRef, error) {
		if specialistID == "" {
			return nil, nil
		}
		return livesync.NewQueryRef(ReferralsForSpecialist(specialistID))
	}, specialistID)
	if err != nil {
		return err
	}
	in.sub.Bind(ref)
	return nil
}

func (in *ReferralInbox) State() ReferralInboxState {
	st := in.sub.State()
	out := ReferralInboxState{Loading: st.Loading, Err: st.Err}
	if st.Data == nil {
		return out
	}
	refs, err := DecodeAll[Referral](st.Data)
	out.ReferralBuckets = PartitionReferrals(refs)
	out.Invalid = err
	return out
}

func (in *ReferralInbox) Changes() <-chan struct{} {
	return in.sub.Changes()
}

func (in *ReferralInbox) Accept(id string) { in.setStatus(id, ReferralAccepted) }
func (in *ReferralInbox) Reject(id string) { in.setStatus(id, ReferralRejected) }
func (in *ReferralInbox) Complete(id string) { in.setStatus(id, ReferralCompleted) }

func (in *ReferralInbox) setStatus(id, status string) {
	in.disp.Update(ReferralPath(id), docstore.Record{"status": status})
}

func (in *ReferralInbox) Close() {
	in.sub.Close()
}

// NewReferral is the input of SendReferral
type NewReferral struct {
	Patient      UserProfile
	CHWID        string
	SpecialistID string
	Specialist   string
	Notes        string
}

// SendReferral dispatches a pending referral for a patient.
func SendReferral(disp *livesync.Dispatcher, r NewReferral) error {
	details := map[string]string{}
	if r.Patient.ID == "" {
		details["patientId"] = "required"
	}
	if r.SpecialistID == "" {
		details["specialistId"] = "required"
	}
	if r.Notes == "" {
		details["notes"] = "required"
	}
	if len(details) > 0 {
		return apperrors.Validation("invalid referral", details)
	}

	data := docstore.Record{
		"patientId":      r.Patient.ID,
		"patientName":    r.Patient.DisplayName(),
		"patientVillage": r.Patient.VillageLocation,
		"specialistId":   r.SpecialistID,
		"specialistName": r.Specialist,
		"status":         ReferralPending,
		"notes":          r.Notes,
		"createdAt":      docstore.ServerTimestamp,
	}
	if r.CHWID != "" {
		data["chwId"] = r.CHWID
	}
	disp.Create(Referrals, data)
	return nil
}
