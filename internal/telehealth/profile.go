package telehealth

import (
	"sync"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/livesync"
	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

// ProfileView follows the signed-in user's profile document
type ProfileView struct {
	disp *livesync.Dispatcher
	memo livesync.Memo[*livesync.DocRef]
	sub  *livesync.DocSubscription

	mu  sync.Mutex
	uid string
}

// ProfileState holds the decoded profile. Profile is nil while loading
// and when the user has no profile yet.
type ProfileState struct {
	Profile *UserProfile
	Loading bool
	Err     error
}

func NewProfileView(reg *livesync.Registry, disp *livesync.Dispatcher) *ProfileView {
	return &ProfileView{disp: disp, sub: reg.Doc()}
}

func (v *ProfileView) Bind(user *auth.User) error {
	uid := ""
	if user != nil {
		uid = user.ID
	}
	ref, err := v.memo.Get(func() (*livesync.DocRef, error) {
		if uid == "" {
			return nil, nil
		}
		return livesync.Doc(ProfilePath(uid))
	}, uid)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.uid = uid
	v.mu.Unlock()
	v.sub.Bind(ref)
	return nil
}

func (v *ProfileView) State() ProfileState {
	st := v.sub.State()
	out := ProfileState{Loading: st.Loading, Err: st.Err}
	if st.Data == nil {
		return out
	}
	p, err := Decode[UserProfile](docstore.Document{ID: st.ID, Path: ProfilePath(st.ID), Data: st.Data})
	if err != nil {
		out.Err = err
		return out
	}
	out.Profile = &p
	return out
}

func (v *ProfileView) Changes() <-chan struct{} {
	return v.sub.Changes()
}

// SignUp records a new user's profile, merging into any existing one.
func (v *ProfileView) SignUp(email, role string) error {
	uid, err := v.owner()
	if err != nil {
		return err
	}
	if !oneOf(role, auth.RolePatient, auth.RoleCHW, auth.RoleSpecialist) {
		return apperrors.Validation("invalid profile", map[string]string{"role": "must be patient, chw or specialist"})
	}
	v.disp.Merge(ProfilePath(uid), docstore.Record{
		"id":        uid,
		"email":     email,
		"role":      role,
		"createdAt": docstore.ServerTimestamp,
	})
	return nil
}

// UpdateName changes the profile's names and language preference.
func (v *ProfileView) UpdateName(firstName, lastName, language string) error {
	uid, err := v.owner()
	if err != nil {
		return err
	}
	details := map[string]string{}
	if firstName == "" {
		details["firstName"] = "required"
	}
	if lastName == "" {
		details["lastName"] = "required"
	}
	if language == "" {
		details["languagePreference"] = "required"
	}
	if len(details) > 0 {
		return apperrors.Validation("invalid profile", details)
	}
	v.disp.Update(ProfilePath(uid), docstore.Record{
		"firstName":          firstName,
		"lastName":           lastName,
		"name":               firstName + " " + lastName,
		"languagePreference": language,
	})
	return nil
}

func (v *ProfileView) Close() {
	v.sub.Close()
}

func (v *ProfileView) owner() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.uid == "" {
		return "", apperrors.FailedPrecondition("profile view is not bound to a user")
	}
	return v.uid, nil
}
