package telehealth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/livesync"
	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/carebridge/telesync/internal/shared/events"
	"github.com/rs/zerolog"
)

const waitTimeout = 2 * time.Second

// session is one signed-in app instance over a shared store
type session struct {
	user *auth.User
	reg  *livesync.Registry
	disp *livesync.Dispatcher
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

func newGuardedStore(t *testing.T) docstore.Store {
	t.Helper()
	mem, err := docstore.NewMemStore()
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	t.Cleanup(mem.Wait)
	return docstore.Guard(mem, Rules(), zerolog.Nop())
}

func newSession(t *testing.T, store docstore.Store, user *auth.User, errs events.Publisher) *session {
	t.Helper()
	ctx := auth.WithUser(context.Background(), user)
	s := &session{
		user: user,
		reg:  livesync.NewRegistry(ctx, store, errs),
		disp: livesync.NewDispatcher(ctx, store, errs),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		s.disp.Close(ctx)
	})
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestTaskBoard(t *testing.T) {
	store := newGuardedStore(t)
	errs := &eventLog{}
	chw := newSession(t, store, &auth.User{ID: "c1", Role: auth.RoleCHW}, errs)

	board := NewTaskBoard(chw.reg, chw.disp)
	defer board.Close()

	if err := board.Add(NewTask{Title: "Home visit"}); apperrors.CodeOf(err) != apperrors.CodeFailedPrecondition {
		t.Errorf("Expected failed-precondition before bind, got %v", err)
	}

	if err := board.Bind(chw.user); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	eventually(t, "empty board", func() bool { return !board.State().Loading })

	past := time.Now().Add(-48 * time.Hour)
	if err := board.Add(NewTask{Title: "Home visit", Priority: PriorityHigh}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := board.Add(NewTask{Title: "Vaccination drive", DueDate: &past}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := board.Add(NewTask{Title: "ab"}); apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Errorf("Expected validation error for short title, got %v", err)
	}

	eventually(t, "two tasks", func() bool {
		st := board.State()
		return len(st.Pending) == 1 && len(st.Overdue) == 1
	})

	st := board.State()
	if st.Pending[0].Title != "Home visit" || st.Pending[0].CreatedAt == nil {
		t.Errorf("Unexpected pending task: %+v", st.Pending[0])
	}
	if st.Overdue[0].Priority != PriorityMedium {
		t.Errorf("Expected default priority Medium, got %s", st.Overdue[0].Priority)
	}

	if err := board.SetDone(st.Pending[0].ID, true); err != nil {
		t.Fatalf("SetDone: %v", err)
	}
	eventually(t, "completed task", func() bool {
		st := board.State()
		return len(st.Completed) == 1 && len(st.Pending) == 0
	})

	if n := len(errs.all()); n != 0 {
		t.Errorf("Expected no error events, got %d: %+v", n, errs.all())
	}
}

func TestTaskBoardRebindSameUserKeepsFeed(t *testing.T) {
	store := newGuardedStore(t)
	chw := newSession(t, store, &auth.User{ID: "c1", Role: auth.RoleCHW}, &eventLog{})

	board := NewTaskBoard(chw.reg, chw.disp)
	defer board.Close()

	board.Bind(chw.user)
	board.Bind(&auth.User{ID: "c1", Role: auth.RoleCHW})
	if n := chw.reg.ActiveFeeds(); n != 1 {
		t.Errorf("Expected 1 feed, got %d", n)
	}

	board.Bind(nil)
	if n := chw.reg.ActiveFeeds(); n != 0 {
		t.Errorf("Expected no feed after unbind, got %d", n)
	}
	if st := board.State(); st.Loading || st.Err != nil || st.Pending != nil {
		t.Errorf("Expected idle state, got %+v", st)
	}
}

func TestReferralInbox(t *testing.T) {
	store := newGuardedStore(t)
	errs := &eventLog{}
	patient := newSession(t, store, &auth.User{ID: "p1", Role: auth.RolePatient}, errs)
	specialist := newSession(t, store, &auth.User{ID: "s1", Role: auth.RoleSpecialist}, errs)

	inbox := NewReferralInbox(specialist.reg, specialist.disp)
	defer inbox.Close()
	if err := inbox.Bind(specialist.user); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	eventually(t, "empty inbox", func() bool { return !inbox.State().Loading })

	err := SendReferral(patient.disp, NewReferral{
		Patient:      UserProfile{ID: "p1", FirstName: "Asha", LastName: "Devi", VillageLocation: "Rampur"},
		SpecialistID: "s1",
		Specialist:   "Dr. Aarav Sharma",
		Notes:        "Chest pain on exertion",
	})
	if err != nil {
		t.Fatalf("SendReferral: %v", err)
	}

	eventually(t, "pending referral", func() bool { return len(inbox.State().Pending) == 1 })
	ref := inbox.State().Pending[0]
	if ref.PatientName != "Asha Devi" || ref.PatientVillage != "Rampur" {
		t.Errorf("Unexpected referral: %+v", ref)
	}

	inbox.Accept(ref.ID)
	eventually(t, "active referral", func() bool { return len(inbox.State().Active) == 1 })

	inbox.Complete(ref.ID)
	eventually(t, "closed referral", func() bool { return len(inbox.State().Closed) == 1 })

	if n := len(errs.all()); n != 0 {
		t.Errorf("Expected no error events, got %+v", errs.all())
	}
}

func TestReferralInboxDeniedWriteReportsEvent(t *testing.T) {
	store := newGuardedStore(t)
	errs := &eventLog{}
	patient := newSession(t, store, &auth.User{ID: "p1", Role: auth.RolePatient}, errs)
	other := newSession(t, store, &auth.User{ID: "s2", Role: auth.RoleSpecialist}, errs)

	SendReferral(patient.disp, NewReferral{Patient: UserProfile{ID: "p1"}, SpecialistID: "s1", Notes: "Rash"})

	var id string
	q, err := livesync.NewQueryRef(ReferralsFromPatient("p1"))
	if err != nil {
		t.Fatalf("NewQueryRef: %v", err)
	}
	sub := patient.reg.Query()
	defer sub.Close()
	sub.Bind(q)
	eventually(t, "sent referral", func() bool {
		st := sub.State()
		if len(st.Data) == 1 {
			id = st.Data[0].ID
			return true
		}
		return false
	})

	otherInbox := NewReferralInbox(other.reg, other.disp)
	defer otherInbox.Close()
	otherInbox.Accept(id)

	eventually(t, "write failure event", func() bool { return len(errs.all()) == 1 })
	e := errs.all()[0]
	if e.Type != events.TypeWriteFailed || e.Code != apperrors.CodePermissionDenied {
		t.Errorf("Unexpected event: %+v", e)
	}
	if e.Path != string(ReferralPath(id)) || e.PayloadShape != "{status:string}" {
		t.Errorf("Unexpected event context: %+v", e)
	}
}

func TestPatientInboxIsIdle(t *testing.T) {
	store := newGuardedStore(t)
	patient := newSession(t, store, &auth.User{ID: "p1", Role: auth.RolePatient}, &eventLog{})

	inbox := NewReferralInbox(patient.reg, patient.disp)
	defer inbox.Close()
	inbox.Bind(patient.user)

	if n := patient.reg.ActiveFeeds(); n != 0 {
		t.Errorf("Expected no feed for a patient, got %d", n)
	}
	if st := inbox.State(); st.Loading || st.Pending != nil {
		t.Errorf("Expected idle inbox, got %+v", st)
	}
}

func TestProfileView(t *testing.T) {
	store := newGuardedStore(t)
	errs := &eventLog{}
	patient := newSession(t, store, &auth.User{ID: "p1", Role: auth.RolePatient}, errs)

	view := NewProfileView(patient.reg, patient.disp)
	defer view.Close()
	view.Bind(patient.user)

	eventually(t, "absent profile", func() bool { return !view.State().Loading })
	if view.State().Profile != nil {
		t.Fatalf("Expected no profile yet, got %+v", view.State().Profile)
	}

	if err := view.SignUp("asha@example.org", auth.RolePatient); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	eventually(t, "signed up profile", func() bool { return view.State().Profile != nil })

	if err := view.UpdateName("Asha", "Devi", "hi"); err != nil {
		t.Fatalf("UpdateName: %v", err)
	}
	eventually(t, "renamed profile", func() bool {
		p := view.State().Profile
		return p != nil && p.Name == "Asha Devi"
	})

	p := view.State().Profile
	if p.Email != "asha@example.org" || p.Role != auth.RolePatient || p.LanguagePreference != "hi" {
		t.Errorf("Unexpected profile: %+v", p)
	}
	if err := view.UpdateName("", "Devi", "hi"); apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestProfileViewDeniedRead(t *testing.T) {
	store := newGuardedStore(t)
	errs := &eventLog{}
	patient := newSession(t, store, &auth.User{ID: "p1", Role: auth.RolePatient}, errs)

	ref, err := livesync.Doc(ProfilePath("p2"))
	if err != nil {
		t.Fatalf("Doc: %v", err)
	}
	sub := patient.reg.Doc()
	defer sub.Close()
	sub.Bind(ref)

	eventually(t, "permission error", func() bool { return sub.State().Err != nil })
	if code := apperrors.CodeOf(sub.State().Err); code != apperrors.CodePermissionDenied {
		t.Errorf("Expected code %s, got %s", apperrors.CodePermissionDenied, code)
	}
	eventually(t, "subscription event", func() bool { return len(errs.all()) == 1 })
	e := errs.all()[0]
	if e.Type != events.TypeSubscriptionFailed || e.Path != "user_profiles/p2" || e.ActorID != "p1" {
		t.Errorf("Unexpected event: %+v", e)
	}
}
