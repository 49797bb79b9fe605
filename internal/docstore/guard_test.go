package docstore

import (
	"context"
	"testing"

	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
	"github.com/rs/zerolog"
)

// ownProfileRules lets users touch only their own profile subtree.
var ownProfileRules = RulesFunc(func(user *auth.User, a Access) bool {
	if user.IsAdmin() {
		return true
	}
	segs := a.Path.Segments()
	return len(segs) >= 2 && segs[0] == "user_profiles" && segs[1] == user.ID
})

func asUser(id, role string) context.Context {
	return auth.WithUser(context.Background(), &auth.User{ID: id, Role: role})
}

func TestGuardedStore(t *testing.T) {
	mem, _ := NewMemStore()
	mustCommit(t, mem, Write{Path: MustPath("user_profiles/42"), Kind: KindSet, Data: Record{"firstName": "Asha"}})
	g := Guard(mem, ownProfileRules, zerolog.Nop())

	noop := func(*Document, error) {}

	tests := []struct {
		name string
		run  func() error
		code string
	}{
		{"Anonymous read", func() error {
			_, err := g.ListenDocument(context.Background(), MustPath("user_profiles/42"), noop)
			return err
		}, apperrors.CodeUnauthenticated},
		{"Own profile read", func() error {
			f, err := g.ListenDocument(asUser("42", auth.RolePatient), MustPath("user_profiles/42"), noop)
			if f != nil {
				f.Stop()
			}
			return err
		}, ""},
		{"Other profile read", func() error {
			_, err := g.ListenDocument(asUser("7", auth.RolePatient), MustPath("user_profiles/42"), noop)
			return err
		}, apperrors.CodePermissionDenied},
		{"Own tasks list", func() error {
			f, err := g.ListenQuery(asUser("42", auth.RolePatient), NewQuery(MustPath("user_profiles/42/tasks")), func([]Document, error) {})
			if f != nil {
				f.Stop()
			}
			return err
		}, ""},
		{"Foreign collection list", func() error {
			_, err := g.ListenQuery(asUser("42", auth.RolePatient), NewQuery(MustPath("referrals")), func([]Document, error) {})
			return err
		}, apperrors.CodePermissionDenied},
		{"Own task create", func() error {
			_, err := g.Commit(asUser("42", auth.RolePatient), Write{Path: MustPath("user_profiles/42/tasks"), Kind: KindCreate, Data: Record{"title": "Visit"}})
			return err
		}, ""},
		{"Foreign write", func() error {
			_, err := g.Commit(asUser("7", auth.RolePatient), Write{Path: MustPath("user_profiles/42"), Kind: KindUpdate, Data: Record{"firstName": "X"}})
			return err
		}, apperrors.CodePermissionDenied},
		{"Anonymous write", func() error {
			_, err := g.Commit(context.Background(), Write{Path: MustPath("user_profiles/42"), Kind: KindDelete})
			return err
		}, apperrors.CodeUnauthenticated},
		{"Admin write", func() error {
			_, err := g.Commit(asUser("1", auth.RoleAdmin), Write{Path: MustPath("referrals/1"), Kind: KindSet, Data: Record{"status": "pending"}})
			return err
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if got := apperrors.CodeOf(err); got != tt.code {
				t.Errorf("Expected code %q, got %q (%v)", tt.code, got, err)
			}
		})
	}
}

func TestGuardPassesExistingDocument(t *testing.T) {
	mem, _ := NewMemStore()
	mustCommit(t, mem, Write{Path: MustPath("referrals/1"), Kind: KindSet, Data: Record{"specialistId": "s1"}})

	var seen Access
	g := Guard(mem, RulesFunc(func(user *auth.User, a Access) bool {
		seen = a
		return true
	}), zerolog.Nop())

	if _, err := g.Commit(asUser("s1", auth.RoleSpecialist), Write{Path: MustPath("referrals/1"), Kind: KindSet, Data: Record{"status": "accepted"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if seen.Action != ActionUpdate {
		t.Errorf("Expected set on existing document to be an update, got %s", seen.Action)
	}
	if seen.Existing == nil || seen.Existing.Data["specialistId"] != "s1" {
		t.Errorf("Expected existing referral in access, got %+v", seen.Existing)
	}
}

func TestAccessEqualityFilter(t *testing.T) {
	q := NewQuery(MustPath("referrals")).Where("specialistId", OpEqual, "s1").Where("status", OpIn, []string{"pending"})
	a := Access{Action: ActionList, Path: q.Collection, Query: &q}

	if v, ok := a.EqualityFilter("specialistId"); !ok || v != "s1" {
		t.Errorf("Expected specialistId s1, got %v %v", v, ok)
	}
	if _, ok := a.EqualityFilter("status"); ok {
		t.Error("Expected no equality filter on status")
	}
}
