package auth

import (
	"errors"
	"testing"
)

func TestPartyRoles(t *testing.T) {
	s := NewService([]string{" ops ", ""})
	cases := []struct {
		actor string
		want  Role
	}{
		{"host-1", RoleHost},
		{"client-1", RoleClient},
		{"ops", RoleAdmin},
	}
	for _, c := range cases {
		got, err := s.Party("host-1", "client-1", c.actor, "reservation.cancel")
		if err != nil || got != c.want {
			t.Fatalf("%s: role=%s err=%v", c.actor, got, err)
		}
	}
	_, err := s.Party("host-1", "client-1", "stranger", "reservation.cancel")
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Action != "reservation.cancel" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestRequireOwner(t *testing.T) {
	s := NewService([]string{"ops"})
	if err := s.RequireOwner("host-1", "host-1", "resource.update"); err != nil {
		t.Fatalf("owner denied: %v", err)
	}
	if err := s.RequireOwner("host-1", "ops", "resource.update"); err != nil {
		t.Fatalf("admin denied: %v", err)
	}
	if err := s.RequireOwner("host-1", "", "resource.update"); err == nil {
		t.Fatalf("anonymous allowed")
	}
	if err := s.RequireOwner("host-1", "host-2", "resource.update"); err == nil {
		t.Fatalf("other host allowed")
	}
}
