package auth

import (
	"fmt"
	"strings"
)

// ForbiddenError indicates the caller is not allowed to act on the subject.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// Role is the part an actor plays in a reservation or offer.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Service answers ownership questions from the owner and client ids stored
// on each entity. Admins may act on anything.
type Service struct {
	Admins map[string]struct{}
}

func NewService(admins []string) Service {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			set[a] = struct{}{}
		}
	}
	return Service{Admins: set}
}

func (s Service) IsAdmin(actorID string) bool {
	_, ok := s.Admins[actorID]
	return ok
}

func (s Service) RequireOwner(ownerID, actorID, action string) error {
	if actorID == "" {
		return ForbiddenError{Action: action}
	}
	if actorID == ownerID || s.IsAdmin(actorID) {
		return nil
	}
	return ForbiddenError{Action: action}
}

// Party reports whether actorID is the host or the client of a subject.
func (s Service) Party(hostID, clientID, actorID, action string) (Role, error) {
	switch {
	case actorID == "":
		return "", ForbiddenError{Action: action}
	case actorID == hostID:
		return RoleHost, nil
	case actorID == clientID:
		return RoleClient, nil
	case s.IsAdmin(actorID):
		return RoleAdmin, nil
	}
	return "", ForbiddenError{Action: action}
}
