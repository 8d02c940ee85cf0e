package auth

import (
	"fmt"
	"sort"

	"cutline/internal/config"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Actor is an authenticated caller and the roles it acts under.
type Actor struct {
	ID    string
	Roles []string
}

// Service resolves role permissions from the rbac section of the config.
type Service struct {
	Config *config.Config
}

// KnownRole reports whether role is declared in the config.
func (s Service) KnownRole(role string) bool {
	if s.Config == nil {
		return false
	}
	_, ok := s.Config.RBAC.Roles[role]
	return ok
}

func (s Service) ActorPermissions(a Actor) []string {
	if s.Config == nil {
		return nil
	}
	return s.Config.Permissions(a.Roles)
}

func (s Service) ActorHasPermission(a Actor, perm string) bool {
	perms := s.ActorPermissions(a)
	i := sort.SearchStrings(perms, perm)
	return i < len(perms) && perms[i] == perm
}

// Require returns a ForbiddenError unless the actor holds perm.
func (s Service) Require(a Actor, perm string) error {
	if a.ID == "" || !s.ActorHasPermission(a, perm) {
		return ForbiddenError{ActorID: a.ID, Permission: perm}
	}
	return nil
}
