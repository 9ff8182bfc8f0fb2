package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/syncforge/roster/internal/directory"
)

// Directory is the narrow client contract the reconciler drives. The
// concrete implementation lives in internal/directory; tests substitute
// in-memory fakes.
type Directory interface {
	ListAllUsers(ctx context.Context, status string) ([]directory.User, error)
	CreateUser(ctx context.Context, email, firstName, lastName string) (*directory.User, error)
	SetUserStatus(ctx context.Context, id int64, status string) error
	GetUserGrants(ctx context.Context, userID int64) ([]directory.GrantSet, error)
	CreateGrant(ctx context.Context, userID int64, roleSlug, scope string) error
	DeleteGrant(ctx context.Context, grantID int64) error
}

// RoleGrants maps a role slug to the remote grant ID holding it, within one
// scope. The key set is the role set used for diffing; the IDs make
// revocation possible.
type RoleGrants map[string]int64

// Slugs returns the sorted role slugs.
func (g RoleGrants) Slugs() []string {
	slugs := make([]string, 0, len(g))
	for slug := range g {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// ActualUser is the snapshot view of a remote user record.
type ActualUser struct {
	ID          int64
	Email       string
	Status      string
	DisplayName string
}

// Active reports whether the user's status is active.
func (u *ActualUser) Active() bool {
	return u.Status == directory.StatusActive
}

// ActualState is a per-run immutable snapshot of the remote user listing,
// with per-user grants fetched lazily on first use and memoized for the rest
// of the run. A user is never represented twice: emails are joined
// case-insensitively.
type ActualState struct {
	dir    Directory
	users  map[string]*ActualUser    // lower-cased email → user
	grants map[int64]map[string]RoleGrants // userID → scope → role grants
}

// TakeSnapshot fetches every remote user regardless of status.
func TakeSnapshot(ctx context.Context, dir Directory) (*ActualState, error) {
	users, err := dir.ListAllUsers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("snapshot remote users: %w", err)
	}

	state := &ActualState{
		dir:    dir,
		users:  make(map[string]*ActualUser, len(users)),
		grants: make(map[int64]map[string]RoleGrants),
	}
	for _, u := range users {
		state.users[strings.ToLower(u.Email)] = &ActualUser{
			ID:          u.ID,
			Email:       u.Email,
			Status:      u.Status,
			DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
		}
	}
	return state, nil
}

// User returns the snapshot record for an email (case-insensitive), or nil.
func (s *ActualState) User(email string) *ActualUser {
	return s.users[strings.ToLower(email)]
}

// Emails returns the snapshot emails (lower-cased) in sorted order.
func (s *ActualState) Emails() []string {
	emails := make([]string, 0, len(s.users))
	for email := range s.users {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails
}

// Grants returns a user's current grants grouped by scope, fetching them on
// first use. A user with zero grants yields an empty map, not an error.
func (s *ActualState) Grants(ctx context.Context, userID int64) (map[string]RoleGrants, error) {
	if cached, ok := s.grants[userID]; ok {
		return cached, nil
	}

	sets, err := s.dir.GetUserGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch grants for user %d: %w", userID, err)
	}

	byScope := GroupGrantsByScope(sets)
	s.grants[userID] = byScope
	return byScope, nil
}

// Forget drops the memoized grants for a user, forcing a refetch on next use.
// The reconciler calls it after mutating a user's grants.
func (s *ActualState) Forget(userID int64) {
	delete(s.grants, userID)
}

// GroupGrantsByScope flattens grant sets into scope → role slug → grant ID.
func GroupGrantsByScope(sets []directory.GrantSet) map[string]RoleGrants {
	byScope := make(map[string]RoleGrants)
	for _, set := range sets {
		for _, grant := range set.Grants {
			if byScope[grant.Scope] == nil {
				byScope[grant.Scope] = make(RoleGrants)
			}
			byScope[grant.Scope][grant.Role.Slug] = grant.ID
		}
	}
	return byScope
}
