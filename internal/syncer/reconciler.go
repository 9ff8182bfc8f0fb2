package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/syncforge/roster/internal/directory"
	"github.com/syncforge/roster/internal/roster"
)

// Run statuses. A run stays "success" even when individual remote calls
// failed; callers inspect the log lines for embedded failures.
const (
	StatusSuccess = "success"
	StatusCached  = "cached"
)

// Run modes, recorded with each run.
const (
	ModeNormal = "normal"
	ModeDryRun = "dry-run"
	ModeForce  = "force"
)

// Options controls a reconciliation run.
type Options struct {
	// DryRun computes and logs every decision without issuing mutations.
	// Counts are tallied exactly as if mutations had occurred.
	DryRun bool

	// Force marks a run that bypassed the result cache. It only affects the
	// recorded mode.
	Force bool

	// OrgScope is the organization-root scope that wildcard mapping scopes
	// resolve to.
	OrgScope string
}

// Mode names the run mode for audit records.
func (o Options) Mode() string {
	switch {
	case o.DryRun:
		return ModeDryRun
	case o.Force:
		return ModeForce
	default:
		return ModeNormal
	}
}

// Result is the append-only audit trail of one reconciliation run.
type Result struct {
	Status         string   `json:"status"`
	UsersProcessed int      `json:"users_processed"`
	UsersCreated   int      `json:"users_created"`
	UsersUpdated   int      `json:"users_updated"`
	UsersDeleted   int      `json:"users_deleted"`
	Logs           []string `json:"logs"`
}

func (r *Result) log(format string, args ...any) {
	r.Logs = append(r.Logs, fmt.Sprintf(format, args...))
}

// ResolveScope resolves the wildcard scope to the organization-root scope.
// Resolution happens at comparison time, never at build time, so the CSV
// path and the SCIM adapter share this one rule.
func ResolveScope(scope, orgScope string) string {
	if strings.TrimSpace(scope) == roster.WildcardScope {
		return orgScope
	}
	return scope
}

// Reconciler diffs desired state against an actual-state snapshot and drives
// the directory client with the minimal set of mutations. It is a pure
// function of its two snapshots plus the client capability: it holds no
// cross-run state.
type Reconciler struct {
	dir Directory
}

// New constructs a Reconciler over a directory client.
func New(dir Directory) *Reconciler {
	return &Reconciler{dir: dir}
}

// Run executes one reconciliation pass. Every required mutation is issued
// exactly once unless DryRun is set. A failure mutating one user or grant is
// logged and does not abort the run; operations across users carry no
// ordering guarantee, only per-user per-scope ordering matters.
func (r *Reconciler) Run(ctx context.Context, desired *roster.DesiredState, actual *ActualState, opts Options) *Result {
	res := &Result{Status: StatusSuccess}

	// Deactivation pass: every actual user whose email is active and not
	// present in desired state flips to inactive. Grants are deliberately
	// left in place for removed users; see the per-scope diff below, which
	// only runs for users that remain desired.
	for _, email := range actual.Emails() {
		if _, ok := desired.Users[email]; ok {
			continue
		}
		au := actual.User(email)
		if !au.Active() {
			res.log("User %s already inactive; nothing to do.", au.Email)
			continue
		}
		if opts.DryRun {
			res.log("[DRY RUN] Would mark user %s inactive (absent from roster).", au.Email)
			res.UsersDeleted++
			continue
		}
		if err := r.dir.SetUserStatus(ctx, au.ID, directory.StatusInactive); err != nil {
			res.log("Error deactivating user %s: %v", au.Email, err)
			continue
		}
		res.log("User %s absent from roster; marked inactive.", au.Email)
		res.UsersDeleted++
	}

	// Per-user pass over the desired emails.
	for _, email := range desired.Emails() {
		du := desired.Users[email]
		res.UsersProcessed++

		au := actual.User(email)
		created := false

		switch {
		case au == nil:
			created = true
			if opts.DryRun {
				res.log("[DRY RUN] Would create user %s.", du.Email)
				res.UsersCreated++
				break
			}
			first, last := DeriveName(du.Username, du.Email)
			u, err := r.dir.CreateUser(ctx, du.Email, first, last)
			if err != nil {
				res.log("Error creating user %s: %v", du.Email, err)
				continue
			}
			au = &ActualUser{ID: u.ID, Email: u.Email, Status: u.Status, DisplayName: du.Username}
			res.log("User %s not found remotely; created with ID %d.", du.Email, u.ID)
			res.UsersCreated++

		case !au.Active():
			// A reactivation is indistinguishable from a creation in the
			// result tally.
			created = true
			if opts.DryRun {
				res.log("[DRY RUN] Would reactivate user %s.", au.Email)
				res.UsersCreated++
				break
			}
			if err := r.dir.SetUserStatus(ctx, au.ID, directory.StatusActive); err != nil {
				res.log("Error reactivating user %s: %v", au.Email, err)
				continue
			}
			res.log("User %s present in roster again; reactivated.", au.Email)
			res.UsersCreated++
		}

		// Grant diff. A user created during a dry run has no remote record
		// to fetch grants for; its current state is the empty map.
		current := map[string]RoleGrants{}
		if au != nil {
			var err error
			current, err = actual.Grants(ctx, au.ID)
			if err != nil {
				res.log("Error fetching grants for user %s: %v", du.Email, err)
				continue
			}
		}

		want := make(map[string]roster.RoleSet, len(du.Scopes))
		for scope, roles := range du.Scopes {
			resolved := ResolveScope(scope, opts.OrgScope)
			want[resolved] = want[resolved].Union(roles)
		}

		changed := false

		// Scopes the user holds that are absent from desired state lose all
		// their roles.
		for _, scope := range sortedKeys(current) {
			if _, ok := want[scope]; ok {
				continue
			}
			if r.applyScope(ctx, userIDOf(au), du.Email, scope, current[scope], nil, opts.DryRun, res) {
				changed = true
			}
		}

		// Desired scopes converge on their role sets.
		for _, scope := range sortedRoleKeys(want) {
			if r.applyScope(ctx, userIDOf(au), du.Email, scope, current[scope], want[scope], opts.DryRun, res) {
				changed = true
			}
		}

		if changed && au != nil {
			actual.Forget(au.ID)
		}
		if changed && !created {
			// At most one "updated" per user per run, and never for users
			// already tallied as created.
			res.UsersUpdated++
		}
	}

	return res
}

// SetScopeRoles makes a user's role set within one scope equal to want,
// revoking and granting only the difference. This is the per-user grant-diff
// primitive the SCIM adapter funnels every mutation through.
func (r *Reconciler) SetScopeRoles(ctx context.Context, userID int64, email, scope string, want roster.RoleSet) (bool, []string, error) {
	sets, err := r.dir.GetUserGrants(ctx, userID)
	if err != nil {
		return false, nil, fmt.Errorf("fetch grants for user %d: %w", userID, err)
	}

	res := &Result{}
	changed := r.applyScope(ctx, userID, email, scope, GroupGrantsByScope(sets)[scope], want, false, res)
	return changed, res.Logs, nil
}

// applyScope converges one (user, scope) role set. Roles already held are
// never re-granted: re-running reconciliation with no input change issues
// zero remote mutations. Per-grant failures are logged and skipped.
func (r *Reconciler) applyScope(ctx context.Context, userID int64, email, scope string, current RoleGrants, want roster.RoleSet, dryRun bool, res *Result) bool {
	var toRevoke, toGrant []string
	for _, slug := range current.Slugs() {
		if !want.Contains(slug) {
			toRevoke = append(toRevoke, slug)
		}
	}
	for _, slug := range want.Slugs() {
		if _, held := current[slug]; !held {
			toGrant = append(toGrant, slug)
		}
	}

	if len(toRevoke) == 0 && len(toGrant) == 0 {
		if len(want) > 0 {
			res.log("User %s roles in scope %q match; no update needed.", email, scope)
		}
		return false
	}

	if dryRun {
		res.log("[DRY RUN] Would update user %s roles in scope %q from %v to %v.", email, scope, current.Slugs(), want.Slugs())
		return true
	}

	for _, slug := range toRevoke {
		if err := r.dir.DeleteGrant(ctx, current[slug]); err != nil {
			res.log("Error revoking role %s from user %s in scope %q: %v", slug, email, scope, err)
			continue
		}
		res.log("Revoked role %s from user %s in scope %q.", slug, email, scope)
	}
	for _, slug := range toGrant {
		if err := r.dir.CreateGrant(ctx, userID, slug, scope); err != nil {
			res.log("Error granting role %s to user %s in scope %q: %v", slug, email, scope, err)
			continue
		}
		res.log("Granted role %s to user %s in scope %q.", slug, email, scope)
	}
	return true
}

func userIDOf(au *ActualUser) int64 {
	if au == nil {
		return 0
	}
	return au.ID
}

func sortedKeys(m map[string]RoleGrants) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRoleKeys(m map[string]roster.RoleSet) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
