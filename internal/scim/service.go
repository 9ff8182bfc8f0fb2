package scim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mitchellh/mapstructure"

	"github.com/syncforge/roster/internal/directory"
	"github.com/syncforge/roster/internal/roster"
	"github.com/syncforge/roster/internal/syncer"
)

const (
	maxPageSize    = 200
	grantCacheSize = 512
	grantCacheTTL  = 30 * time.Second
)

// Sentinel errors mapped to SCIM error responses by the HTTP layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("resource already exists")
	ErrBadRequest = errors.New("invalid request")
)

var memberRemovePathRE = regexp.MustCompile(`^members\[value eq "([^"]+)"\]$`)

// Service serves SCIM users and groups on top of the remote directory.
// Users map to directory accounts keyed by case-insensitive email. Groups are
// the entries of the group-role mapping feed: membership is derived from live
// grants on every read and mutations converge grants through the same
// grant-diff primitive as a roster sync.
type Service struct {
	dir      syncer.Directory
	rec      *syncer.Reconciler
	mappings roster.MappingSet
	orgScope string

	// Read-path grant lookups are cached briefly so that rendering a user
	// with groups, or a group listing, does not refetch the same grant set
	// per resource. Mutations evict the affected user.
	grants *expirable.LRU[int64, map[string]syncer.RoleGrants]
}

// NewService builds the adapter. orgScope is the resolution target for
// wildcard mapping scopes, identical to the one the sync engine uses.
func NewService(dir syncer.Directory, mappings roster.MappingSet, orgScope string) *Service {
	return &Service{
		dir:      dir,
		rec:      syncer.New(dir),
		mappings: mappings,
		orgScope: orgScope,
		grants:   expirable.NewLRU[int64, map[string]syncer.RoleGrants](grantCacheSize, nil, grantCacheTTL),
	}
}

// GetUser returns one user by directory ID, groups included.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	du, err := s.findUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.toUser(ctx, du, true)
}

// ListUsers returns a page of users. filterExpr, when non-empty, must be a
// single equality filter; startIndex is 1-based per RFC 7644.
func (s *Service) ListUsers(ctx context.Context, filterExpr string, startIndex, count int) (*ListResponse, error) {
	var f *filter
	if strings.TrimSpace(filterExpr) != "" {
		var err error
		if f, err = parseFilter(filterExpr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}

	users, err := s.dir.ListAllUsers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Email) < strings.ToLower(users[j].Email)
	})

	var matched []directory.User
	for _, du := range users {
		fields := map[string]string{
			"id":          strconv.FormatInt(du.ID, 10),
			"userName":    strings.ToLower(du.Email),
			"displayName": displayNameOf(&du),
			"externalId":  strings.ToLower(du.Email),
		}
		if f.matches(fields) {
			matched = append(matched, du)
		}
	}

	page, start, perPage := paginate(len(matched), startIndex, count)
	resp := &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: len(matched),
		StartIndex:   start,
		ItemsPerPage: perPage,
		Resources:    make([]any, 0, perPage),
	}
	for _, du := range matched[page : page+perPage] {
		su, err := s.toUser(ctx, &du, false)
		if err != nil {
			return nil, err
		}
		resp.Resources = append(resp.Resources, su)
	}
	return resp, nil
}

// CreateUser provisions a directory account for the SCIM user. The account
// email comes from userName when it is an address, falling back to the first
// emails entry. Group references are converged immediately.
func (s *Service) CreateUser(ctx context.Context, su *User) (*User, error) {
	email := primaryEmail(su)
	if email == "" {
		return nil, fmt.Errorf("%w: user has no email address", ErrBadRequest)
	}

	if existing, err := s.findUserByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: user %s", ErrConflict, email)
	}

	first, last := su.nameParts(email)
	created, err := s.dir.CreateUser(ctx, email, first, last)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", email, err)
	}
	log.Printf("scim: created user %s (id %d)", email, created.ID)

	if !su.ActiveOrDefault() {
		if err := s.dir.SetUserStatus(ctx, created.ID, directory.StatusInactive); err != nil {
			return nil, fmt.Errorf("deactivate user %s: %w", email, err)
		}
		created.Status = directory.StatusInactive
	}

	if len(su.Groups) > 0 {
		if err := s.applyGroupRefs(ctx, created.ID, email, su.Groups); err != nil {
			return nil, err
		}
	}
	return s.toUser(ctx, created, true)
}

// ReplaceUser applies a full SCIM user representation: the active flag is
// converged, and when a groups list is present the user's grants across every
// mapped scope are converged to exactly what the referenced groups imply.
func (s *Service) ReplaceUser(ctx context.Context, id string, su *User) (*User, error) {
	du, err := s.findUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.setActive(ctx, du, su.ActiveOrDefault()); err != nil {
		return nil, err
	}
	if su.Groups != nil {
		if err := s.applyGroupRefs(ctx, du.ID, du.Email, su.Groups); err != nil {
			return nil, err
		}
	}
	return s.toUser(ctx, du, true)
}

// PatchUser applies SCIM patch operations. Only the active attribute is
// mutable this way; other paths are acknowledged and ignored so that
// provisioning clients pushing unsupported attributes do not see hard errors.
func (s *Service) PatchUser(ctx context.Context, id string, req *PatchRequest) (*User, error) {
	du, err := s.findUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, op := range req.Operations {
		switch strings.ToLower(op.Op) {
		case "replace", "add":
			active, ok, err := activeFromPatch(op)
			if err != nil {
				return nil, err
			}
			if !ok {
				log.Printf("scim: ignoring patch op %s %q for user %s", op.Op, op.Path, du.Email)
				continue
			}
			if err := s.setActive(ctx, du, active); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unsupported patch op %q", ErrBadRequest, op.Op)
		}
	}
	return s.toUser(ctx, du, true)
}

// DeleteUser deactivates the account. Accounts are never removed from the
// directory and their grants are left in place.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	du, err := s.findUserByID(ctx, id)
	if err != nil {
		return err
	}
	return s.setActive(ctx, du, false)
}

// GetGroup returns one group by mapping name with computed membership.
func (s *Service) GetGroup(ctx context.Context, name string) (*Group, error) {
	m, ok := s.mappings[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, name)
	}
	members, err := s.computeMembers(ctx, m)
	if err != nil {
		return nil, err
	}
	return s.toGroup(m, members), nil
}

// ListGroups returns a page of groups, membership included.
func (s *Service) ListGroups(ctx context.Context, filterExpr string, startIndex, count int) (*ListResponse, error) {
	var f *filter
	if strings.TrimSpace(filterExpr) != "" {
		var err error
		if f, err = parseFilter(filterExpr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}

	var matched []string
	for _, name := range s.mappings.GroupNames() {
		fields := map[string]string{"id": name, "displayName": name}
		if f.matches(fields) {
			matched = append(matched, name)
		}
	}

	page, start, perPage := paginate(len(matched), startIndex, count)
	resp := &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: len(matched),
		StartIndex:   start,
		ItemsPerPage: perPage,
		Resources:    make([]any, 0, perPage),
	}
	for _, name := range matched[page : page+perPage] {
		m := s.mappings[name]
		members, err := s.computeMembers(ctx, m)
		if err != nil {
			return nil, err
		}
		resp.Resources = append(resp.Resources, s.toGroup(m, members))
	}
	return resp, nil
}

// ReplaceGroup converges membership to exactly the given member list: listed
// users gain the group's roles in its scopes, current members not listed lose
// them. Roles from other groups sharing a scope are untouched.
func (s *Service) ReplaceGroup(ctx context.Context, name string, g *Group) (*Group, error) {
	m, ok := s.mappings[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, name)
	}

	desired := make(map[int64]bool, len(g.Members))
	for _, member := range g.Members {
		userID, err := parseUserID(member.Value)
		if err != nil {
			return nil, err
		}
		desired[userID] = true
	}

	current, err := s.computeMembers(ctx, m)
	if err != nil {
		return nil, err
	}
	currentIDs := make(map[int64]bool, len(current))
	for _, member := range current {
		userID, _ := parseUserID(member.Value)
		currentIDs[userID] = true
	}

	for userID := range desired {
		if err := s.addMember(ctx, m, userID); err != nil {
			return nil, err
		}
	}
	for userID := range currentIDs {
		if !desired[userID] {
			if err := s.removeMember(ctx, m, userID); err != nil {
				return nil, err
			}
		}
	}
	return s.GetGroup(ctx, name)
}

// PatchGroup applies membership patch operations: add with a member list,
// remove with either a member list or a `members[value eq "..."]` path, and
// replace with a full member list.
func (s *Service) PatchGroup(ctx context.Context, name string, req *PatchRequest) (*Group, error) {
	m, ok := s.mappings[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, name)
	}

	for _, op := range req.Operations {
		switch strings.ToLower(op.Op) {
		case "add":
			members, err := decodeMembers(op.Value)
			if err != nil {
				return nil, err
			}
			for _, member := range members {
				userID, err := parseUserID(member.Value)
				if err != nil {
					return nil, err
				}
				if err := s.addMember(ctx, m, userID); err != nil {
					return nil, err
				}
			}
		case "remove":
			ids, err := removalTargets(op)
			if err != nil {
				return nil, err
			}
			for _, userID := range ids {
				if err := s.removeMember(ctx, m, userID); err != nil {
					return nil, err
				}
			}
		case "replace":
			members, err := decodeMembers(op.Value)
			if err != nil {
				return nil, err
			}
			if _, err := s.ReplaceGroup(ctx, name, &Group{Members: members}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unsupported patch op %q", ErrBadRequest, op.Op)
		}
	}
	return s.GetGroup(ctx, name)
}

// addMember grants the mapping's roles to the user in each of its scopes,
// keeping roles the user holds from other groups.
func (s *Service) addMember(ctx context.Context, m roster.Mapping, userID int64) error {
	du, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	byScope, err := s.freshGrants(ctx, userID)
	if err != nil {
		return err
	}
	for _, scope := range s.resolvedScopes(m) {
		want := roster.NewRoleSet(byScope[scope].Slugs()...).Union(m.Roles)
		if err := s.converge(ctx, userID, du.Email, scope, want); err != nil {
			return err
		}
	}
	s.grants.Remove(userID)
	return nil
}

// removeMember revokes exactly the mapping's roles from the user in each of
// its scopes.
func (s *Service) removeMember(ctx context.Context, m roster.Mapping, userID int64) error {
	du, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	byScope, err := s.freshGrants(ctx, userID)
	if err != nil {
		return err
	}
	for _, scope := range s.resolvedScopes(m) {
		want := make(roster.RoleSet)
		for _, slug := range byScope[scope].Slugs() {
			if !m.Roles.Contains(slug) {
				want[slug] = struct{}{}
			}
		}
		if err := s.converge(ctx, userID, du.Email, scope, want); err != nil {
			return err
		}
	}
	s.grants.Remove(userID)
	return nil
}

// applyGroupRefs converges the user's grants so that across every mapped
// scope they hold exactly the roles the referenced groups imply. Scopes only
// reachable through unreferenced groups are swept clean.
func (s *Service) applyGroupRefs(ctx context.Context, userID int64, email string, refs []GroupRef) error {
	want := make(map[string]roster.RoleSet)
	for _, ref := range refs {
		name := ref.Display
		if name == "" {
			name = ref.Value
		}
		m, ok := s.mappings[name]
		if !ok {
			log.Printf("scim: group %q is not mapped; skipping for user %s", name, email)
			continue
		}
		for _, scope := range s.resolvedScopes(m) {
			want[scope] = want[scope].Union(m.Roles)
		}
	}

	for _, scope := range s.allMappedScopes() {
		if err := s.converge(ctx, userID, email, scope, want[scope]); err != nil {
			return err
		}
	}
	s.grants.Remove(userID)
	return nil
}

func (s *Service) converge(ctx context.Context, userID int64, email, scope string, want roster.RoleSet) error {
	_, logs, err := s.rec.SetScopeRoles(ctx, userID, email, scope, want)
	for _, line := range logs {
		log.Printf("scim: %s", line)
	}
	if err != nil {
		return fmt.Errorf("converge roles for %s in %q: %w", email, scope, err)
	}
	return nil
}

// computeMembers derives membership from live grants: a user is a member when
// it is active and holds every one of the group's roles in every one of its
// scopes.
func (s *Service) computeMembers(ctx context.Context, m roster.Mapping) ([]Member, error) {
	users, err := s.dir.ListAllUsers(ctx, directory.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var members []Member
	for _, du := range users {
		byScope, err := s.cachedGrants(ctx, du.ID)
		if err != nil {
			return nil, err
		}
		if s.holdsMapping(byScope, m) {
			id := strconv.FormatInt(du.ID, 10)
			members = append(members, Member{
				Value:   id,
				Ref:     "/scim/v2/Users/" + id,
				Display: du.Email,
				Type:    "User",
			})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Display < members[j].Display })
	return members, nil
}

func (s *Service) holdsMapping(byScope map[string]syncer.RoleGrants, m roster.Mapping) bool {
	for _, scope := range s.resolvedScopes(m) {
		held := byScope[scope]
		for _, slug := range m.Roles.Slugs() {
			if _, ok := held[slug]; !ok {
				return false
			}
		}
	}
	return len(m.Roles) > 0
}

func (s *Service) toGroup(m roster.Mapping, members []Member) *Group {
	return &Group{
		Schemas:     []string{SchemaGroup},
		ID:          m.Group,
		DisplayName: m.Group,
		Members:     members,
		Meta:        &Meta{ResourceType: "Group", Location: "/scim/v2/Groups/" + m.Group},
	}
}

func (s *Service) toUser(ctx context.Context, du *directory.User, withGroups bool) (*User, error) {
	active := du.Status == directory.StatusActive
	id := strconv.FormatInt(du.ID, 10)
	su := &User{
		Schemas:  []string{SchemaUser},
		ID:       id,
		UserName: strings.ToLower(du.Email),
		Name: &Name{
			GivenName:  du.FirstName,
			FamilyName: du.LastName,
			Formatted:  displayNameOf(du),
		},
		DisplayName: displayNameOf(du),
		Emails:      []Email{{Value: strings.ToLower(du.Email), Type: "work", Primary: true}},
		Active:      &active,
		Meta:        &Meta{ResourceType: "User", Location: "/scim/v2/Users/" + id},
	}
	if !withGroups {
		return su, nil
	}

	byScope, err := s.cachedGrants(ctx, du.ID)
	if err != nil {
		return nil, err
	}
	for _, name := range s.mappings.GroupNames() {
		if s.holdsMapping(byScope, s.mappings[name]) {
			su.Groups = append(su.Groups, GroupRef{
				Value:   name,
				Ref:     "/scim/v2/Groups/" + name,
				Display: name,
			})
		}
	}
	return su, nil
}

func (s *Service) setActive(ctx context.Context, du *directory.User, active bool) error {
	status := directory.StatusInactive
	if active {
		status = directory.StatusActive
	}
	if du.Status == status {
		return nil
	}
	if err := s.dir.SetUserStatus(ctx, du.ID, status); err != nil {
		return fmt.Errorf("set user %s status: %w", du.Email, err)
	}
	log.Printf("scim: set user %s status to %s", du.Email, status)
	du.Status = status
	return nil
}

func (s *Service) cachedGrants(ctx context.Context, userID int64) (map[string]syncer.RoleGrants, error) {
	if byScope, ok := s.grants.Get(userID); ok {
		return byScope, nil
	}
	byScope, err := s.freshGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.grants.Add(userID, byScope)
	return byScope, nil
}

func (s *Service) freshGrants(ctx context.Context, userID int64) (map[string]syncer.RoleGrants, error) {
	sets, err := s.dir.GetUserGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch grants for user %d: %w", userID, err)
	}
	return syncer.GroupGrantsByScope(sets), nil
}

func (s *Service) resolvedScopes(m roster.Mapping) []string {
	scopes := make([]string, 0, len(m.Scopes))
	for _, scope := range m.Scopes {
		scopes = append(scopes, syncer.ResolveScope(scope, s.orgScope))
	}
	sort.Strings(scopes)
	return scopes
}

func (s *Service) allMappedScopes() []string {
	seen := make(map[string]bool)
	var scopes []string
	for _, name := range s.mappings.GroupNames() {
		for _, scope := range s.resolvedScopes(s.mappings[name]) {
			if !seen[scope] {
				seen[scope] = true
				scopes = append(scopes, scope)
			}
		}
	}
	sort.Strings(scopes)
	return scopes
}

func (s *Service) findUserByID(ctx context.Context, id string) (*directory.User, error) {
	userID, err := parseUserID(id)
	if err != nil {
		return nil, err
	}
	return s.userByID(ctx, userID)
}

func (s *Service) userByID(ctx context.Context, userID int64) (*directory.User, error) {
	users, err := s.dir.ListAllUsers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for i := range users {
		if users[i].ID == userID {
			return &users[i], nil
		}
	}
	return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
}

// findUserByEmail returns nil without error when no account matches.
func (s *Service) findUserByEmail(ctx context.Context, email string) (*directory.User, error) {
	users, err := s.dir.ListAllUsers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for i := range users {
		if strings.EqualFold(users[i].Email, email) {
			return &users[i], nil
		}
	}
	return nil, nil
}

func (su *User) nameParts(email string) (first, last string) {
	if su.Name != nil && (su.Name.GivenName != "" || su.Name.FamilyName != "") {
		return su.Name.GivenName, su.Name.FamilyName
	}
	display := su.DisplayName
	if display == "" && su.Name != nil {
		display = su.Name.Formatted
	}
	return syncer.DeriveName(display, email)
}

func primaryEmail(su *User) string {
	if strings.Contains(su.UserName, "@") {
		return strings.ToLower(strings.TrimSpace(su.UserName))
	}
	for _, e := range su.Emails {
		if e.Primary && e.Value != "" {
			return strings.ToLower(strings.TrimSpace(e.Value))
		}
	}
	for _, e := range su.Emails {
		if e.Value != "" {
			return strings.ToLower(strings.TrimSpace(e.Value))
		}
	}
	return ""
}

func displayNameOf(du *directory.User) string {
	return strings.TrimSpace(strings.TrimSpace(du.FirstName) + " " + strings.TrimSpace(du.LastName))
}

func parseUserID(id string) (int64, error) {
	userID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: user id %q is not numeric", ErrBadRequest, id)
	}
	return userID, nil
}

// activeFromPatch extracts an active value from a patch op. The value may sit
// at path "active" directly or inside an object for empty paths. Azure AD
// sends booleans as the strings "True" and "False".
func activeFromPatch(op PatchOp) (active, ok bool, err error) {
	value := op.Value
	switch strings.ToLower(strings.TrimSpace(op.Path)) {
	case "active":
	case "":
		var body struct {
			Active any `mapstructure:"active"`
		}
		if err := mapstructure.Decode(op.Value, &body); err != nil || body.Active == nil {
			return false, false, nil
		}
		value = body.Active
	default:
		return false, false, nil
	}

	switch v := value.(type) {
	case bool:
		return v, true, nil
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return false, false, fmt.Errorf("%w: active value %q", ErrBadRequest, v)
		}
		return parsed, true, nil
	default:
		return false, false, fmt.Errorf("%w: active value of type %T", ErrBadRequest, value)
	}
}

func decodeMembers(value any) ([]Member, error) {
	var members []Member
	if err := mapstructure.Decode(value, &members); err != nil {
		return nil, fmt.Errorf("%w: member list: %v", ErrBadRequest, err)
	}
	return members, nil
}

// removalTargets resolves the user IDs a remove op names, either through a
// filtered path or through an explicit member list.
func removalTargets(op PatchOp) ([]int64, error) {
	if m := memberRemovePathRE.FindStringSubmatch(strings.TrimSpace(op.Path)); m != nil {
		userID, err := parseUserID(m[1])
		if err != nil {
			return nil, err
		}
		return []int64{userID}, nil
	}
	if strings.TrimSpace(op.Path) != "members" {
		return nil, fmt.Errorf("%w: unsupported remove path %q", ErrBadRequest, op.Path)
	}
	members, err := decodeMembers(op.Value)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, member := range members {
		userID, err := parseUserID(member.Value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, userID)
	}
	return ids, nil
}

func paginate(total, startIndex, count int) (offset, start, perPage int) {
	if startIndex < 1 {
		startIndex = 1
	}
	if count <= 0 || count > maxPageSize {
		count = maxPageSize
	}
	offset = startIndex - 1
	if offset > total {
		offset = total
	}
	perPage = count
	if offset+perPage > total {
		perPage = total - offset
	}
	return offset, startIndex, perPage
}
