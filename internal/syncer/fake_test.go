package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/syncforge/roster/internal/directory"
)

// fakeDirectory is an in-memory directory service. It tracks call counts so
// tests can assert exactly which remote mutations a reconciliation issued.
type fakeDirectory struct {
	mu sync.Mutex

	users  map[int64]*directory.User
	grants map[int64]fakeGrant

	nextUserID  int64
	nextGrantID int64

	calls map[string]int

	// failures maps "op:key" to an error returned for that call, e.g.
	// "createUser:bob@x.com" or "createGrant:dev".
	failures map[string]error
}

type fakeGrant struct {
	userID int64
	scope  string
	slug   string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:    make(map[int64]*directory.User),
		grants:   make(map[int64]fakeGrant),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

func (f *fakeDirectory) addUser(email, status string) *directory.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUserID++
	u := &directory.User{ID: f.nextUserID, Email: email, Status: status, Type: directory.UserTypePerson}
	f.users[u.ID] = u
	return u
}

func (f *fakeDirectory) addGrant(userID int64, scope, slug string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextGrantID++
	f.grants[f.nextGrantID] = fakeGrant{userID: userID, scope: scope, slug: slug}
	return f.nextGrantID
}

func (f *fakeDirectory) failOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = err
}

func (f *fakeDirectory) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// mutationCount sums every state-changing call.
func (f *fakeDirectory) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["createUser"] + f.calls["setUserStatus"] + f.calls["createGrant"] + f.calls["deleteGrant"]
}

func (f *fakeDirectory) userByEmail(email string) *directory.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

// rolesInScope returns the slugs a user currently holds in a scope.
func (f *fakeDirectory) rolesInScope(userID int64, scope string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var slugs []string
	for _, g := range f.grants {
		if g.userID == userID && g.scope == scope {
			slugs = append(slugs, g.slug)
		}
	}
	return slugs
}

func (f *fakeDirectory) ListAllUsers(_ context.Context, status string) ([]directory.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["listAllUsers"]++
	var out []directory.User
	for _, u := range f.users {
		if status == "" || u.Status == status {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeDirectory) CreateUser(_ context.Context, email, firstName, lastName string) (*directory.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["createUser"]++
	if err := f.failures["createUser:"+strings.ToLower(email)]; err != nil {
		return nil, err
	}
	f.nextUserID++
	u := &directory.User{
		ID:        f.nextUserID,
		Email:     email,
		Status:    directory.StatusActive,
		FirstName: firstName,
		LastName:  lastName,
		Type:      directory.UserTypePerson,
	}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeDirectory) SetUserStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["setUserStatus"]++
	u, ok := f.users[id]
	if !ok {
		return fmt.Errorf("no such user %d", id)
	}
	if err := f.failures["setUserStatus:"+strings.ToLower(u.Email)]; err != nil {
		return err
	}
	u.Status = status
	return nil
}

func (f *fakeDirectory) GetUserGrants(_ context.Context, userID int64) ([]directory.GrantSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["getUserGrants"]++
	var grants []directory.Grant
	for id, g := range f.grants {
		if g.userID == userID {
			grants = append(grants, directory.Grant{ID: id, Scope: g.scope, Role: directory.Role{Slug: g.slug}})
		}
	}
	if len(grants) == 0 {
		return nil, nil
	}
	return []directory.GrantSet{{UserID: userID, Grants: grants}}, nil
}

func (f *fakeDirectory) CreateGrant(_ context.Context, userID int64, roleSlug, scope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["createGrant"]++
	if err := f.failures["createGrant:"+roleSlug]; err != nil {
		return err
	}
	f.nextGrantID++
	f.grants[f.nextGrantID] = fakeGrant{userID: userID, scope: scope, slug: roleSlug}
	return nil
}

func (f *fakeDirectory) DeleteGrant(_ context.Context, grantID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["deleteGrant"]++
	if _, ok := f.grants[grantID]; !ok {
		return fmt.Errorf("no such grant %d", grantID)
	}
	delete(f.grants, grantID)
	return nil
}
