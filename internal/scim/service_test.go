package scim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncforge/roster/internal/directory"
	"github.com/syncforge/roster/internal/roster"
)

const testOrgScope = "organization=42"

func testMappings() roster.MappingSet {
	return roster.MappingSet{
		"Developers": {Group: "Developers", Scopes: []string{"project=alpha"}, Roles: roster.NewRoleSet("dev", "read")},
		"Admins":     {Group: "Admins", Scopes: []string{"*"}, Roles: roster.NewRoleSet("admin")},
	}
}

func newTestService(fake *fakeDirectory) *Service {
	return NewService(fake, testMappings(), testOrgScope)
}

func boolPtr(v bool) *bool { return &v }

func TestServiceCreateUser(t *testing.T) {
	t.Run("provisions account with group grants", func(t *testing.T) {
		fake := newFakeDirectory()
		svc := newTestService(fake)

		su, err := svc.CreateUser(context.Background(), &User{
			UserName:    "Ann.Brown@example.com",
			DisplayName: "Ann Brown",
			Groups:      []GroupRef{{Display: "Developers"}},
		})
		require.NoError(t, err)

		created := fake.userByEmail("ann.brown@example.com")
		require.NotNil(t, created)
		assert.Equal(t, "Ann", created.FirstName)
		assert.Equal(t, "Brown", created.LastName)
		assert.Equal(t, directory.StatusActive, created.Status)
		assert.ElementsMatch(t, []string{"dev", "read"}, fake.rolesInScope(created.ID, "project=alpha"))

		assert.Equal(t, "ann.brown@example.com", su.UserName)
		assert.True(t, su.ActiveOrDefault())
		require.Len(t, su.Groups, 1)
		assert.Equal(t, "Developers", su.Groups[0].Display)
	})

	t.Run("name attribute wins over derivation", func(t *testing.T) {
		fake := newFakeDirectory()
		svc := newTestService(fake)

		_, err := svc.CreateUser(context.Background(), &User{
			UserName: "bob@example.com",
			Name:     &Name{GivenName: "Robert", FamilyName: "Ames"},
		})
		require.NoError(t, err)

		created := fake.userByEmail("bob@example.com")
		require.NotNil(t, created)
		assert.Equal(t, "Robert", created.FirstName)
		assert.Equal(t, "Ames", created.LastName)
	})

	t.Run("conflict on existing email regardless of case", func(t *testing.T) {
		fake := newFakeDirectory()
		fake.addUser("ann@example.com", directory.StatusActive)
		svc := newTestService(fake)

		_, err := svc.CreateUser(context.Background(), &User{UserName: "ANN@example.com"})
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 0, fake.callCount("createUser"))
	})

	t.Run("no email rejected", func(t *testing.T) {
		svc := newTestService(newFakeDirectory())

		_, err := svc.CreateUser(context.Background(), &User{UserName: "ann"})
		require.ErrorIs(t, err, ErrBadRequest)
	})

	t.Run("inactive on create", func(t *testing.T) {
		fake := newFakeDirectory()
		svc := newTestService(fake)

		su, err := svc.CreateUser(context.Background(), &User{
			UserName: "idle@example.com",
			Active:   boolPtr(false),
		})
		require.NoError(t, err)
		assert.False(t, su.ActiveOrDefault())
		assert.Equal(t, directory.StatusInactive, fake.userByEmail("idle@example.com").Status)
	})
}

func TestServiceGetUser(t *testing.T) {
	fake := newFakeDirectory()
	u := fake.addUser("ann@example.com", directory.StatusActive)
	fake.addGrant(u.ID, "project=alpha", "dev")
	fake.addGrant(u.ID, "project=alpha", "read")
	fake.addGrant(u.ID, testOrgScope, "admin")
	svc := newTestService(fake)

	su, err := svc.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", su.ID)
	assert.Equal(t, "ann@example.com", su.UserName)
	require.Len(t, su.Groups, 2)
	assert.Equal(t, "Admins", su.Groups[0].Display)
	assert.Equal(t, "Developers", su.Groups[1].Display)

	_, err = svc.GetUser(context.Background(), "99")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetUser(context.Background(), "not-a-number")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestServiceListUsers(t *testing.T) {
	fake := newFakeDirectory()
	fake.addUser("ann@example.com", directory.StatusActive)
	fake.addUser("bob@example.com", directory.StatusInactive)
	fake.addUser("cal@example.com", directory.StatusActive)
	svc := newTestService(fake)

	t.Run("unfiltered listing is email sorted", func(t *testing.T) {
		resp, err := svc.ListUsers(context.Background(), "", 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, resp.TotalResults)
		require.Len(t, resp.Resources, 3)
		assert.Equal(t, "ann@example.com", resp.Resources[0].(*User).UserName)
		assert.False(t, resp.Resources[1].(*User).ActiveOrDefault())
	})

	t.Run("userName filter is case-insensitive", func(t *testing.T) {
		resp, err := svc.ListUsers(context.Background(), `userName eq "ANN@Example.COM"`, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, resp.TotalResults)
		require.Len(t, resp.Resources, 1)
		assert.Equal(t, "ann@example.com", resp.Resources[0].(*User).UserName)
	})

	t.Run("filter without match is empty not an error", func(t *testing.T) {
		resp, err := svc.ListUsers(context.Background(), `userName eq "ghost@example.com"`, 1, 0)
		require.NoError(t, err)
		assert.Zero(t, resp.TotalResults)
		assert.Empty(t, resp.Resources)
	})

	t.Run("pagination windows", func(t *testing.T) {
		resp, err := svc.ListUsers(context.Background(), "", 2, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, resp.TotalResults)
		assert.Equal(t, 2, resp.StartIndex)
		assert.Equal(t, 1, resp.ItemsPerPage)
		require.Len(t, resp.Resources, 1)
		assert.Equal(t, "bob@example.com", resp.Resources[0].(*User).UserName)
	})

	t.Run("unsupported filter shape rejected", func(t *testing.T) {
		_, err := svc.ListUsers(context.Background(), `userName co "ann"`, 1, 0)
		assert.ErrorIs(t, err, ErrBadRequest)
	})
}

func TestServicePatchUser(t *testing.T) {
	t.Run("replace active deactivates and reactivates", func(t *testing.T) {
		fake := newFakeDirectory()
		fake.addUser("ann@example.com", directory.StatusActive)
		svc := newTestService(fake)

		su, err := svc.PatchUser(context.Background(), "1", &PatchRequest{Operations: []PatchOp{
			{Op: "replace", Path: "active", Value: false},
		}})
		require.NoError(t, err)
		assert.False(t, su.ActiveOrDefault())
		assert.Equal(t, directory.StatusInactive, fake.userByEmail("ann@example.com").Status)

		// Azure AD encodes booleans as strings inside a pathless object.
		su, err = svc.PatchUser(context.Background(), "1", &PatchRequest{Operations: []PatchOp{
			{Op: "Replace", Value: map[string]any{"active": "True"}},
		}})
		require.NoError(t, err)
		assert.True(t, su.ActiveOrDefault())
		assert.Equal(t, directory.StatusActive, fake.userByEmail("ann@example.com").Status)
	})

	t.Run("same status is a remote no-op", func(t *testing.T) {
		fake := newFakeDirectory()
		fake.addUser("ann@example.com", directory.StatusActive)
		svc := newTestService(fake)

		_, err := svc.PatchUser(context.Background(), "1", &PatchRequest{Operations: []PatchOp{
			{Op: "replace", Path: "active", Value: true},
		}})
		require.NoError(t, err)
		assert.Zero(t, fake.mutationCount())
	})

	t.Run("unrelated attribute paths are ignored", func(t *testing.T) {
		fake := newFakeDirectory()
		fake.addUser("ann@example.com", directory.StatusActive)
		svc := newTestService(fake)

		_, err := svc.PatchUser(context.Background(), "1", &PatchRequest{Operations: []PatchOp{
			{Op: "replace", Path: "displayName", Value: "Ann B."},
		}})
		require.NoError(t, err)
		assert.Zero(t, fake.mutationCount())
	})
}

func TestServiceDeleteUserDeactivatesOnly(t *testing.T) {
	fake := newFakeDirectory()
	u := fake.addUser("ann@example.com", directory.StatusActive)
	grantID := fake.addGrant(u.ID, "project=alpha", "dev")
	svc := newTestService(fake)

	require.NoError(t, svc.DeleteUser(context.Background(), "1"))
	assert.Equal(t, directory.StatusInactive, fake.userByEmail("ann@example.com").Status)
	assert.Equal(t, 0, fake.callCount("deleteGrant"))
	_ = grantID

	err := svc.DeleteUser(context.Background(), "99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceReplaceUserConvergesGroups(t *testing.T) {
	fake := newFakeDirectory()
	u := fake.addUser("ann@example.com", directory.StatusActive)
	fake.addGrant(u.ID, "project=alpha", "dev")
	fake.addGrant(u.ID, "project=alpha", "read")
	fake.addGrant(u.ID, testOrgScope, "admin")
	svc := newTestService(fake)

	// Dropping the Admins reference sweeps its scope, keeping Developers.
	su, err := svc.ReplaceUser(context.Background(), "1", &User{
		UserName: "ann@example.com",
		Active:   boolPtr(true),
		Groups:   []GroupRef{{Display: "Developers"}},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"dev", "read"}, fake.rolesInScope(u.ID, "project=alpha"))
	assert.Empty(t, fake.rolesInScope(u.ID, testOrgScope))
	require.Len(t, su.Groups, 1)
	assert.Equal(t, "Developers", su.Groups[0].Display)
}

func TestServiceGetGroup(t *testing.T) {
	fake := newFakeDirectory()
	full := fake.addUser("ann@example.com", directory.StatusActive)
	fake.addGrant(full.ID, "project=alpha", "dev")
	fake.addGrant(full.ID, "project=alpha", "read")
	partial := fake.addUser("bob@example.com", directory.StatusActive)
	fake.addGrant(partial.ID, "project=alpha", "dev")
	gone := fake.addUser("cal@example.com", directory.StatusInactive)
	fake.addGrant(gone.ID, "project=alpha", "dev")
	fake.addGrant(gone.ID, "project=alpha", "read")
	svc := newTestService(fake)

	g, err := svc.GetGroup(context.Background(), "Developers")
	require.NoError(t, err)
	assert.Equal(t, "Developers", g.ID)
	require.Len(t, g.Members, 1)
	assert.Equal(t, "ann@example.com", g.Members[0].Display)

	_, err = svc.GetGroup(context.Background(), "Ghosts")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceListGroups(t *testing.T) {
	svc := newTestService(newFakeDirectory())

	resp, err := svc.ListGroups(context.Background(), "", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalResults)
	assert.Equal(t, "Admins", resp.Resources[0].(*Group).ID)
	assert.Equal(t, "Developers", resp.Resources[1].(*Group).ID)

	resp, err = svc.ListGroups(context.Background(), `displayName eq "Developers"`, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalResults)
}

func TestServicePatchGroupMembers(t *testing.T) {
	fake := newFakeDirectory()
	u := fake.addUser("ann@example.com", directory.StatusActive)
	fake.addGrant(u.ID, "project=alpha", "ops")
	svc := newTestService(fake)

	t.Run("add keeps unrelated roles in shared scope", func(t *testing.T) {
		g, err := svc.PatchGroup(context.Background(), "Developers", &PatchRequest{Operations: []PatchOp{
			{Op: "Add", Path: "members", Value: []any{map[string]any{"value": "1"}}},
		}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"dev", "ops", "read"}, fake.rolesInScope(u.ID, "project=alpha"))
		require.Len(t, g.Members, 1)
		assert.Equal(t, "ann@example.com", g.Members[0].Display)
	})

	t.Run("remove by filtered path revokes only mapped roles", func(t *testing.T) {
		g, err := svc.PatchGroup(context.Background(), "Developers", &PatchRequest{Operations: []PatchOp{
			{Op: "Remove", Path: `members[value eq "1"]`},
		}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"ops"}, fake.rolesInScope(u.ID, "project=alpha"))
		assert.Empty(t, g.Members)
	})

	t.Run("unsupported op rejected", func(t *testing.T) {
		_, err := svc.PatchGroup(context.Background(), "Developers", &PatchRequest{Operations: []PatchOp{
			{Op: "move", Path: "members"},
		}})
		assert.ErrorIs(t, err, ErrBadRequest)
	})
}

func TestServiceReplaceGroup(t *testing.T) {
	fake := newFakeDirectory()
	stay := fake.addUser("ann@example.com", directory.StatusActive)
	fake.addGrant(stay.ID, "project=alpha", "dev")
	fake.addGrant(stay.ID, "project=alpha", "read")
	leave := fake.addUser("bob@example.com", directory.StatusActive)
	fake.addGrant(leave.ID, "project=alpha", "dev")
	fake.addGrant(leave.ID, "project=alpha", "read")
	join := fake.addUser("cal@example.com", directory.StatusActive)
	svc := newTestService(fake)

	g, err := svc.ReplaceGroup(context.Background(), "Developers", &Group{Members: []Member{
		{Value: "1"},
		{Value: "3"},
	}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"dev", "read"}, fake.rolesInScope(stay.ID, "project=alpha"))
	assert.Empty(t, fake.rolesInScope(leave.ID, "project=alpha"))
	assert.ElementsMatch(t, []string{"dev", "read"}, fake.rolesInScope(join.ID, "project=alpha"))
	require.Len(t, g.Members, 2)
	assert.Equal(t, "ann@example.com", g.Members[0].Display)
	assert.Equal(t, "cal@example.com", g.Members[1].Display)
}

func TestServiceGrantCache(t *testing.T) {
	fake := newFakeDirectory()
	u := fake.addUser("ann@example.com", directory.StatusActive)
	fake.addGrant(u.ID, "project=alpha", "dev")
	fake.addGrant(u.ID, "project=alpha", "read")
	svc := newTestService(fake)

	_, err := svc.GetUser(context.Background(), "1")
	require.NoError(t, err)
	_, err = svc.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.callCount("getUserGrants"))

	// Membership mutations bypass and then evict the cached entry.
	require.NoError(t, svc.removeMember(context.Background(), testMappings()["Developers"], u.ID))
	su, err := svc.GetUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Empty(t, su.Groups)
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter(`displayName eq "Dev \"Core\" Team"`)
	require.NoError(t, err)
	assert.True(t, f.matches(map[string]string{"displayName": `Dev "Core" Team`}))
	assert.False(t, f.matches(map[string]string{"displayName": "Dev Team"}))

	_, err = parseFilter(`userName sw "ann"`)
	assert.Error(t, err)

	var none *filter
	assert.True(t, none.matches(map[string]string{"id": "x"}))
}

func TestErrorBody(t *testing.T) {
	e := NewError(404, "", "user 9 not found")
	assert.Equal(t, []string{SchemaError}, e.Schemas)
	assert.Equal(t, "404", e.Status)
	assert.Empty(t, e.ScimType)
}
