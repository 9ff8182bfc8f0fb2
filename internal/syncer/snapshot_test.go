package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncforge/roster/internal/directory"
)

func TestSnapshot_JoinsEmailsCaseInsensitively(t *testing.T) {
	fake := newFakeDirectory()
	fake.addUser("Ann.Lee@X.com", directory.StatusActive)

	actual, err := TakeSnapshot(context.Background(), fake)
	require.NoError(t, err)

	user := actual.User("ann.lee@x.com")
	require.NotNil(t, user)
	assert.Equal(t, "Ann.Lee@X.com", user.Email, "original casing is preserved on the record")
	assert.Same(t, user, actual.User("ANN.LEE@X.COM"))
}

func TestSnapshot_GrantsAreLazyAndMemoized(t *testing.T) {
	fake := newFakeDirectory()
	ann := fake.addUser("ann@x.com", directory.StatusActive)
	fake.addGrant(ann.ID, "org=1", "dev")
	fake.addGrant(ann.ID, "account=9", "viewer")

	actual, err := TakeSnapshot(context.Background(), fake)
	require.NoError(t, err)
	assert.Equal(t, 0, fake.callCount("getUserGrants"), "grants are not fetched up front")

	ctx := context.Background()
	first, err := actual.Grants(ctx, ann.ID)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.ElementsMatch(t, []string{"dev"}, first["org=1"].Slugs())

	_, err = actual.Grants(ctx, ann.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.callCount("getUserGrants"), "second lookup hits the memo")

	actual.Forget(ann.ID)
	_, err = actual.Grants(ctx, ann.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.callCount("getUserGrants"), "Forget forces a refetch")
}

func TestSnapshot_ZeroGrantsIsEmptyNotError(t *testing.T) {
	fake := newFakeDirectory()
	ann := fake.addUser("ann@x.com", directory.StatusActive)

	actual, err := TakeSnapshot(context.Background(), fake)
	require.NoError(t, err)

	grants, err := actual.Grants(context.Background(), ann.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)
}
