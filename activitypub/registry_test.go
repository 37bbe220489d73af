package activitypub

import (
	"context"
	"sync"
	"testing"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolveIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{
		"1",
		"alice",
		"alice@local.example",
		"acct:alice@local.example",
		"@alice@local.example",
		"https://local.example/users/alice",
		"https://local.example/users/alice#main-key",
		"https://local.example/actors/1",
	} {
		actor, err := env.registry.Resolve(ctx, id)
		if assert.NoError(t, err, id) {
			assert.Equal(t, int64(1), actor.Id, id)
			assert.Equal(t, domain.ActorPerson, actor.Type)
		}
	}

	for _, id := range []string{"", "bob", "42", "alice@remote.example", "https://remote.example/users/alice", "https://local.example/tags/alice"} {
		_, err := env.registry.Resolve(ctx, id)
		assert.True(t, domain.IsNotFound(err), "expected NotFound for %q, got %v", id, err)
	}
}

func TestRegistryActorModes(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t)
	_, err := env.registry.Resolve(ctx, "blog")
	assert.True(t, domain.IsNotFound(err), "no blog actor in actor mode")

	env = newTestEnv(t, func(c *util.AppConfig) { c.Conf.ActorMode = util.ActorModeBlog })
	blog, err := env.registry.Resolve(ctx, "blog")
	require.NoError(t, err)
	assert.True(t, blog.IsBlog())
	assert.Equal(t, domain.ActorGroup, blog.Type)
	_, err = env.registry.Resolve(ctx, "alice")
	assert.True(t, domain.IsNotFound(err), "authors are hidden in blog mode")

	env = newTestEnv(t, func(c *util.AppConfig) { c.Conf.ActorMode = util.ActorModeActorBlog })
	actors, err := env.registry.LocalActors(ctx)
	require.NoError(t, err)
	require.Len(t, actors, 2)
	assert.True(t, actors[0].IsBlog())
	assert.Equal(t, "alice", actors[1].Username)
}

func TestRegistryDisabledActors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *util.AppConfig) { c.Conf.DisabledActors = []int64{1} })
	_, err := env.registry.Resolve(ctx, "alice")
	assert.True(t, domain.IsNotFound(err))

	env = newTestEnv(t)
	require.NoError(t, env.db.UpsertUser(ctx, &domain.User{Id: 2, Login: "reader", CanPublish: false}))
	_, err = env.registry.Resolve(ctx, "reader")
	assert.True(t, domain.IsNotFound(err), "users without the publish capability have no actor")
}

func TestRegistryKeysGeneratedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	pems := make([]string, 4)
	for i := range pems {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pem, err := env.registry.PublicKeyPEM(ctx, 1)
			assert.NoError(t, err)
			pems[i] = pem
		}(i)
	}
	wg.Wait()
	for _, pem := range pems[1:] {
		assert.Equal(t, pems[0], pem, "concurrent first use must converge on one key")
	}

	key, err := env.registry.PrivateKey(ctx, 1)
	require.NoError(t, err)
	pub, err := ParsePublicKey(pems[0])
	require.NoError(t, err)
	assert.Equal(t, 0, key.PublicKey.N.Cmp(pub.N))
}

func TestRegistryActorObject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.db.UpsertUser(ctx, &domain.User{
		Id: 1, Login: "alice", DisplayName: "Alice", Bio: "hi", AvatarURL: "https://local.example/a.png", CanPublish: true,
		Fields: []domain.ProfileField{{Name: "Web", Value: "https://alice.example"}, {Name: "Pronouns", Value: "she/her"}},
	}))

	actor, err := env.registry.Resolve(ctx, "alice")
	require.NoError(t, err)
	obj, err := env.registry.ActorObject(ctx, actor)
	require.NoError(t, err)

	assert.Equal(t, "https://local.example/users/alice", obj.ID)
	assert.Equal(t, "https://local.example/users/alice/inbox", obj.Inbox)
	assert.Equal(t, "https://local.example/users/alice/followers", obj.Followers)
	assert.Equal(t, "https://local.example/users/alice#main-key", obj.PublicKey.ID)
	assert.Equal(t, "https://local.example/inbox", obj.Endpoints.SharedInbox)
	assert.True(t, obj.Discoverable)
	assert.False(t, obj.ManuallyApprovesFollowers)
	require.NotNil(t, obj.Icon)
	require.Len(t, obj.Attachment, 2)
	assert.Equal(t, "Web", obj.Attachment[0].Name)
	assert.Equal(t, "Pronouns", obj.Attachment[1].Name)

	body, err := json.MarshalToString(obj)
	require.NoError(t, err)
	assert.NotContains(t, body, "PRIVATE KEY")
}
