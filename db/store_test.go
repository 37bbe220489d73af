package db

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorKeysFirstWriterWins(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	_, _, err := d.ReadActorKeys(ctx, 7)
	assert.True(t, domain.IsNotFound(err))

	pub, priv, err := d.StoreActorKeysOnce(ctx, 7, "pub-a", "priv-a")
	require.NoError(t, err)
	assert.Equal(t, "pub-a", pub)
	assert.Equal(t, "priv-a", priv)

	pub, priv, err = d.StoreActorKeysOnce(ctx, 7, "pub-b", "priv-b")
	require.NoError(t, err)
	assert.Equal(t, "pub-a", pub, "a second generator must get the stored pair")
	assert.Equal(t, "priv-a", priv)

	require.NoError(t, d.DeleteActorKeys(ctx, 7))
	_, _, err = d.ReadActorKeys(ctx, 7)
	assert.True(t, domain.IsNotFound(err))
}

func TestRemoteActorCache(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	uri := "https://remote.example/users/alice"

	ra := &domain.RemoteActor{ActorURI: uri, Username: "alice", Domain: "remote.example", InboxURI: uri + "/inbox",
		PublicKeyId: uri + "#main-key", PublicKeyPem: "pem"}
	require.NoError(t, d.UpsertRemoteActor(ctx, ra))

	ra.DisplayName = "Alice"
	ra.LastFetchedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, d.UpsertRemoteActor(ctx, ra))

	got, err := d.ReadRemoteActorByURI(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, uri+"#main-key", got.PublicKeyId)

	// followed actors survive the cleanup
	d.UpsertFollower(ctx, &domain.Follower{LocalActorId: 1, ActorURI: uri, InboxURI: uri + "/inbox"})
	n, err := d.DeleteStaleRemoteActors(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	d.DeleteFollowersByActorURI(ctx, uri)
	n, _ = d.DeleteStaleRemoteActors(ctx, time.Now().Add(-24*time.Hour))
	assert.Equal(t, int64(1), n)

	_, err = d.ReadRemoteActorByURI(ctx, uri)
	assert.True(t, domain.IsNotFound(err))
}

func TestInteractionsAreIdempotent(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	like := &domain.Interaction{Type: domain.ActivityLike, ObjectURI: "https://example.com/?p=1",
		ActorURI: "https://remote.example/users/bob", ActivityURI: "https://remote.example/likes/1"}

	added, err := d.InsertInteraction(ctx, like)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = d.InsertInteraction(ctx, &domain.Interaction{Type: like.Type, ObjectURI: like.ObjectURI,
		ActorURI: like.ActorURI, ActivityURI: "https://remote.example/likes/2"})
	require.NoError(t, err)
	assert.False(t, added, "a repeated like is not counted twice")

	count, _ := d.CountInteractions(ctx, like.ObjectURI, domain.ActivityLike)
	assert.Equal(t, 1, count)

	n, _ := d.DeleteInteractionByActivityURI(ctx, like.ActivityURI, "https://someone.else/users/x")
	assert.Equal(t, int64(0), n)
	n, _ = d.DeleteInteractionByActivityURI(ctx, like.ActivityURI, like.ActorURI)
	assert.Equal(t, int64(1), n)
}

func TestExternalObjectOwnership(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	obj := &domain.ExternalObject{URI: "https://remote.example/notes/1", Type: "Note",
		ActorURI: "https://remote.example/users/bob", Content: "hi", RawJSON: "{}", Published: time.Now()}
	require.NoError(t, d.UpsertExternalObject(ctx, obj))

	hijack := *obj
	hijack.ActorURI = "https://evil.example/users/mallory"
	hijack.Content = "pwned"
	require.NoError(t, d.UpsertExternalObject(ctx, &hijack))

	got, err := d.ReadExternalObject(ctx, obj.URI)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content, "another actor cannot overwrite the object")

	deleted, _ := d.DeleteExternalObject(ctx, obj.URI, hijack.ActorURI)
	assert.False(t, deleted)
	deleted, _ = d.DeleteExternalObject(ctx, obj.URI, obj.ActorURI)
	assert.True(t, deleted)
}

func TestDeliveryQueue(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	items := []domain.DeliveryQueueItem{
		{ActorId: 1, InboxURI: "https://a.example/inbox", ActivityJSON: "{}"},
		{ActorId: 1, InboxURI: "https://b.example/inbox", ActivityJSON: "{}"},
		{ActorId: 1, InboxURI: "https://c.example/inbox", ActivityJSON: "{}", NextRetryAt: time.Now().Add(time.Hour)},
	}
	require.NoError(t, d.EnqueueDeliveries(ctx, items))

	total, _ := d.CountDeliveries(ctx)
	assert.Equal(t, 3, total)

	pending, err := d.ReadPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2, "future retries are not due yet")

	require.NoError(t, d.UpdateDeliveryAttempt(ctx, pending[0].Id, 1, time.Now().Add(time.Minute), "503"))
	require.NoError(t, d.DeleteDelivery(ctx, pending[1].Id))

	pending, _ = d.ReadPendingDeliveries(ctx, 10)
	assert.Len(t, pending, 0)
	total, _ = d.CountDeliveries(ctx)
	assert.Equal(t, 2, total)
}

func TestOutbox(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, uri := range []string{"https://example.com/activities/1", "https://example.com/activities/2"} {
		require.NoError(t, d.InsertOutboxItem(ctx, &domain.OutboxItem{ActorId: 1, ActivityURI: uri,
			ActivityType: domain.ActivityCreate, ActivityJSON: "{}", Published: base.Add(time.Duration(i) * time.Minute)}))
	}
	// duplicate activity ids are ignored
	require.NoError(t, d.InsertOutboxItem(ctx, &domain.OutboxItem{ActorId: 1,
		ActivityURI: "https://example.com/activities/1", ActivityType: domain.ActivityCreate, ActivityJSON: "{}"}))

	count, _ := d.CountOutbox(ctx, 1)
	assert.Equal(t, 2, count)

	items, err := d.ReadOutbox(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://example.com/activities/2", items[0].ActivityURI)
	assert.Equal(t, domain.ActivityCreate, items[0].ActivityType)
}

func TestContentTables(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	u := &domain.User{Id: 3, Login: "alice", DisplayName: "Alice", CanPublish: true,
		Fields: []domain.ProfileField{{Name: "Web", Value: "https://alice.example"}}}
	require.NoError(t, d.UpsertUser(ctx, u))

	got, err := d.ReadUserByLogin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Id)
	assert.True(t, got.CanPublish)
	assert.Equal(t, u.Fields, got.Fields)

	users, _ := d.ReadUsers(ctx)
	assert.Len(t, users, 1)

	item := &domain.ContentItem{Id: 10, AuthorId: 3, Kind: domain.KindPost, Status: domain.StatusPublish,
		Title: "Hello", Body: "<p>Hi</p>", BodyFormat: "html", Tags: []string{"go", "fediverse"},
		Visibility: domain.VisibilityPublic, Published: time.Now(), Modified: time.Now(),
		Enclosures: []domain.Enclosure{{URL: "https://example.com/a.mp3", MediaType: "audio/mpeg"}}}
	require.NoError(t, d.UpsertContentItem(ctx, item))

	stored, err := d.ReadContentItem(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, item.Tags, stored.Tags)
	assert.Equal(t, item.Enclosures, stored.Enclosures)
	assert.Equal(t, domain.VisibilityPublic, stored.Visibility)

	m := &domain.Media{Id: 5, URL: "https://example.com/img.jpg", MediaType: "image/jpeg", Alt: "a cat"}
	require.NoError(t, d.UpsertMedia(ctx, m))
	byURL, err := d.ReadMediaByURL(ctx, m.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(5), byURL.Id)

	require.NoError(t, d.DeleteContentItem(ctx, 10))
	_, err = d.ReadContentItem(ctx, 10)
	assert.True(t, domain.IsNotFound(err))
	require.NoError(t, d.DeleteUser(ctx, 3))
	_, err = d.ReadUser(ctx, 3)
	assert.True(t, domain.IsNotFound(err))
	_, err = d.ReadMedia(ctx, 99)
	assert.True(t, domain.IsNotFound(err))
}
