package activitypub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInbox(env *testEnv) *InboxProcessor {
	return NewInboxProcessor(env.conf, env.db, env.registry, env.followers, env.dispatcher, env.actors,
		NewVerifier(env.actors, time.Hour))
}

// deliverTo posts activity to a local inbox, signed by the remote user name.
func deliverTo(t *testing.T, p *InboxProcessor, remote *remoteServer, name, target string, activity map[string]interface{}) error {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	path := "/inbox"
	if target != "" {
		path = "/users/" + target + "/inbox"
	}
	req := remote.signedInboxRequest(t, name, path, body)
	return p.Accept(context.Background(), &InboundRequest{Request: req, Body: body, TargetUsername: target})
}

func followActivity(env *testEnv, remote *remoteServer, name string) map[string]interface{} {
	return map[string]interface{}{
		"@context": domain.ActivityStreamsContext,
		"id":       remote.actorURI(name) + "#follow-1",
		"type":     "Follow",
		"actor":    remote.actorURI(name),
		"object":   ActorURI(env.conf, "alice"),
	}
}

func TestInboxFollowIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)
	ctx := context.Background()

	require.NoError(t, deliverTo(t, p, remote, "bob", "alice", followActivity(env, remote, "bob")))

	f, err := env.db.ReadFollower(ctx, 1, remote.actorURI("bob"))
	require.NoError(t, err)
	assert.Equal(t, remote.actorURI("bob")+"#follow-1", f.FollowActivityURI)

	// the Accept goes to the personal inbox and is not listed in the outbox
	accept := []byte(queued(t, env)[remote.actorURI("bob")+"/inbox"])
	require.NotEmpty(t, accept)
	assert.Equal(t, "Accept", json.Get(accept, "type").ToString())
	assert.Equal(t, remote.actorURI("bob")+"#follow-1", json.Get(accept, "object", "id").ToString())
	n, _ := env.db.CountOutbox(ctx, 1)
	assert.Zero(t, n)
}

func TestInboxFollowOfUnknownActor(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	activity := followActivity(env, remote, "bob")
	activity["object"] = ActorURI(env.conf, "nobody")
	err := deliverTo(t, p, remote, "bob", "", activity)
	assert.Equal(t, http.StatusNotFound, domain.StatusCode(err))

	err = deliverTo(t, p, remote, "bob", "nobody", followActivity(env, remote, "bob"))
	assert.Equal(t, http.StatusNotFound, domain.StatusCode(err))
}

func TestInboxRejectsInvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	body, err := json.Marshal(followActivity(env, remote, "bob"))
	require.NoError(t, err)
	req := remote.signedInboxRequest(t, "bob", "/inbox", body)
	tampered := []byte(string(body[:len(body)-1]) + `,"extra":1}`)

	err = p.Accept(context.Background(), &InboundRequest{Request: req, Body: tampered})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, domain.StatusCode(err))
	_, err = env.db.ReadFollower(context.Background(), 1, remote.actorURI("bob"))
	assert.True(t, domain.IsNotFound(err))
}

func TestInboxRejectsSignerFromAnotherHost(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	other := newRemoteServer(t, "mallory")
	p := newTestInbox(env)

	err := deliverTo(t, p, other, "mallory", "", followActivity(env, remote, "bob"))
	assert.Equal(t, http.StatusUnauthorized, domain.StatusCode(err))
}

func TestInboxAcceptsSignerFromSameHost(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob", "instance")
	p := newTestInbox(env)

	require.NoError(t, deliverTo(t, p, remote, "instance", "", followActivity(env, remote, "bob")))
}

func TestInboxRejectsSameHostUserSigningForAnother(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob", "carol")
	p := newTestInbox(env)

	err := deliverTo(t, p, remote, "carol", "", followActivity(env, remote, "bob"))
	assert.Equal(t, http.StatusUnauthorized, domain.StatusCode(err))
	_, err = env.db.ReadFollower(context.Background(), 1, remote.actorURI("bob"))
	assert.True(t, domain.IsNotFound(err))
}

func TestInboxRejectsImpersonatingActorDocument(t *testing.T) {
	env := newTestEnv(t)
	victim := newRemoteServer(t, "bob")
	attacker := newRemoteServer(t, "mallory")
	pair, err := util.GeneratePemKeypair(1024)
	require.NoError(t, err)
	key, err := ParsePrivateKey(pair.Private)
	require.NoError(t, err)

	// serves a document that claims to be bob, carrying the attacker's key
	evil := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", domain.ActivityContentType)
		body, _ := json.Marshal(map[string]interface{}{
			"id":                victim.actorURI("bob"),
			"type":              "Person",
			"preferredUsername": "bob",
			"inbox":             attacker.URL + "/inbox",
			"publicKey": map[string]string{
				"id":           "http://" + r.Host + r.URL.Path + "#main-key",
				"owner":        victim.actorURI("bob"),
				"publicKeyPem": pair.Public,
			},
		})
		w.Write(body)
	}))
	defer evil.Close()

	body, err := json.Marshal(followActivity(env, victim, "bob"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", domain.ActivityContentType)
	require.NoError(t, SignRequest(req, key, evil.URL+"/users/bob#main-key", body))

	err = newTestInbox(env).Accept(context.Background(), &InboundRequest{Request: req, Body: body})
	assert.Equal(t, http.StatusUnauthorized, domain.StatusCode(err))
	_, err = env.db.ReadFollower(context.Background(), 1, victim.actorURI("bob"))
	assert.True(t, domain.IsNotFound(err))
	_, err = env.db.ReadRemoteActorByURI(context.Background(), victim.actorURI("bob"))
	assert.True(t, domain.IsNotFound(err))
	assert.Empty(t, attacker.posts("/inbox"))
}

func TestInboxRejectsNullObject(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	for _, object := range []interface{}{nil, ""} {
		activity := followActivity(env, remote, "bob")
		activity["object"] = object
		err := deliverTo(t, p, remote, "bob", "", activity)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, domain.StatusCode(err))
		assert.Equal(t, []string{"object"}, domain.NewErrorBody(err).Data.Params)
	}
}

func TestInboxCreateRequiresEmbeddedObject(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	err := deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":     remote.actorURI("bob") + "/activities/1",
		"type":   "Create",
		"actor":  remote.actorURI("bob"),
		"object": remote.actorURI("bob") + "/notes/1",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, domain.StatusCode(err))
	assert.Equal(t, []string{"object"}, domain.NewErrorBody(err).Data.Params)
}

func TestInboxRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	err := deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":     remote.actorURI("bob") + "/activities/2",
		"type":   "Like",
		"object": "https://" + testDomain + "/?p=1",
	})
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, []string{"actor"}, domain.NewErrorBody(err).Data.Params)

	err = deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":    remote.actorURI("bob") + "/activities/3",
		"type":  "Create",
		"actor": remote.actorURI("bob"),
		"object": map[string]interface{}{
			"id":   remote.actorURI("bob") + "/notes/3",
			"type": "Note",
		},
	})
	assert.True(t, domain.IsValidation(err))

	err = p.Accept(context.Background(), &InboundRequest{
		Request: remote.signedInboxRequest(t, "bob", "/inbox", []byte("{")),
		Body:    []byte("{"),
	})
	assert.Equal(t, http.StatusBadRequest, domain.StatusCode(err))
}

func TestInboxStoresEmbeddedNote(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)
	noteID := remote.actorURI("bob") + "/notes/1"

	require.NoError(t, deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":    remote.actorURI("bob") + "/activities/1",
		"type":  "Create",
		"actor": remote.actorURI("bob"),
		"object": map[string]interface{}{
			"id":           noteID,
			"type":         "Note",
			"attributedTo": remote.actorURI("bob"),
			"content":      "<p>nice post</p>",
			"inReplyTo":    "https://" + testDomain + "/?p=10",
			"published":    "2024-03-01T12:00:00Z",
		},
	}))

	obj, err := env.db.ReadExternalObject(context.Background(), noteID)
	require.NoError(t, err)
	assert.Equal(t, "<p>nice post</p>", obj.Content)
	assert.Equal(t, "https://"+testDomain+"/?p=10", obj.InReplyTo)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), obj.Published.UTC())
}

func TestInboxDeferredVerificationDropsForgery(t *testing.T) {
	env := newTestEnv(t, func(c *util.AppConfig) { c.Conf.DeferSignatureVerification = true })
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	body, err := json.Marshal(followActivity(env, remote, "bob"))
	require.NoError(t, err)
	req := remote.signedInboxRequest(t, "bob", "/inbox", []byte(`{"other":"body"}`))

	// accepted up front, dropped once the signature is checked
	require.NoError(t, p.Accept(context.Background(), &InboundRequest{Request: req, Body: body}))
	_, err = env.db.ReadFollower(context.Background(), 1, remote.actorURI("bob"))
	assert.True(t, domain.IsNotFound(err))
}

func TestInboxAsyncProcessing(t *testing.T) {
	env := newTestEnv(t, func(c *util.AppConfig) { c.Inbox.Async = true })
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.NoError(t, deliverTo(t, p, remote, "bob", "alice", followActivity(env, remote, "bob")))
	require.Eventually(t, func() bool {
		_, err := env.db.ReadFollower(context.Background(), 1, remote.actorURI("bob"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInboxUndoFollow(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)
	ctx := context.Background()

	follow := followActivity(env, remote, "bob")
	require.NoError(t, deliverTo(t, p, remote, "bob", "", follow))
	require.NoError(t, deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":     remote.actorURI("bob") + "#undo-1",
		"type":   "Undo",
		"actor":  remote.actorURI("bob"),
		"object": follow,
	}))

	n, err := env.db.CountFollowers(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInboxUndoFollowByID(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	follow := followActivity(env, remote, "bob")
	require.NoError(t, deliverTo(t, p, remote, "bob", "", follow))
	require.NoError(t, deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":     remote.actorURI("bob") + "#undo-1",
		"type":   "Undo",
		"actor":  remote.actorURI("bob"),
		"object": follow["id"],
	}))

	n, _ := env.db.CountFollowers(context.Background(), 1)
	assert.Zero(t, n)
}

func TestInboxLikeOfLocalAndRemoteObjects(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)
	ctx := context.Background()
	local := "https://" + testDomain + "/?p=10"
	elsewhere := remote.URL + "/notes/5"

	like := func(id, object string) map[string]interface{} {
		return map[string]interface{}{
			"id":     remote.actorURI("bob") + id,
			"type":   "Like",
			"actor":  remote.actorURI("bob"),
			"object": object,
		}
	}
	require.NoError(t, deliverTo(t, p, remote, "bob", "", like("#like-1", local)))
	require.NoError(t, deliverTo(t, p, remote, "bob", "", like("#like-1", local)))
	require.NoError(t, deliverTo(t, p, remote, "bob", "", like("#like-2", elsewhere)))

	n, err := env.db.CountInteractions(ctx, local, domain.ActivityLike)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = env.db.CountInteractions(ctx, elsewhere, domain.ActivityLike)
	assert.Zero(t, n)

	require.NoError(t, deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":     remote.actorURI("bob") + "#undo-like",
		"type":   "Undo",
		"actor":  remote.actorURI("bob"),
		"object": like("#like-1", local),
	}))
	n, _ = env.db.CountInteractions(ctx, local, domain.ActivityLike)
	assert.Zero(t, n)
}

func TestInboxDeleteOfActor(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)
	ctx := context.Background()

	require.NoError(t, deliverTo(t, p, remote, "bob", "", followActivity(env, remote, "bob")))

	require.NoError(t, deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":     remote.actorURI("bob") + "#delete",
		"type":   "Delete",
		"actor":  remote.actorURI("bob"),
		"object": remote.actorURI("bob"),
	}))

	n, err := env.db.CountFollowers(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = env.db.ReadRemoteActorByURI(ctx, remote.actorURI("bob"))
	assert.True(t, domain.IsNotFound(err))
}

func TestInboxUpdateOfActorRefreshesFollower(t *testing.T) {
	env := newTestEnv(t)
	remote := newRemoteServer(t, "bob")
	p := newTestInbox(env)

	require.NoError(t, deliverTo(t, p, remote, "bob", "", followActivity(env, remote, "bob")))
	require.NoError(t, deliverTo(t, p, remote, "bob", "", map[string]interface{}{
		"id":    remote.actorURI("bob") + "#update",
		"type":  "Update",
		"actor": remote.actorURI("bob"),
		"object": map[string]interface{}{
			"id":   remote.actorURI("bob"),
			"type": "Person",
		},
	}))
}
