package web

import (
	"net/http"
	"testing"

	"github.com/deemkeen/fedcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorDocument(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/users/alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/activity+json; charset=utf-8", w.Header().Get("Content-Type"))

	var doc domain.ActorObject
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "https://"+testDomain+"/users/alice", doc.ID)
	assert.Equal(t, "Person", doc.Type)
	assert.Equal(t, "alice", doc.PreferredUsername)
	assert.Equal(t, "https://"+testDomain+"/users/alice/inbox", doc.Inbox)
	assert.Equal(t, "https://"+testDomain+"/inbox", doc.Endpoints.SharedInbox)
	assert.Equal(t, doc.ID+"#main-key", doc.PublicKey.ID)
	assert.Contains(t, doc.PublicKey.PublicKeyPem, "BEGIN PUBLIC KEY")
	assert.NotContains(t, w.Body.String(), "PRIVATE")

	byID := ts.do(http.MethodGet, "/actors/1", "", nil)
	require.Equal(t, http.StatusOK, byID.Code)
	assert.JSONEq(t, w.Body.String(), byID.Body.String())
}

func TestActorNotFound(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/users/nobody", "/actors/42", "/actors/abc", "/users/blog"} {
		w := ts.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)

		var body domain.ErrorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, domain.TextCodeNotFound, body.Code, path)
	}
}

func TestFollowingIsEmpty(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/users/alice/following", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"@context":"https://www.w3.org/ns/activitystreams",
		"id":"https://local.example/users/alice/following","type":"OrderedCollection","totalItems":0}`, w.Body.String())
}
