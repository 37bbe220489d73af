package web

import (
	"context"
	"net/http"
	"testing"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventHeader = map[string]string{
	"Content-Type":  "application/json",
	"Authorization": "Bearer " + testToken,
}

const createEvent = `{
	"type": "create",
	"item": {
		"id": 7,
		"authorId": 1,
		"title": "Hello",
		"body": "<p>Hello fediverse</p>",
		"permalink": "https://local.example/hello/",
		"tags": ["go"],
		"published": "2024-05-01T10:00:00Z"
	},
	"media": [{"id": 3, "url": "https://local.example/uploads/a.png", "mediaType": "image/png"}]
}`

func TestEventStoresPayloadAndQueues(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/events", createEvent, eventHeader)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"queued":true}`, w.Body.String())

	item, err := ts.db.ReadContentItem(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Hello", item.Title)
	assert.Equal(t, domain.KindPost, item.Kind)
	assert.Equal(t, domain.StatusPublish, item.Status)
	assert.Equal(t, []string{"go"}, item.Tags)
}

func TestEventAuthorization(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/events", createEvent, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/events", createEvent, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := ts.db.ReadContentItem(context.Background(), 7)
	assert.True(t, domain.IsNotFound(err))
}

func TestEventEndpointDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(c *util.AppConfig) { c.Events.Token = "" })

	w := ts.do(http.MethodPost, "/events", createEvent, eventHeader)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		code  string
		param string
	}{
		{"unknown type", `{"type":"publish","itemId":1}`, "INVALID_PARAM", "body"},
		{"missing type", `{"itemId":1}`, "INVALID_PARAM", "body"},
		{"bad item status", `{"type":"create","item":{"id":1,"status":"pending"}}`, "INVALID_PARAM", "body"},
		{"missing item id", `{"type":"update"}`, "MISSING_PARAM", "itemId"},
		{"delete user without id", `{"type":"delete_user"}`, "MISSING_PARAM", "userId"},
	}

	ts := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/events", tt.body, eventHeader)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			body := decodeError(t, w.Body.Bytes())
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, []string{tt.param}, body.Data.Params)
		})
	}
}

func TestEventQueueFull(t *testing.T) {
	ts := newTestServer(t, func(c *util.AppConfig) { c.Events.QueueSize = 1 })

	w := ts.do(http.MethodPost, "/events", `{"type":"update","itemId":1}`, eventHeader)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(http.MethodPost, "/events", `{"type":"update","itemId":2}`, eventHeader)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "QUEUE_FULL", decodeError(t, w.Body.Bytes()).Code)
}

func TestEventDeleteUser(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/events", `{"type":"delete_user","userId":1}`, eventHeader)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/users/alice", "", nil).Code)
}
