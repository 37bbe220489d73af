package web

import (
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-gonic/gin"
)

const (
	testDomain = "local.example"
	testToken  = "s3cret"
)

type testServer struct {
	conf       *util.AppConfig
	db         *db.DB
	followers  *activitypub.FollowerStore
	dispatcher *activitypub.Dispatcher
	server     *Server
}

func newTestServer(t *testing.T, configure ...func(*util.AppConfig)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	conf := util.DefaultConf()
	conf.Conf.SslDomain = testDomain
	conf.Conf.ActorMode = util.ActorModeActor
	conf.Inbox.Async = false
	conf.Events.Token = testToken
	for _, c := range configure {
		c(conf)
	}

	d, err := db.Open(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	migrator := db.NewMigrator(d, db.NewSQLiteLocker(d), time.Minute)
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	err = d.UpsertUser(ctx, &domain.User{
		Id:          1,
		Login:       "alice",
		DisplayName: "Alice",
		Bio:         "writes things",
		ProfileURL:  "https://" + testDomain + "/author/alice",
		CanPublish:  true,
	})
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	content := activitypub.NewDBContentProvider(d)
	registry := activitypub.NewRegistry(conf, d, content)
	actors, err := activitypub.NewRemoteActors(conf, d)
	if err != nil {
		t.Fatalf("Failed to create actor cache: %v", err)
	}
	followers := activitypub.NewFollowerStore(conf, d, actors)
	transformer := activitypub.NewTransformer(conf, registry, content, activitypub.WithMentionExtractor(nil))
	dispatcher := activitypub.NewDispatcher(conf, d, migrator, registry, content, transformer, followers, actors)
	inbox := activitypub.NewInboxProcessor(conf, d, registry, followers, dispatcher, actors,
		activitypub.NewVerifier(actors, time.Hour))

	return &testServer{
		conf:       conf,
		db:         d,
		followers:  followers,
		dispatcher: dispatcher,
		server:     NewServer(conf, d, registry, followers, inbox, dispatcher),
	}
}

func (ts *testServer) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "https://"+testDomain+target, r)
	req.RemoteAddr = "192.0.2.1:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

// remoteActor serves one actor document and signs requests with its key.
type remoteActor struct {
	*httptest.Server
	key *rsa.PrivateKey
}

func newRemoteActor(t *testing.T) *remoteActor {
	t.Helper()
	pair, err := util.GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	key, err := activitypub.ParsePrivateKey(pair.Private)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	ra := &remoteActor{key: key}
	ra.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		uri := ra.URI()
		body, _ := json.Marshal(map[string]interface{}{
			"@context":          domain.ActivityStreamsContext,
			"id":                uri,
			"type":              "Person",
			"preferredUsername": "bob",
			"inbox":             uri + "/inbox",
			"publicKey": map[string]string{
				"id":           uri + "#main-key",
				"owner":        uri,
				"publicKeyPem": pair.Public,
			},
		})
		w.Header().Set("Content-Type", domain.ActivityContentType)
		w.Write(body)
	}))
	t.Cleanup(ra.Close)
	return ra
}

func (ra *remoteActor) URI() string {
	return ra.URL + "/users/bob"
}

// signedPost runs a signed inbox POST through the server.
func (ra *remoteActor) signedPost(t *testing.T, ts *testServer, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://"+testDomain+target, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.2:1234"
	req.Header.Set("Content-Type", domain.ActivityContentType)
	if err := activitypub.SignRequest(req, ra.key, ra.URI()+"#main-key", []byte(body)); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}
