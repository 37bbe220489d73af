package activitypub

import (
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
)

const testDomain = "local.example"

type testEnv struct {
	conf        *util.AppConfig
	db          *db.DB
	content     ContentProvider
	registry    *Registry
	actors      *RemoteActors
	followers   *FollowerStore
	transformer *Transformer
	dispatcher  *Dispatcher
}

// newTestEnv wires every component against a fresh database with one publishing user,
// alice (id 1).
func newTestEnv(t *testing.T, configure ...func(*util.AppConfig)) *testEnv {
	t.Helper()
	ctx := context.Background()

	conf := util.DefaultConf()
	conf.Conf.SslDomain = testDomain
	conf.Conf.ActorMode = util.ActorModeActor
	conf.Inbox.Async = false
	for _, c := range configure {
		c(conf)
	}

	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	migrator := db.NewMigrator(d, db.NewSQLiteLocker(d), time.Minute)
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	if err := d.UpsertUser(ctx, &domain.User{Id: 1, Login: "alice", DisplayName: "Alice", CanPublish: true}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	content := NewDBContentProvider(d)
	registry := NewRegistry(conf, d, content)
	registry.keyBits = 1024
	actors, err := NewRemoteActors(conf, d)
	if err != nil {
		t.Fatalf("Failed to create actor cache: %v", err)
	}
	followers := NewFollowerStore(conf, d, actors)
	transformer := NewTransformer(conf, registry, content, WithMentionExtractor(nil))

	return &testEnv{
		conf:        conf,
		db:          d,
		content:     content,
		registry:    registry,
		actors:      actors,
		followers:   followers,
		transformer: transformer,
		dispatcher:  NewDispatcher(conf, d, migrator, registry, content, transformer, followers, actors),
	}
}

// remoteServer plays a remote instance: it serves actor documents and records every
// POST it receives.
type remoteServer struct {
	*httptest.Server

	mu       sync.Mutex
	keys     map[string]*rsa.PrivateKey
	received map[string][]string
}

func newRemoteServer(t *testing.T, usernames ...string) *remoteServer {
	t.Helper()
	rs := &remoteServer{keys: map[string]*rsa.PrivateKey{}, received: map[string][]string{}}
	pems := map[string]string{}
	for _, name := range usernames {
		pair, err := util.GeneratePemKeypair(1024)
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		key, err := ParsePrivateKey(pair.Private)
		if err != nil {
			t.Fatalf("Failed to parse key: %v", err)
		}
		rs.keys[name] = key
		pems[name] = pair.Public
	}

	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			rs.mu.Lock()
			rs.received[r.URL.Path] = append(rs.received[r.URL.Path], string(body))
			rs.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", domain.ActivityContentType)
		if name, ok := strings.CutPrefix(r.URL.Path, "/keys/"); ok {
			if _, found := pems[name]; !found {
				http.NotFound(w, r)
				return
			}
			// standalone key document, as some servers publish
			body, _ := json.Marshal(map[string]interface{}{
				"id":           rs.URL + r.URL.Path,
				"type":         "Key",
				"owner":        rs.actorURI(name),
				"publicKeyPem": pems[name],
			})
			w.Write(body)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/users/")
		pem, ok := pems[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		uri := rs.URL + "/users/" + name
		actorType := "Person"
		if name == "instance" {
			actorType = "Application"
		}
		body, _ := json.Marshal(map[string]interface{}{
			"@context":          domain.ActivityStreamsContext,
			"id":                uri,
			"type":              actorType,
			"preferredUsername": name,
			"inbox":             uri + "/inbox",
			"endpoints":         map[string]string{"sharedInbox": rs.URL + "/inbox"},
			"publicKey": map[string]string{
				"id":           uri + "#main-key",
				"owner":        uri,
				"publicKeyPem": pem,
			},
		})
		w.Write(body)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *remoteServer) actorURI(name string) string {
	return rs.URL + "/users/" + name
}

func (rs *remoteServer) posts(path string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.received[path]...)
}

// signedInboxRequest builds a POST to a local inbox signed by the remote user.
func (rs *remoteServer) signedInboxRequest(t *testing.T, name, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://"+testDomain+path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", domain.ActivityContentType)
	if err := SignRequest(req, rs.keys[name], rs.actorURI(name)+"#main-key", body); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}
