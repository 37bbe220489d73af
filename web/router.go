package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP surface: inboxes, actor documents, collections, WebFinger and the
// host event endpoint.
type Server struct {
	conf       *util.AppConfig
	db         *db.DB
	registry   *activitypub.Registry
	followers  *activitypub.FollowerStore
	inbox      *activitypub.InboxProcessor
	dispatcher *activitypub.Dispatcher
	engine     *gin.Engine
}

func NewServer(conf *util.AppConfig, database *db.DB, registry *activitypub.Registry, followers *activitypub.FollowerStore,
	inbox *activitypub.InboxProcessor, dispatcher *activitypub.Dispatcher) *Server {
	s := &Server{
		conf:       conf,
		db:         database,
		registry:   registry,
		followers:  followers,
		inbox:      inbox,
		dispatcher: dispatcher,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	// Stricter rate limit for inboxes: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	inbox := []gin.HandlerFunc{
		RateLimitMiddleware(apLimiter),
		MaxBytesMiddleware(s.conf.Inbox.MaxBodyBytes),
		ActivityContentTypeMiddleware(),
	}
	g.POST("/inbox", append(inbox, s.handleSharedInbox)...)
	g.POST("/users/:username/inbox", append(inbox, s.handleActorInbox)...)
	g.POST("/actors/:id/inbox", append(inbox, s.handleActorInbox)...)

	for _, prefix := range []string{"/users/:username", "/actors/:id"} {
		actor := g.Group(prefix)
		actor.GET("", s.handleActor)
		actor.GET("/followers", s.handleFollowers)
		actor.GET("/following", s.handleFollowing)
		actor.GET("/outbox", s.handleOutbox)
		actor.GET("/feed", s.handleFeed)
	}

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.POST("/events", BearerTokenMiddleware(s.conf.Events.Token), MaxBytesMiddleware(s.conf.Inbox.MaxBodyBytes), s.handleEvents)

	return g
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
