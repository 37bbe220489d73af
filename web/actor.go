package web

import (
	"net/http"
	"strconv"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
)

// localActor resolves the :username or :id path parameter.
func (s *Server) localActor(c *gin.Context) (*domain.Actor, error) {
	if id := c.Param("id"); id != "" {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, domain.NotFound("actor %s", id)
		}
		return s.registry.ResolveID(c.Request.Context(), n)
	}
	return s.registry.Resolve(c.Request.Context(), c.Param("username"))
}

func (s *Server) handleActor(c *gin.Context) {
	actor, err := s.localActor(c)
	if err != nil {
		renderError(c, err)
		return
	}
	obj, err := s.registry.ActorObject(c.Request.Context(), actor)
	if err != nil {
		renderError(c, err)
		return
	}
	renderActivity(c, http.StatusOK, obj)
}

// handleFollowing serves an empty collection; local actors follow nobody.
func (s *Server) handleFollowing(c *gin.Context) {
	actor, err := s.localActor(c)
	if err != nil {
		renderError(c, err)
		return
	}
	renderActivity(c, http.StatusOK, domain.OrderedCollection{
		Context:    domain.ActivityStreamsContext,
		ID:         activitypub.FollowingURI(s.registry.URI(actor)),
		Type:       "OrderedCollection",
		TotalItems: 0,
	})
}
