package web

import (
	"net/http"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.acceptInbox(c, "")
}

// handleActorInbox serves both /users/:username/inbox and /actors/:id/inbox.
func (s *Server) handleActorInbox(c *gin.Context) {
	target := c.Param("username")
	if target == "" {
		target = c.Param("id")
	}
	s.acceptInbox(c, target)
}

func (s *Server) acceptInbox(c *gin.Context, target string) {
	body, err := c.GetRawData()
	if err != nil {
		if isBodyTooLarge(err) {
			abortTooLarge(c)
			return
		}
		renderError(c, domain.InvalidParam("body", "unreadable request body"))
		return
	}

	err = s.inbox.Accept(c.Request.Context(), &activitypub.InboundRequest{
		Request:        c.Request,
		Body:           body,
		TargetUsername: target,
	})
	if err != nil {
		log.Info().Err(err).Str("target", target).Str("ip", c.ClientIP()).Msg("Inbox: rejected activity")
		renderError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
