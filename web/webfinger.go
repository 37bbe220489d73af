package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type WebfingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []WebfingerLink `json:"links"`
}

func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		renderError(c, domain.MissingParam("resource"))
		return
	}
	resp, err := s.GetWebfinger(c.Request.Context(), resource)
	if err != nil {
		renderError(c, err)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/jrd+json; charset=utf-8", body)
}

// GetWebfinger answers acct:user@host as well as actor URIs of local actors.
func (s *Server) GetWebfinger(ctx context.Context, resource string) (*WebfingerResponse, error) {
	if strings.HasPrefix(resource, "acct:") && !strings.Contains(resource, "@") {
		return nil, domain.InvalidParam("resource", "expected acct:user@host")
	}
	actor, err := s.registry.Resolve(ctx, resource)
	if err != nil {
		return nil, err
	}

	actorURI := s.registry.URI(actor)
	profile := actor.ProfileURL
	if profile == "" {
		profile = actorURI
	}
	return &WebfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", actor.Username, s.conf.Conf.SslDomain),
		Aliases: lo.Uniq([]string{actorURI, profile}),
		Links: []WebfingerLink{
			{Rel: "self", Type: domain.ActivityContentType, Href: actorURI},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: profile},
			{Rel: "http://ostatus.org/schema/1.0/subscribe", Template: fmt.Sprintf("https://%s/interactions?uri={uri}", s.conf.Conf.SslDomain)},
		},
	}, nil
}
