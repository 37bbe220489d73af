package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const outboxPageSize = 20

func (s *Server) handleOutbox(c *gin.Context) {
	actor, err := s.localActor(c)
	if err != nil {
		renderError(c, err)
		return
	}
	out, err := s.GetOutbox(c.Request.Context(), actor, ParsePageParam(c.Query("page")))
	if err != nil {
		renderError(c, err)
		return
	}
	renderActivity(c, http.StatusOK, out)
}

// GetOutbox returns the collection root for page 0 and an OrderedCollectionPage of the
// dispatched activities, newest first, otherwise.
func (s *Server) GetOutbox(ctx context.Context, actor *domain.Actor, page int) (interface{}, error) {
	outboxURL := s.registry.URI(actor) + "/outbox"

	total, err := s.db.CountOutbox(ctx, actor.Id)
	if err != nil {
		return nil, fmt.Errorf("counting outbox of %s: %w", actor.Username, err)
	}
	last := (total + outboxPageSize - 1) / outboxPageSize
	if last < 1 {
		last = 1
	}

	if page == 0 {
		return &domain.OrderedCollection{
			Context:    domain.ActivityStreamsContext,
			ID:         outboxURL,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      fmt.Sprintf("%s?page=1", outboxURL),
			Last:       fmt.Sprintf("%s?page=%d", outboxURL, last),
		}, nil
	}

	items, err := s.db.ReadOutbox(ctx, actor.Id, outboxPageSize, (page-1)*outboxPageSize)
	if err != nil {
		return nil, fmt.Errorf("reading outbox page %d of %s: %w", page, actor.Username, err)
	}

	collectionPage := &domain.OrderedCollectionPage{
		Context:      domain.ActivityStreamsContext,
		ID:           fmt.Sprintf("%s?page=%d", outboxURL, page),
		Type:         "OrderedCollectionPage",
		PartOf:       outboxURL,
		TotalItems:   total,
		OrderedItems: make([]interface{}, 0, len(items)),
	}
	if page < last {
		collectionPage.Next = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		collectionPage.Prev = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}

	for _, item := range items {
		var activity map[string]interface{}
		if err := json.UnmarshalFromString(item.ActivityJSON, &activity); err != nil {
			log.Warn().Err(err).Str("activity", item.ActivityURI).Msg("Outbox: stored activity unreadable")
			continue
		}
		delete(activity, "@context")
		collectionPage.OrderedItems = append(collectionPage.OrderedItems, activity)
	}
	return collectionPage, nil
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
