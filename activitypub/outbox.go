package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
)

// Sender performs signed POSTs on behalf of local actors.
type Sender struct {
	registry *Registry
	client   *http.Client
}

func NewSender(registry *Registry, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{}
	}
	return &Sender{registry: registry, client: client}
}

// SendActivity posts body to inboxURI signed with the key of actorID.
func (s *Sender) SendActivity(ctx context.Context, actorID int64, actorURI, inboxURI string, body []byte) error {
	privateKey, err := s.registry.PrivateKey(ctx, actorID)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", domain.ActivityContentType)
	req.Header.Set("Accept", domain.ActivityContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	if err := SignRequest(req, privateKey, KeyID(actorURI), body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	log.Debug().Str("inbox", inboxURI).Int("status", resp.StatusCode).Msg("Outbox: delivered")
	return nil
}

// SendAccept queues an Accept of follow addressed to the follower's inbox. Accepts are
// not listed in the outbox collection.
func (d *Dispatcher) SendAccept(ctx context.Context, actor *domain.Actor, follow map[string]interface{}, follower *domain.Follower) error {
	accept, err := d.builder.Accept(d.registry.URI(actor), follow, follower.ActorURI)
	if err != nil {
		return fmt.Errorf("building Accept: %w", err)
	}
	return d.deliver(ctx, actor, accept, "", []string{follower.InboxURI}, false)
}
