package activitypub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// MentionExtractor finds @user@host mentions in content and resolves them to actors.
type MentionExtractor interface {
	ExtractMentions(ctx context.Context, content string) ([]domain.Tag, error)
}

var mentionRe = regexp.MustCompile(`(?:^|[\s>(])@([A-Za-z0-9_.\-]+)@([A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)+(?::[0-9]+)?)`)

// WebfingerMentionExtractor resolves mentions through the remote server's WebFinger.
type WebfingerMentionExtractor struct {
	client *http.Client
	scheme string
}

func NewWebfingerMentionExtractor(conf *util.AppConfig) *WebfingerMentionExtractor {
	return &WebfingerMentionExtractor{
		client: &http.Client{Timeout: conf.Federation.FetchTimeout},
		scheme: "https",
	}
}

type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

func (w *WebfingerMentionExtractor) ExtractMentions(ctx context.Context, content string) ([]domain.Tag, error) {
	matches := mentionRe.FindAllStringSubmatch(StripTags(content), -1)
	handles := lo.Uniq(lo.Map(matches, func(m []string, _ int) string { return m[1] + "@" + m[2] }))

	var tags []domain.Tag
	for _, handle := range handles {
		href, err := w.lookup(ctx, handle)
		if err != nil {
			log.Debug().Err(err).Str("mention", handle).Msg("Mentions: webfinger lookup failed")
			continue
		}
		tags = append(tags, domain.Tag{Type: "Mention", Href: href, Name: "@" + handle})
	}
	return tags, nil
}

func (w *WebfingerMentionExtractor) lookup(ctx context.Context, handle string) (string, error) {
	_, host, _ := strings.Cut(handle, "@")
	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", w.scheme, host, url.QueryEscape("acct:"+handle))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocument))
	if err != nil {
		return "", err
	}
	var jrd webfingerResponse
	if err := json.Unmarshal(raw, &jrd); err != nil {
		return "", err
	}
	for _, l := range jrd.Links {
		if l.Rel == "self" && (l.Type == domain.ActivityContentType || l.Type == domain.LinkedDataContentType) {
			return l.Href, nil
		}
	}
	return "", fmt.Errorf("no actor link for %s", handle)
}
