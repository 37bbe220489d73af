package activitypub

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/deemkeen/fedcore/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/net/html"
)

var mediaBlockRe = regexp.MustCompile(`<!--\s+wp:(image|cover|audio|video|gallery|jetpack/[a-z\-]+)\s+(\{.*?\})\s*/?-->`)
var resizedSuffixRe = regexp.MustCompile(`-\d+x\d+$`)

type mediaBlockAttrs struct {
	ID  int64   `json:"id"`
	IDs []int64 `json:"ids"`
}

// attachments collects media in this order: thumbnail, enclosures, block media, classic
// images. The result is deduplicated by media id, narrowed to the preferred media type
// when that type is present, and cut to maxAttachments.
func (t *Transformer) attachments(ctx context.Context, item *domain.ContentItem) []domain.Attachment {
	max := t.conf.Conf.MaxAttachments
	if max <= 0 {
		return []domain.Attachment{}
	}

	var media []domain.Media
	add := func(m *domain.Media, err error) {
		if err != nil {
			if !domain.IsNotFound(err) {
				log.Warn().Err(err).Int64("item", item.Id).Msg("Transformer: media lookup failed")
			}
			return
		}
		media = append(media, *m)
	}

	if item.ThumbnailId > 0 {
		add(t.content.Media(ctx, item.ThumbnailId))
	}

	for _, enc := range item.Enclosures {
		if m, err := t.content.MediaByURL(ctx, enc.URL); err == nil {
			media = append(media, *m)
			continue
		}
		media = append(media, domain.Media{URL: enc.URL, MediaType: enc.MediaType})
	}

	for _, id := range blockMediaIDs(item.Body) {
		add(t.content.Media(ctx, id))
	}

	if countKind(media, "image") < max {
		for _, src := range classicImageSources(item.Body, t.conf.Conf.UploadsBaseURL) {
			add(t.mediaByUploadURL(ctx, src))
		}
	}

	media = lo.UniqBy(media, func(m domain.Media) string {
		if m.Id > 0 {
			return fmt.Sprintf("id:%d", m.Id)
		}
		return "url:" + m.URL
	})

	if preferred := t.preferredMediaType(item); preferred != "" && countKind(media, preferred) > 0 {
		media = lo.Filter(media, func(m domain.Media, _ int) bool { return m.Kind() == preferred })
	}

	if len(media) > max {
		media = media[:max]
	}
	return lo.Map(media, func(m domain.Media, _ int) domain.Attachment { return toAttachment(m) })
}

func (t *Transformer) preferredMediaType(item *domain.ContentItem) string {
	if t.conf.Conf.PreferredMediaType != "" {
		return t.conf.Conf.PreferredMediaType
	}
	switch item.Format {
	case "image", "audio", "video":
		return item.Format
	}
	return ""
}

func toAttachment(m domain.Media) domain.Attachment {
	if m.Kind() == "image" {
		return domain.Attachment{Type: "Image", URL: m.URL, MediaType: m.MediaType, Name: m.Alt}
	}
	name := m.Title
	if name == "" {
		name = m.Alt
	}
	return domain.Attachment{Type: "Document", URL: m.URL, MediaType: m.MediaType, Name: name, Width: m.Width, Height: m.Height}
}

func countKind(media []domain.Media, kind string) int {
	return lo.CountBy(media, func(m domain.Media) bool { return m.Kind() == kind })
}

// blockMediaIDs reads media ids from block comments, in document order.
func blockMediaIDs(body string) []int64 {
	var ids []int64
	for _, m := range mediaBlockRe.FindAllStringSubmatch(body, -1) {
		var attrs mediaBlockAttrs
		if err := json.UnmarshalFromString(m[2], &attrs); err != nil {
			continue
		}
		if attrs.ID > 0 {
			ids = append(ids, attrs.ID)
		}
		ids = append(ids, attrs.IDs...)
	}
	return ids
}

// classicImageSources returns <img src> values that live under the uploads directory.
func classicImageSources(body, uploadsBaseURL string) []string {
	if uploadsBaseURL == "" {
		return nil
	}
	var sources []string
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return sources
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		if tok.Data != "img" {
			continue
		}
		for _, attr := range tok.Attr {
			if attr.Key == "src" && strings.HasPrefix(attr.Val, uploadsBaseURL) {
				sources = append(sources, attr.Val)
			}
		}
	}
}

// mediaByUploadURL tries the URL as is, then without a -WxH size suffix, then with the
// -scaled suffix large originals get.
func (t *Transformer) mediaByUploadURL(ctx context.Context, src string) (*domain.Media, error) {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	ext := path.Ext(src)
	base := strings.TrimSuffix(src, ext)
	original := resizedSuffixRe.ReplaceAllString(base, "")

	candidates := lo.Uniq([]string{src, original + ext, original + "-scaled" + ext})
	var lastErr error
	for _, candidate := range candidates {
		m, err := t.content.MediaByURL(ctx, candidate)
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
