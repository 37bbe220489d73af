package activitypub

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const draftContent = "(This post is being modified)"

// ObjectTypeSelector decides which ActivityStreams type a content item becomes.
type ObjectTypeSelector interface {
	SelectType(item *domain.ContentItem) domain.ObjectType
}

// FixedTypeSelector always returns the same type.
type FixedTypeSelector struct {
	Type domain.ObjectType
}

func (s FixedTypeSelector) SelectType(*domain.ContentItem) domain.ObjectType { return s.Type }

// AutoTypeSelector makes short or untitled items Notes, standard posts Articles and
// pages Pages.
type AutoTypeSelector struct {
	NoteLength int
}

func (s AutoTypeSelector) SelectType(item *domain.ContentItem) domain.ObjectType {
	if strings.TrimSpace(item.Title) == "" {
		return domain.ObjectNote
	}
	if utf8.RuneCountInString(StripTags(item.Body)) <= s.NoteLength {
		return domain.ObjectNote
	}
	switch item.Kind {
	case domain.KindPost:
		if item.Format == "" || item.Format == "standard" {
			return domain.ObjectArticle
		}
		return domain.ObjectNote
	case domain.KindPage:
		return domain.ObjectPage
	}
	return domain.ObjectArticle
}

// Transformer turns content items into ActivityStreams objects.
type Transformer struct {
	conf      *util.AppConfig
	registry  *Registry
	content   ContentProvider
	types     ObjectTypeSelector
	mentions  MentionExtractor
	templater ContentTemplater
	locale    *LocaleResolver
}

type TransformerOption func(*Transformer)

func WithTypeSelector(s ObjectTypeSelector) TransformerOption {
	return func(t *Transformer) { t.types = s }
}

func WithMentionExtractor(m MentionExtractor) TransformerOption {
	return func(t *Transformer) { t.mentions = m }
}

func WithTemplater(c ContentTemplater) TransformerOption {
	return func(t *Transformer) { t.templater = c }
}

func NewTransformer(conf *util.AppConfig, registry *Registry, content ContentProvider, opts ...TransformerOption) *Transformer {
	t := &Transformer{
		conf:      conf,
		registry:  registry,
		content:   content,
		mentions:  NewWebfingerMentionExtractor(conf),
		templater: NewShortcodeTemplater(conf),
		locale:    NewLocaleResolver(conf),
	}
	if conf.Conf.ObjectType == util.ObjectTypeNote {
		t.types = FixedTypeSelector{Type: domain.ObjectNote}
	} else {
		t.types = AutoTypeSelector{NoteLength: conf.Conf.NoteLength}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ObjectID is the stable id of an item. Items published before the id scheme changed
// keep their permalink.
func (t *Transformer) ObjectID(item *domain.ContentItem) string {
	if item.Id <= t.conf.Conf.LegacyPermalinkMaxID && item.Permalink != "" {
		return item.Permalink
	}
	return fmt.Sprintf("https://%s/?p=%d", t.conf.Conf.SslDomain, item.Id)
}

// Transform builds the object for item as published by actor.
func (t *Transformer) Transform(ctx context.Context, item *domain.ContentItem, actor *domain.Actor) (*domain.Object, error) {
	objType := t.types.SelectType(item)
	actorURI := t.registry.URI(actor)

	obj, err := domain.NewObject(objType, t.ObjectID(item), actorURI)
	if err != nil {
		return nil, err
	}
	obj.URL = item.Permalink
	if obj.URL == "" {
		obj.URL = obj.ID
	}

	bodyHTML, err := BodyHTML(item)
	if err != nil {
		return nil, err
	}

	draft := item.Status == domain.StatusDraft
	if draft {
		obj.Content = draftContent
	} else {
		rendered := t.templater.Render(t.templater.Template(item, objType), item, bodyHTML)
		obj.Content = t.limitContent(CleanContent(Autop(rendered)), item, bodyHTML)
	}

	if objType != domain.ObjectNote {
		obj.Name = item.Title
		obj.Summary = Excerpt(item, bodyHTML, t.conf.Conf.ExcerptLength)
	}
	if item.ContentWarning != "" {
		obj.Sensitive = true
		obj.Summary = item.ContentWarning
	}

	lang := t.locale.Resolve(item.Locale, StripTags(bodyHTML))
	obj.ContentMap = map[string]string{lang: obj.Content}
	if obj.Name != "" {
		obj.NameMap = map[string]string{lang: obj.Name}
	}
	if obj.Summary != "" {
		obj.SummaryMap = map[string]string{lang: obj.Summary}
	}

	for _, tag := range item.Tags {
		if name := HashtagName(tag); name != "" {
			obj.Tag = append(obj.Tag, domain.Tag{Type: "Hashtag", Href: TagURI(t.conf, TagSlug(tag)), Name: "#" + name})
		}
	}
	var mentioned []string
	if t.mentions != nil && !draft {
		mentions, err := t.mentions.ExtractMentions(ctx, bodyHTML)
		if err != nil {
			log.Warn().Err(err).Int64("item", item.Id).Msg("Transformer: mention extraction failed")
		}
		for _, m := range mentions {
			obj.Tag = append(obj.Tag, m)
			mentioned = append(mentioned, m.Href)
		}
	}

	t.address(obj, item, actorURI, lo.Uniq(mentioned))

	if !draft {
		obj.Attachment = t.attachments(ctx, item)
	}
	obj.InReplyTo = replyTarget(item.Body)

	if t.conf.Conf.ActorMode == util.ActorModeActorBlog && !actor.IsBlog() {
		obj.Audience = ActorURI(t.conf, t.conf.Blog.Identifier)
	}

	obj.Published = item.Published.UTC().Truncate(time.Second)
	if modified := item.Modified.UTC().Truncate(time.Second); modified.After(obj.Published) {
		obj.Updated = &modified
	}
	return obj, nil
}

// address routes the object according to its visibility. Local content gets empty
// to and cc, which makes the dispatcher skip delivery.
func (t *Transformer) address(obj *domain.Object, item *domain.ContentItem, actorURI string, mentioned []string) {
	visibility := item.Visibility
	if visibility == "" {
		visibility = domain.Visibility(t.conf.Conf.DefaultVisibility)
	}
	followers := FollowersURI(actorURI)

	switch visibility {
	case domain.VisibilityLocal:
		obj.To = []string{}
		obj.CC = []string{}
	case domain.VisibilityQuietPublic:
		obj.To = []string{followers}
		obj.CC = append([]string{domain.PublicAddress}, mentioned...)
	default:
		obj.To = []string{domain.PublicAddress}
		obj.CC = append([]string{followers}, mentioned...)
	}
}

// limitContent enforces maxContentLength: an over-long body is replaced by its excerpt
// and a link, and cut by runes if still too long.
func (t *Transformer) limitContent(content string, item *domain.ContentItem, bodyHTML string) string {
	max := t.conf.Conf.MaxContentLength
	if max <= 0 || utf8.RuneCountInString(content) <= max {
		return content
	}
	short := "<p>" + html.EscapeString(Excerpt(item, bodyHTML, t.conf.Conf.ExcerptLength)) + "</p>"
	if item.Permalink != "" {
		short += fmt.Sprintf(`<p><a href="%s">%s</a></p>`, html.EscapeString(item.Permalink), html.EscapeString(item.Permalink))
	}
	if utf8.RuneCountInString(short) <= max {
		return short
	}
	return string([]rune(short)[:max])
}

var replyBlockRe = regexp.MustCompile(`<!--\s+wp:activitypub/reply\s+(\{.*?\})\s*/?-->`)

func replyTarget(body string) string {
	m := replyBlockRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	var attrs struct {
		URL string `json:"url"`
	}
	if err := json.UnmarshalFromString(m[1], &attrs); err != nil {
		return ""
	}
	return attrs.URL
}
