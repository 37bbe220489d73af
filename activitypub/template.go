package activitypub

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// ContentTemplater builds the content of an object from a template of shortcodes.
type ContentTemplater interface {
	Template(item *domain.ContentItem, t domain.ObjectType) string
	Render(tpl string, item *domain.ContentItem, bodyHTML string) string
}

// ShortcodeTemplater understands [ap_title], [ap_content], [ap_excerpt], [ap_permalink],
// [ap_shortlink] and [ap_hashtags], each optionally with type="html".
type ShortcodeTemplater struct {
	conf *util.AppConfig
}

func NewShortcodeTemplater(conf *util.AppConfig) *ShortcodeTemplater {
	return &ShortcodeTemplater{conf: conf}
}

// Template picks the template for the object type. In auto mode it is derived, in note
// mode the configured one is used.
func (s *ShortcodeTemplater) Template(item *domain.ContentItem, t domain.ObjectType) string {
	if s.conf.Conf.ObjectType == util.ObjectTypeNote {
		if s.conf.Conf.ContentTemplate != "" {
			return s.conf.Conf.ContentTemplate
		}
		return util.DefaultContentTemplate
	}
	if t == domain.ObjectNote && strings.TrimSpace(item.Title) != "" {
		return "[ap_title type=\"html\"]\n\n[ap_content]"
	}
	return "[ap_content]"
}

var shortcodeRe = regexp.MustCompile(`\[(ap_[a-z]+)((?:\s+[a-z_]+="[^"]*")*)\s*\]`)
var shortcodeAttrRe = regexp.MustCompile(`([a-z_]+)="([^"]*)"`)

func (s *ShortcodeTemplater) Render(tpl string, item *domain.ContentItem, bodyHTML string) string {
	return shortcodeRe.ReplaceAllStringFunc(tpl, func(match string) string {
		parts := shortcodeRe.FindStringSubmatch(match)
		asHTML := false
		for _, attr := range shortcodeAttrRe.FindAllStringSubmatch(parts[2], -1) {
			if attr[1] == "type" && attr[2] == "html" {
				asHTML = true
			}
		}

		switch parts[1] {
		case "ap_title":
			if item.Title == "" {
				return ""
			}
			if asHTML {
				return "<h2>" + html.EscapeString(item.Title) + "</h2>"
			}
			return html.EscapeString(item.Title)
		case "ap_content":
			return bodyHTML
		case "ap_excerpt":
			excerpt := Excerpt(item, bodyHTML, s.conf.Conf.ExcerptLength)
			if asHTML {
				return "<p>" + html.EscapeString(excerpt) + "</p>"
			}
			return html.EscapeString(excerpt)
		case "ap_permalink":
			return link(item.Permalink, asHTML)
		case "ap_shortlink":
			if item.Shortlink != "" {
				return link(item.Shortlink, asHTML)
			}
			return link(item.Permalink, asHTML)
		case "ap_hashtags":
			return s.hashtags(item, asHTML)
		}
		return match
	})
}

func link(u string, asHTML bool) string {
	if u == "" {
		return ""
	}
	if asHTML {
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(u), html.EscapeString(u))
	}
	return u
}

func (s *ShortcodeTemplater) hashtags(item *domain.ContentItem, asHTML bool) string {
	tags := make([]string, 0, len(item.Tags))
	for _, tag := range item.Tags {
		name := HashtagName(tag)
		if name == "" {
			continue
		}
		if asHTML {
			tags = append(tags, fmt.Sprintf(`<a rel="tag" class="hashtag u-tag u-category" href="%s">#%s</a>`,
				html.EscapeString(TagURI(s.conf, TagSlug(tag))), html.EscapeString(name)))
		} else {
			tags = append(tags, "#"+name)
		}
	}
	return strings.Join(tags, " ")
}

// HashtagName camel-cases a tag: "open source" becomes "OpenSource".
func HashtagName(tag string) string {
	words := strings.FieldsFunc(tag, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '#'
	})
	var b strings.Builder
	for _, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(w[size:])
	}
	return b.String()
}

// TagSlug is the path segment of a tag page.
func TagSlug(tag string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimPrefix(tag, "#"))), "-")
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

// BodyHTML renders the item body to HTML. Block comments are removed after media
// references have been read from them.
func BodyHTML(item *domain.ContentItem) (string, error) {
	body := item.Body
	if item.BodyFormat == "markdown" {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(body), &buf); err != nil {
			return "", fmt.Errorf("rendering markdown: %w", err)
		}
		body = buf.String()
	}
	return htmlCommentRe.ReplaceAllString(body, ""), nil
}

var htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
var blankLineRe = regexp.MustCompile(`\n\s*\n`)
var blockTagRe = regexp.MustCompile(`(?i)^<(p|div|h[1-6]|ul|ol|li|blockquote|pre|figure|table|hr|section|article|aside|audio|video|iframe)[\s>/]`)

// Autop wraps loose text blocks in paragraphs and turns single newlines inside them into
// line breaks. Blocks that already start with a block-level tag are left alone.
func Autop(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range blankLineRe.Split(text, -1) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if blockTagRe.MatchString(block) {
			out = append(out, block)
			continue
		}
		out = append(out, "<p>"+strings.ReplaceAll(block, "\n", "<br />")+"</p>")
	}
	return strings.Join(out, "\n")
}

// CleanContent removes newlines, tabs and other control characters and trims the result.
func CleanContent(content string) string {
	content = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)
	return strings.TrimSpace(content)
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// StripTags returns the visible text of an HTML fragment.
func StripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, " ")))
}

// Excerpt returns the item's own excerpt or the first length runes of its text.
func Excerpt(item *domain.ContentItem, bodyHTML string, length int) string {
	if item.Excerpt != "" {
		return item.Excerpt
	}
	text := strings.Join(strings.Fields(StripTags(bodyHTML)), " ")
	return truncateRunes(text, length, "…")
}

func truncateRunes(s string, max int, ellipsis string) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max])) + ellipsis
}
