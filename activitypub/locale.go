package activitypub

import (
	"strings"

	"github.com/deemkeen/fedcore/util"
	"github.com/pemistahl/lingua-go"
	"github.com/rs/zerolog/log"
)

const fallbackLocale = "en"

// LocaleResolver picks the language key of contentMap/nameMap/summaryMap.
type LocaleResolver struct {
	configured string
	detector   lingua.LanguageDetector
}

func NewLocaleResolver(conf *util.AppConfig) *LocaleResolver {
	l := &LocaleResolver{configured: NormalizeLocale(conf.Conf.Locale)}
	if !conf.Conf.DetectLanguage {
		return l
	}

	wanted := make(map[string]bool, len(conf.Conf.Languages))
	for _, code := range conf.Conf.Languages {
		wanted[NormalizeLocale(code)] = true
	}
	var languages []lingua.Language
	for _, lang := range lingua.AllLanguages() {
		if wanted[strings.ToLower(lang.IsoCode639_1().String())] {
			languages = append(languages, lang)
		}
	}

	// the detector needs at least two candidates
	if len(languages) < 2 {
		log.Warn().Strs("languages", conf.Conf.Languages).Msg("Locale: need at least two languages for detection, disabled")
		return l
	}
	l.detector = lingua.NewLanguageDetectorBuilder().FromLanguages(languages...).Build()
	return l
}

// Resolve returns the item locale, else the configured locale, else the detected
// language of text, else "en".
func (l *LocaleResolver) Resolve(itemLocale, text string) string {
	if loc := NormalizeLocale(itemLocale); loc != "" {
		return loc
	}
	if l.configured != "" {
		return l.configured
	}
	if l.detector != nil && strings.TrimSpace(text) != "" {
		if lang, ok := l.detector.DetectLanguageOf(text); ok {
			return strings.ToLower(lang.IsoCode639_1().String())
		}
	}
	return fallbackLocale
}

// NormalizeLocale reduces "de_DE" or "pt-BR" to the lowercase primary subtag.
func NormalizeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, "_-"); i >= 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}
