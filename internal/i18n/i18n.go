// Package i18n renders the user-facing notices carried on session state.
package i18n

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed locales/active.*.toml
var localeFS embed.FS

var localeFiles = []string{
	"locales/active.en.toml",
	"locales/active.es.toml",
	"locales/active.fr.toml",
	"locales/active.de.toml",
	"locales/active.zh-TW.toml",
}

// Message IDs.
const (
	CapabilityUnavailable    = "capability_unavailable"
	TranslationServiceFailed = "translation_service_failed"
	TranslationFailedGeneric = "translation_failed_generic"
	TranscriptionError       = "transcription_error"
)

// Catalog wraps a go-i18n bundle loaded from the embedded locale files.
type Catalog struct {
	bundle   *i18n.Bundle
	fallback language.Tag
	logger   *slog.Logger
}

// New loads every embedded locale. Messages missing in a requested locale
// fall back to defaultLocale, then to English.
func New(defaultLocale string, logger *slog.Logger) (*Catalog, error) {
	tag, err := language.Parse(defaultLocale)
	if err != nil {
		tag = language.English
	}
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	for _, file := range localeFiles {
		if _, err := bundle.LoadMessageFileFS(localeFS, file); err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return &Catalog{bundle: bundle, fallback: tag, logger: logger}, nil
}

// Localize renders id for locale. Unknown IDs render as the ID itself.
func (c *Catalog) Localize(locale, id string, data map[string]any) string {
	languages := make([]string, 0, 3)
	if locale != "" {
		languages = append(languages, locale)
	}
	languages = append(languages, c.fallback.String(), language.English.String())

	msg, err := i18n.NewLocalizer(c.bundle, languages...).Localize(&i18n.LocalizeConfig{
		MessageID:    id,
		TemplateData: data,
	})
	if err != nil {
		c.logger.Warn("localize failed", slog.String("id", id), slog.Any("locales", languages), slog.String("error", err.Error()))
		return id
	}
	return msg
}

// Printer is a Catalog bound to one locale.
type Printer struct {
	catalog *Catalog
	locale  string
}

// Printer returns a Printer for locale.
func (c *Catalog) Printer(locale string) Printer {
	return Printer{catalog: c, locale: locale}
}

func (p Printer) Message(id string, data map[string]any) string {
	return p.catalog.Localize(p.locale, id, data)
}
