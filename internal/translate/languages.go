package translate

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Default language selection for a new session.
const (
	DefaultSourceLang = "en-US"
	DefaultTargetLang = "zh-TW"
)

// Language is one selectable source/target option.
type Language struct {
	Tag    string `json:"tag"`
	Label  string `json:"label"`
	Native string `json:"native"`
}

var supported = []struct {
	tag   language.Tag
	label string
}{
	{language.MustParse("en-US"), "English (US)"},
	{language.MustParse("es-ES"), "Spanish"},
	{language.MustParse("fr-FR"), "French"},
	{language.MustParse("de-DE"), "German"},
	{language.MustParse("zh-TW"), "Chinese (Traditional)"},
}

var matcher = func() language.Matcher {
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		tags = append(tags, s.tag)
	}
	return language.NewMatcher(tags)
}()

// Languages lists the supported options in display order.
func Languages() []Language {
	out := make([]Language, 0, len(supported))
	for _, s := range supported {
		out = append(out, Language{
			Tag:    s.tag.String(),
			Label:  s.label,
			Native: display.Self.Name(s.tag),
		})
	}
	return out
}

// CanonicalTag parses an IETF tag and returns the closest supported option.
// Unparseable tags are an error; parseable tags outside the supported set
// resolve to the nearest match the matcher is confident about.
func CanonicalTag(raw string) (string, error) {
	tag, err := language.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse language tag %q: %w", raw, err)
	}
	_, index, confidence := matcher.Match(tag)
	if confidence < language.High {
		return "", fmt.Errorf("language %q is not supported", raw)
	}
	return supported[index].tag.String(), nil
}
