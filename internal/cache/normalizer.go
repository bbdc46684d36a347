package cache

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cachevoice/cachevoice/internal/config"
)

// MiniMax TTS syntax. Stripped before every other stage so markers don't
// leak partial fragments into the key.
var (
	minimaxPauseRe        = regexp.MustCompile(`<#[0-9.]+#>`)
	minimaxInterjectionRe = regexp.MustCompile(`\([a-z_]+\)`)
	whitespaceRe          = regexp.MustCompile(`\s+`)
	digitRunRe            = regexp.MustCompile(`[0-9]+`)
)

// turkishLower folds case with Turkish dotted/dotless I rules. The generic
// strings.ToLower maps I to i, which merges keys that differ in Turkish.
// Casers are stateful, so one is built per call rather than shared.
func turkishLower(text string) string {
	return cases.Lower(language.Turkish).String(text)
}

var diacriticFold = strings.NewReplacer(
	"ç", "c", "ğ", "g", "ı", "i", "ö", "o", "ş", "s", "ü", "u",
)

// Normalize canonicalizes text into a cache lookup key. Deterministic and
// idempotent for any fixed config: Normalize(Normalize(t)) == Normalize(t).
func Normalize(text string, cfg config.NormalizeConfig) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if cfg.StripMinimax {
		text = minimaxPauseRe.ReplaceAllString(text, "")
		text = minimaxInterjectionRe.ReplaceAllString(text, "")
	}

	if cfg.Lowercase {
		text = turkishLower(text)
		text = diacriticFold.Replace(text)
	}

	if cfg.CollapseWhitespace {
		text = whitespaceRe.ReplaceAllString(text, " ")
	}

	if cfg.StripPunctuation {
		text = strings.Map(func(r rune) rune {
			// '#' survives so the digit placeholder stays stable across
			// repeated normalization.
			if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '#' || r == '_' {
				return r
			}
			return -1
		}, text)
		// Dropping punctuation between spaces ("a , b") leaves a double
		// space; collapse again so a second pass changes nothing.
		if cfg.CollapseWhitespace {
			text = whitespaceRe.ReplaceAllString(text, " ")
		}
	}

	if cfg.ReplaceNumbers {
		text = digitRunRe.ReplaceAllString(text, "#")
	}

	return strings.TrimSpace(text)
}
