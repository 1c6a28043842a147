// Package lang normalizes language identifiers. Clients speak ISO-639-1
// shortcodes ("en", "zh"); TTS voice catalogues speak full locales
// ("en-US", "cmn-CN"). This package maps between the two and defines the
// equality rule used to pick transcription mode.
package lang

import "strings"

// locales maps an ISO-639-1 shortcode to the full locale used for TTS voice
// lookup. Shortcodes missing from the table fall back to the shortcode
// itself.
var locales = map[string]string{
	"ar": "ar-XA",
	"cs": "cs-CZ",
	"da": "da-DK",
	"de": "de-DE",
	"el": "el-GR",
	"en": "en-US",
	"es": "es-ES",
	"fi": "fi-FI",
	"fr": "fr-FR",
	"he": "he-IL",
	"hi": "hi-IN",
	"hu": "hu-HU",
	"id": "id-ID",
	"it": "it-IT",
	"ja": "ja-JP",
	"ko": "ko-KR",
	"nl": "nl-NL",
	"no": "nb-NO",
	"pl": "pl-PL",
	"pt": "pt-BR",
	"ro": "ro-RO",
	"ru": "ru-RU",
	"sv": "sv-SE",
	"th": "th-TH",
	"tr": "tr-TR",
	"uk": "uk-UA",
	"vi": "vi-VN",
	"zh": "cmn-CN",
}

// Normalize lowercases a language identifier and reduces a full locale to its
// ISO-639-1 shortcode ("en-US" → "en", "cmn-CN" → "zh").
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if base, _, found := strings.Cut(code, "-"); found {
		code = base
	}
	// Chinese locales carry the ISO-639-3 macrolanguage prefix.
	if code == "cmn" || code == "yue" {
		return "zh"
	}
	return code
}

// Locale returns the full locale used for TTS voice lookup. Unknown
// shortcodes pass through unchanged so provider-specific codes keep working.
func Locale(code string) string {
	short := Normalize(code)
	if loc, ok := locales[short]; ok {
		return loc
	}
	return code
}

// Same reports whether two language identifiers name the same language in
// shortcode form. Sessions where source and target are Same run in
// transcription mode.
func Same(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
