package engine

import (
	"fmt"
	"strings"
)

// DefaultPrompt is the instruction sent to generative backends when the
// request carries none. %s receives the language name.
const DefaultPrompt = "Transcribe this audio verbatim with proper punctuation. " +
	"The spoken language is probably %s. Return only the transcription text."

var languageNames = map[string]string{
	"pt": "Portuguese",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"ja": "Japanese",
}

// buildPrompt returns custom when set, otherwise the template filled with the language.
func buildPrompt(template, custom, language string) string {
	if p := strings.TrimSpace(custom); p != "" {
		return p
	}
	if template == "" {
		template = DefaultPrompt
	}
	if !strings.Contains(template, "%s") {
		return template
	}
	name, ok := languageNames[strings.ToLower(language)]
	if !ok {
		name = language
	}
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf(template, name)
}
