package script

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
	"posting-video-pipeline/types"
)

// Generator turns a posting into narration text for the avatar.
type Generator interface {
	Generate(ctx context.Context, p types.Posting) (string, error)
}

// New returns the generator selected by cfg.Mode.
func New(cfg config.ScriptConfig, log zerolog.Logger) (Generator, error) {
	switch cfg.Mode {
	case "", "template":
		return NewTemplate(cfg, log)
	case "model":
		return NewModel(cfg, log), nil
	default:
		return nil, fmt.Errorf("script mode %q not supported", cfg.Mode)
	}
}

// Cap shortens text to at most max runes. It cuts after the last sentence
// terminator inside the budget, else at the last whitespace, so no word is split.
// When the first word alone is longer than max the result is empty.
func Cap(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	cut := runes[:max]
	// A terminator only counts when it ends a sentence: followed by a space or the cut point.
	for i := len(cut) - 1; i > 0; i-- {
		if !isTerminator(cut[i]) {
			continue
		}
		if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
			return strings.TrimSpace(string(cut[:i+1]))
		}
	}
	if unicode.IsSpace(runes[max]) {
		return strings.TrimSpace(string(cut))
	}
	for i := len(cut) - 1; i > 0; i-- {
		if unicode.IsSpace(cut[i]) {
			return strings.TrimSpace(string(cut[:i]))
		}
	}
	return ""
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}
