package script

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

// Template renders narration from a fixed greeting/body/closing template.
// Output depends only on the posting, so regenerating is always safe.
type Template struct {
	tmpl     *template.Template
	maxChars int
	log      zerolog.Logger
}

type templateData struct {
	ID    int64
	Title string
	Body  string
}

// NewTemplate creates a new template generator from cfg.Template.
func NewTemplate(cfg config.ScriptConfig, log zerolog.Logger) (*Template, error) {
	tmpl, err := template.New("narration").Option("missingkey=error").Parse(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("parse script template: %w", err)
	}
	return &Template{tmpl: tmpl, maxChars: cfg.MaxChars, log: logging.Stage(log, "script")}, nil
}

// Generate renders the narration, shortening only the body when it is too long.
func (t *Template) Generate(_ context.Context, p types.Posting) (string, error) {
	title := strings.TrimSpace(p.Title)
	body := strings.TrimSpace(p.Body)
	if title == "" || body == "" {
		return "", types.ScriptGenerationError("posting %d has an empty title or body", p.ID)
	}

	out, err := t.render(p.ID, title, body)
	if err != nil {
		return "", err
	}
	if t.maxChars <= 0 || utf8.RuneCountInString(out) <= t.maxChars {
		return out, nil
	}

	// Shorten the body only, so greeting and closing survive.
	frame, err := t.render(p.ID, title, "")
	if err != nil {
		return "", err
	}
	room := t.maxChars - utf8.RuneCountInString(frame)
	if room <= 0 {
		return "", types.ScriptGenerationError("template leaves no room for the body within %d characters", t.maxChars)
	}
	shortened := Cap(body, room)
	if shortened == "" {
		return "", types.ScriptGenerationError("body of posting %d has no whole word within %d characters", p.ID, room)
	}
	out, err = t.render(p.ID, title, shortened)
	if err != nil {
		return "", err
	}
	t.log.Debug().Int64("posting_id", p.ID).Int("chars", utf8.RuneCountInString(out)).Msg("body shortened to fit")
	return Cap(out, t.maxChars), nil
}

func (t *Template) render(id int64, title, body string) (string, error) {
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, templateData{ID: id, Title: title, Body: body}); err != nil {
		return "", types.ScriptGenerationError("render template: %v", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
