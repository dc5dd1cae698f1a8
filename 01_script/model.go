package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

const systemPrompt = `You write short narration scripts read aloud by a presenter avatar.

Rules:
- Write in the same language as the posting.
- Open with a one-sentence greeting that names the topic.
- Retell the posting faithfully. Do not invent facts, numbers or names.
- Close with one sentence thanking the viewer.
- Plain spoken text only: no headings, no markdown, no stage directions, no emoji.`

// Model asks an OpenAI-compatible chat completion endpoint for the narration.
type Model struct {
	cfg        config.ScriptConfig
	httpClient *http.Client
	sleep      func(context.Context, time.Duration) error
	log        zerolog.Logger
}

// NewModel creates a new chat-model script generator.
func NewModel(cfg config.ScriptConfig, log zerolog.Logger) *Model {
	return &Model{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout.Duration()},
		sleep:      sleepCtx,
		log:        logging.Stage(log, "script"),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate asks the model for narration, retrying failed calls up to MaxAttempts.
func (m *Model) Generate(ctx context.Context, p types.Posting) (string, error) {
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Body) == "" {
		return "", types.ScriptGenerationError("posting %d has an empty title or body", p.ID)
	}
	body, err := json.Marshal(chatRequest{
		Model: m.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(p, m.cfg.MaxChars)},
		},
		Temperature: m.cfg.Temperature,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	attempts := max(m.cfg.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		text, retry, err := m.complete(ctx, body)
		if err == nil {
			text = Cap(cleanReply(text), m.cfg.MaxChars)
			if text == "" {
				return "", types.UpstreamError("model returned an empty script")
			}
			m.log.Info().Int64("posting_id", p.ID).Int("attempt", attempt).Msg("script generated")
			return text, nil
		}
		lastErr = err
		if !retry || attempt == attempts {
			break
		}
		m.log.Warn().Err(err).Int64("posting_id", p.ID).Int("attempt", attempt).Msg("model request failed, retrying")
		if err := m.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
			return "", err
		}
	}
	return "", types.UpstreamError("script model: %v", lastErr)
}

// complete performs one request; retry reports whether the failure is transient.
func (m *Model) complete(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ModelURL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", true, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBytes), 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBytes, &chat); err != nil {
		return "", false, fmt.Errorf("parse response: %w", err)
	}
	if chat.Error != nil {
		return "", false, fmt.Errorf("model error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return "", false, fmt.Errorf("model returned no choices")
	}
	return chat.Choices[0].Message.Content, false, nil
}

func buildUserPrompt(p types.Posting, maxChars int) string {
	var sb strings.Builder
	if maxChars > 0 {
		sb.WriteString(fmt.Sprintf("Write a narration script of at most %d characters for this posting.\n\n", maxChars))
	} else {
		sb.WriteString("Write a narration script for this posting.\n\n")
	}
	sb.WriteString(fmt.Sprintf("TITLE: %s\n\n", strings.TrimSpace(p.Title)))
	sb.WriteString(fmt.Sprintf("CONTENT:\n%s\n\n", strings.TrimSpace(p.Body)))
	sb.WriteString("Respond with the script text only.")
	return sb.String()
}

// cleanReply strips code fences and wrapping quotes some models add.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
