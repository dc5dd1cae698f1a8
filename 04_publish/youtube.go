package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

// Published identifies a video on the platform.
type Published struct {
	VideoID  string `json:"video_id"`
	EmbedURL string `json:"embed_url"`
}

// EmbedURL is the iframe URL for a published video.
func EmbedURL(videoID string) string { return "https://www.youtube.com/embed/" + videoID }

type inserter func(ctx context.Context, video *youtube.Video, media io.Reader) (*youtube.Video, error)

// YouTube uploads videos through the Data API v3.
type YouTube struct {
	cfg    config.PublishConfig
	tokens oauth2.TokenSource
	stored *oauth2.Token
	insert inserter
	probe  func(ctx context.Context) error
	log    zerolog.Logger
}

// New loads credentials from the token file, falling back to the configured
// refresh token. Missing credentials are not an error here; CheckAuthorization
// reports them.
func New(ctx context.Context, cfg config.PublishConfig, log zerolog.Logger) (*YouTube, error) {
	y := &YouTube{cfg: cfg, log: logging.Stage(log, "publish")}

	tok, err := loadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	if tok == nil && cfg.RefreshToken != "" {
		tok = &oauth2.Token{RefreshToken: cfg.RefreshToken}
	}
	if tok == nil {
		y.insert = func(context.Context, *youtube.Video, io.Reader) (*youtube.Video, error) {
			return nil, types.AuthRequiredError("no stored token or refresh token")
		}
		y.probe = y.CheckAuthorization
		return y, nil
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeReadonlyScope},
	}
	y.stored = tok
	y.tokens = conf.TokenSource(ctx, tok)

	svc, err := youtube.NewService(ctx, option.WithTokenSource(y.tokens))
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	y.insert = func(ctx context.Context, video *youtube.Video, media io.Reader) (*youtube.Video, error) {
		return svc.Videos.Insert([]string{"snippet", "status"}, video).Media(media).Context(ctx).Do()
	}
	y.probe = func(ctx context.Context) error {
		_, err := svc.Channels.List([]string{"id"}).Mine(true).Context(ctx).Do()
		return err
	}
	return y, nil
}

// CheckAuthorization makes sure a usable access token can be obtained before
// any bytes are uploaded. A refreshed token is written back to the token file.
func (y *YouTube) CheckAuthorization(context.Context) error {
	if y.tokens == nil {
		return types.AuthRequiredError("no stored token or refresh token")
	}
	if !y.stored.Valid() && y.stored.RefreshToken == "" {
		return types.AuthRequiredError("stored token expired and has no refresh token")
	}
	tok, err := y.tokens.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			switch rerr.ErrorCode {
			case "invalid_grant", "invalid_client", "unauthorized_client":
				return types.AuthRequiredError("token refresh rejected: %s", rerr.ErrorCode)
			}
		}
		return types.UpstreamError("token refresh: %v", err)
	}
	if tok.AccessToken != y.stored.AccessToken {
		y.stored = tok
		if err := saveToken(y.cfg.TokenFile, tok); err != nil {
			y.log.Warn().Err(err).Str("file", y.cfg.TokenFile).Msg("refreshed token not saved")
		}
	}
	return nil
}

// Publish uploads media with meta. It is never retried here: a retry after an
// ambiguous failure could create a duplicate video.
func (y *YouTube) Publish(ctx context.Context, media io.Reader, meta Metadata) (*Published, error) {
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:                meta.Title,
			Description:          meta.Description,
			Tags:                 meta.Tags,
			CategoryId:           meta.CategoryID,
			DefaultLanguage:      meta.DefaultLanguage,
			DefaultAudioLanguage: meta.DefaultLanguage,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           meta.Visibility,
			SelfDeclaredMadeForKids: meta.MadeForKids,
			NotifySubscribers:       meta.NotifySubscribers,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}

	y.log.Info().Str("title", meta.Title).Msg("uploading video")
	uploaded, err := y.insert(ctx, video, media)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
			return nil, types.AuthRequiredError("upload rejected: %v", err)
		}
		if types.KindOf(err) != types.KindInternal {
			return nil, err
		}
		return nil, types.UpstreamError("upload: %v", err)
	}
	if uploaded == nil || uploaded.Id == "" {
		return nil, types.UpstreamError("upload returned no video id")
	}
	y.log.Info().Str("video_id", uploaded.Id).Msg("video published")
	return &Published{VideoID: uploaded.Id, EmbedURL: EmbedURL(uploaded.Id)}, nil
}

// Ping checks authorization and that the channel is reachable.
func (y *YouTube) Ping(ctx context.Context) error {
	if err := y.CheckAuthorization(ctx); err != nil {
		return err
	}
	return y.probe(ctx)
}

func loadToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
