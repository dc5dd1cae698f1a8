package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Script   ScriptConfig   `yaml:"script"`
	Video    VideoConfig    `yaml:"video"`
	Storage  StorageConfig  `yaml:"storage"`
	Publish  PublishConfig  `yaml:"publish"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Listing  ListingConfig  `yaml:"listing"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres | memory
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type ScriptConfig struct {
	Mode        string   `yaml:"mode"` // template | model
	Template    string   `yaml:"template"`
	MaxChars    int      `yaml:"max_chars"`
	ModelURL    string   `yaml:"model_url"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"-"`
	Temperature float64  `yaml:"temperature"`
	MaxAttempts int      `yaml:"max_attempts"`
	Timeout     Duration `yaml:"timeout"`
}

type VideoConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"-"`
	AvatarID       string   `yaml:"avatar_id"`
	AvatarStyle    string   `yaml:"avatar_style"`
	VoiceID        string   `yaml:"voice_id"`
	BackgroundID   string   `yaml:"background_asset_id"`
	Width          int      `yaml:"width"`
	Height         int      `yaml:"height"`
	Caption        bool     `yaml:"caption"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type StorageConfig struct {
	Region        string   `yaml:"region"`
	Bucket        string   `yaml:"bucket"`
	KeyPrefix     string   `yaml:"key_prefix"`
	StagingPrefix string   `yaml:"staging_prefix"`
	Endpoint      string   `yaml:"endpoint"`
	PartSizeMB    int64    `yaml:"part_size_mb"`
	Timeout       Duration `yaml:"download_timeout"`
}

type PublishConfig struct {
	ClientID          string   `yaml:"-"`
	ClientSecret      string   `yaml:"-"`
	RefreshToken      string   `yaml:"-"`
	TokenFile         string   `yaml:"token_file"`
	TitlePrefix       string   `yaml:"title_prefix"`
	DescriptionChars  int      `yaml:"description_chars"`
	Tags              []string `yaml:"tags"`
	CategoryID        string   `yaml:"category_id"`
	Visibility        string   `yaml:"visibility"`
	MadeForKids       bool     `yaml:"made_for_kids"`
	NotifySubscribers bool     `yaml:"notify_subscribers"`
	DefaultLanguage   string   `yaml:"default_language"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"` // dynamodb | memory
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
}

type ListingConfig struct {
	Bucket string `yaml:"bucket"`
	Key    string `yaml:"key"`
}

type PipelineConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	PollBudget        Duration `yaml:"poll_budget"`
	StaleAfter        Duration `yaml:"stale_after"`
	MaxBatch          int      `yaml:"max_batch"`
	MaxReportedErrors int      `yaml:"max_reported_errors"`
	HealthWorkers     int      `yaml:"health_workers"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	JWKSURL string `yaml:"jwks_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as "20s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Load reads the YAML file at path, overlays secrets from the environment
// (and .env when present), fills defaults and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without touching the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Script.APIKey, "SCRIPT_MODEL_API_KEY")
	set(&c.Video.APIKey, "HEYGEN_API_KEY")
	set(&c.Storage.Region, "AWS_REGION")
	set(&c.Storage.Bucket, "S3_BUCKET_NAME")
	set(&c.Publish.ClientID, "YOUTUBE_CLIENT_ID")
	set(&c.Publish.ClientSecret, "YOUTUBE_CLIENT_SECRET")
	set(&c.Publish.RefreshToken, "YOUTUBE_REFRESH_TOKEN")
	set(&c.Publish.TokenFile, "YOUTUBE_TOKEN_FILE")
	set(&c.Ledger.Table, "RECEIPTS_TABLE")
	set(&c.Listing.Bucket, "LISTING_BUCKET")
	set(&c.Server.JWKSURL, "JWKS_URL")
	set(&c.Log.Level, "LOG_LEVEL")
}

const defaultTemplate = `안녕하세요! 오늘은 {{.Title}}에 대해 알려드리겠습니다.

{{.Body}}

이상으로 {{.Title}}에 대한 내용을 전해드렸습니다. 더 자세한 정보가 필요하시면 언제든지 문의해 주세요. 감사합니다!`

func (c *Config) applyDefaults() {
	def := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	defInt := func(dst *int, v int) {
		if *dst <= 0 {
			*dst = v
		}
	}
	defDur := func(dst *Duration, v time.Duration) {
		if *dst <= 0 {
			*dst = Duration(v)
		}
	}

	def(&c.Database.Driver, "postgres")
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 4
	}

	def(&c.Script.Mode, "template")
	def(&c.Script.Template, defaultTemplate)
	defInt(&c.Script.MaxChars, 1500)
	def(&c.Script.ModelURL, "https://api.groq.com/openai/v1/chat/completions")
	def(&c.Script.Model, "llama-3.1-8b-instant")
	defInt(&c.Script.MaxAttempts, 3)
	defDur(&c.Script.Timeout, 60*time.Second)

	def(&c.Video.BaseURL, "https://api.heygen.com")
	def(&c.Video.AvatarStyle, "normal")
	defInt(&c.Video.Width, 1280)
	defInt(&c.Video.Height, 720)
	defInt(&c.Video.MaxAttempts, 3)
	defDur(&c.Video.RetryBackoff, 2*time.Second)
	defDur(&c.Video.RequestTimeout, 30*time.Second)

	def(&c.Storage.Region, "us-east-1")
	def(&c.Storage.KeyPrefix, "videos/")
	def(&c.Storage.StagingPrefix, "staging/")
	if c.Storage.PartSizeMB <= 0 {
		c.Storage.PartSizeMB = 16
	}
	defDur(&c.Storage.Timeout, 30*time.Minute)

	def(&c.Publish.TokenFile, "token.json")
	defInt(&c.Publish.DescriptionChars, 500)
	def(&c.Publish.CategoryID, "22")
	def(&c.Publish.Visibility, "public")

	def(&c.Ledger.Driver, "dynamodb")
	def(&c.Ledger.Region, c.Storage.Region)

	def(&c.Listing.Bucket, c.Storage.Bucket)
	def(&c.Listing.Key, "index.json")

	defDur(&c.Pipeline.PollInterval, 20*time.Second)
	defDur(&c.Pipeline.PollBudget, 10*time.Minute)
	defDur(&c.Pipeline.StaleAfter, 30*time.Minute)
	defInt(&c.Pipeline.MaxBatch, 50)
	defInt(&c.Pipeline.MaxReportedErrors, 5)
	defInt(&c.Pipeline.HealthWorkers, 5)

	def(&c.Server.Addr, ":8080")
	def(&c.Log.Level, "info")
}

// Validate reports every missing required value at once.
func (c *Config) Validate() error {
	var problems []string
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "database.url (DATABASE_URL) is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q not supported", c.Database.Driver))
	}
	switch c.Script.Mode {
	case "template":
	case "model":
		if c.Script.APIKey == "" {
			problems = append(problems, "SCRIPT_MODEL_API_KEY is required for script.mode=model")
		}
	default:
		problems = append(problems, fmt.Sprintf("script.mode %q not supported", c.Script.Mode))
	}
	if c.Video.APIKey == "" {
		problems = append(problems, "HEYGEN_API_KEY is required")
	}
	if c.Video.AvatarID == "" || c.Video.VoiceID == "" {
		problems = append(problems, "video.avatar_id and video.voice_id are required")
	}
	if c.Storage.Bucket == "" {
		problems = append(problems, "storage.bucket (S3_BUCKET_NAME) is required")
	}
	switch c.Ledger.Driver {
	case "dynamodb":
		if c.Ledger.Table == "" {
			problems = append(problems, "ledger.table (RECEIPTS_TABLE) is required for the dynamodb ledger")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("ledger.driver %q not supported", c.Ledger.Driver))
	}
	if c.Pipeline.PollInterval.Duration() > c.Pipeline.PollBudget.Duration() {
		problems = append(problems, "pipeline.poll_interval must not exceed pipeline.poll_budget")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
