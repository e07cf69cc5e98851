// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Server configures the HTTP API.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Ollama configures the model server.
type Ollama struct {
	URL            string        `yaml:"url"`
	EmbedModel     string        `yaml:"embed_model"`
	ChatModel      string        `yaml:"chat_model"`
	TranslateModel string        `yaml:"translate_model"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Qdrant configures the vector index.
type Qdrant struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
}

// Postgres configures the relational store. URL wins over the parts.
type Postgres struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	DB       string `yaml:"db"`
}

// DSN returns the connection string for the relational store.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   p.Host,
		Path:   "/" + p.DB,
	}
	return u.String()
}

// NATS configures conversation event transport.
type NATS struct {
	URL                 string `yaml:"url"`
	ConversationSubject string `yaml:"conversation_subject"`
}

// Attempts is the per-step attempt budget of the search pipeline.
type Attempts struct {
	Translate int `yaml:"translate"`
	Embed     int `yaml:"embed"`
	Retrieve  int `yaml:"retrieve"`
	Generate  int `yaml:"generate"`
}

// Search configures the query pipeline.
type Search struct {
	DefaultTopK      int           `yaml:"default_top_k"`
	MaxTopK          int           `yaml:"max_top_k"`
	OverFetch        int           `yaml:"over_fetch"`
	Timeout          time.Duration `yaml:"timeout"`
	RecordTimeout    time.Duration `yaml:"record_timeout"`
	LocalizeTarget   string        `yaml:"localize_target"`
	Attempts         Attempts      `yaml:"attempts"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// Backfill configures the embedding backfill job.
type Backfill struct {
	BatchSize int           `yaml:"batch_size"`
	Pause     time.Duration `yaml:"pause"`
	Workers   int           `yaml:"workers"`
	Limit     int           `yaml:"limit"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration shared by all binaries.
type Config struct {
	Server         Server   `yaml:"server"`
	Ollama         Ollama   `yaml:"ollama"`
	Qdrant         Qdrant   `yaml:"qdrant"`
	Postgres       Postgres `yaml:"postgres"`
	NATS           NATS     `yaml:"nats"`
	Search         Search   `yaml:"search"`
	Backfill       Backfill `yaml:"backfill"`
	EmbedCachePath string   `yaml:"embed_cache_path"`
	Log            Log      `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{Port: "8080", CORSOrigin: "*"},
		Ollama: Ollama{
			URL:            "http://localhost:11434",
			EmbedModel:     "bge-m3",
			ChatModel:      "llama3.2:1b",
			TranslateModel: "llama3.2:1b",
			Timeout:        60 * time.Second,
		},
		Qdrant:   Qdrant{URL: "localhost:6334", Collection: "cars_embeddings", Dimensions: 1024},
		Postgres: Postgres{User: "postgres", Password: "postgres", Host: "localhost:5432", DB: "cars"},
		NATS:     NATS{URL: "nats://localhost:4222", ConversationSubject: "carsearch.conversation"},
		Search: Search{
			DefaultTopK:      10,
			MaxTopK:          50,
			OverFetch:        50,
			Timeout:          90 * time.Second,
			RecordTimeout:    5 * time.Second,
			LocalizeTarget:   "Macedonian",
			Attempts:         Attempts{Translate: 1, Embed: 3, Retrieve: 1, Generate: 1},
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Backfill: Backfill{BatchSize: 10, Pause: 500 * time.Millisecond, Workers: 4},
		Log:      Log{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path may be empty; CONFIG_FILE is used
// then. A missing .env file is not an error, a missing YAML file named
// explicitly is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&cfg.Server.Port, "PORT")
	str(&cfg.Server.CORSOrigin, "CORS_ORIGIN")

	str(&cfg.Ollama.URL, "OLLAMA_URL")
	str(&cfg.Ollama.EmbedModel, "EMBED_MODEL")
	str(&cfg.Ollama.ChatModel, "CHAT_MODEL")
	str(&cfg.Ollama.TranslateModel, "TRANSLATE_MODEL")
	dur(&cfg.Ollama.Timeout, "OLLAMA_TIMEOUT")

	str(&cfg.Qdrant.URL, "QDRANT_URL")
	str(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")
	num(&cfg.Qdrant.Dimensions, "EMBED_DIMENSIONS")

	str(&cfg.Postgres.URL, "DATABASE_URL")
	str(&cfg.Postgres.User, "POSTGRES_USER")
	str(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	str(&cfg.Postgres.Host, "POSTGRES_HOST")
	str(&cfg.Postgres.DB, "POSTGRES_DB")

	str(&cfg.NATS.URL, "NATS_URL")
	str(&cfg.NATS.ConversationSubject, "NATS_CONVERSATION_SUBJECT")

	num(&cfg.Search.DefaultTopK, "SEARCH_DEFAULT_TOP_K")
	num(&cfg.Search.MaxTopK, "SEARCH_MAX_TOP_K")
	num(&cfg.Search.OverFetch, "SEARCH_OVER_FETCH")
	dur(&cfg.Search.Timeout, "SEARCH_TIMEOUT")
	dur(&cfg.Search.RecordTimeout, "SEARCH_RECORD_TIMEOUT")
	str(&cfg.Search.LocalizeTarget, "SEARCH_LOCALIZE_TARGET")
	num(&cfg.Search.Attempts.Translate, "SEARCH_TRANSLATE_ATTEMPTS")
	num(&cfg.Search.Attempts.Embed, "SEARCH_EMBED_ATTEMPTS")
	num(&cfg.Search.Attempts.Retrieve, "SEARCH_RETRIEVE_ATTEMPTS")
	num(&cfg.Search.Attempts.Generate, "SEARCH_GENERATE_ATTEMPTS")
	num(&cfg.Search.BreakerThreshold, "SEARCH_BREAKER_THRESHOLD")
	dur(&cfg.Search.BreakerTimeout, "SEARCH_BREAKER_TIMEOUT")

	num(&cfg.Backfill.BatchSize, "BACKFILL_BATCH_SIZE")
	dur(&cfg.Backfill.Pause, "BACKFILL_PAUSE")
	num(&cfg.Backfill.Workers, "BACKFILL_WORKERS")
	num(&cfg.Backfill.Limit, "BACKFILL_LIMIT")

	str(&cfg.EmbedCachePath, "EMBED_CACHE_PATH")
	str(&cfg.Log.Level, "LOG_LEVEL")
	str(&cfg.Log.Format, "LOG_FORMAT")

	return errors.Join(errs...)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive, got %d", name, v))
		}
	}
	positive("search.default_top_k", c.Search.DefaultTopK)
	positive("search.max_top_k", c.Search.MaxTopK)
	positive("search.over_fetch", c.Search.OverFetch)
	positive("search.attempts.translate", c.Search.Attempts.Translate)
	positive("search.attempts.embed", c.Search.Attempts.Embed)
	positive("search.attempts.retrieve", c.Search.Attempts.Retrieve)
	positive("search.attempts.generate", c.Search.Attempts.Generate)
	positive("qdrant.dimensions", c.Qdrant.Dimensions)
	positive("backfill.batch_size", c.Backfill.BatchSize)
	positive("backfill.workers", c.Backfill.Workers)
	if c.Search.DefaultTopK > c.Search.MaxTopK {
		errs = append(errs, fmt.Errorf("config: search.default_top_k %d exceeds max_top_k %d", c.Search.DefaultTopK, c.Search.MaxTopK))
	}
	if c.Search.Timeout <= 0 {
		errs = append(errs, errors.New("config: search.timeout must be positive"))
	}
	if c.Backfill.Limit < 0 {
		errs = append(errs, errors.New("config: backfill.limit must not be negative"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger described by c.Log.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
