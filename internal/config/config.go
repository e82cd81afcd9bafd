// Package config loads application configuration from flags and environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// rawConfig is the flag/env surface. Durations are declared in base units
// and converted in Load.
type rawConfig struct {
	Hostname     string `long:"hostname" env:"FEEDGEN_HOSTNAME" default:"localhost" description:"Public hostname where this service is reachable (used for did:web)"`
	Port         int    `long:"port" env:"PORT" default:"3000" description:"HTTP server port"`
	PublisherDID string `long:"publisher-did" env:"FEEDGEN_PUBLISHER_DID" required:"true" description:"DID of the account that published the feed generator record"`
	FeedName     string `long:"feed-name" env:"FEEDGEN_FEED_NAME" default:"ohtani" description:"Record key of the served feed"`
	FirehoseURL  string `long:"firehose-url" env:"FEEDGEN_FIREHOSE_URL" default:"wss://jetstream1.us-east.bsky.network/subscribe" description:"Jetstream WebSocket endpoint"`

	DatabasePath string `long:"db-path" env:"DATABASE_PATH" default:"./feedgen.db" description:"SQLite database file"`
	RulesPath    string `long:"rules-path" env:"RULES_PATH" description:"Keyword rules YAML file (empty uses the embedded default set)"`

	ClassifierURL         string `long:"classifier-url" env:"CLASSIFIER_URL" description:"Semantic classifier endpoint (empty disables the fallback stage)"`
	ClassifierAPIKey      string `long:"classifier-api-key" env:"CLASSIFIER_API_KEY" description:"API key sent to the classifier endpoint"`
	ClassifierAttempts    int    `long:"classifier-attempts" env:"CLASSIFIER_ATTEMPTS" default:"3" description:"Retry bound for transient classifier failures"`
	ClassifierRetryMS     int    `long:"classifier-retry-ms" env:"CLASSIFIER_RETRY_MS" default:"1000" description:"Delay between classifier attempts in milliseconds"`
	ClassifierTimeoutS    int    `long:"classifier-timeout" env:"CLASSIFIER_TIMEOUT_SECONDS" default:"30" description:"Whole-call classifier deadline in seconds"`
	ClassifierConcurrency int    `long:"classifier-concurrency" env:"CLASSIFIER_CONCURRENCY" default:"6" description:"Concurrent classifier calls per batch"`

	BatchMaxSize int `long:"batch-max-size" env:"BATCH_MAX_SIZE" default:"25" description:"Max firehose ops per pipeline batch"`
	BatchMaxMS   int `long:"batch-max-ms" env:"BATCH_MAX_MS" default:"500" description:"Max batch age before flush in milliseconds"`

	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the verdict cache (empty disables caching)"`
	VerdictTTLMin int    `long:"verdict-ttl-min" env:"VERDICT_TTL_MIN" default:"1440" description:"Verdict cache TTL in minutes"`

	RetentionDays int  `long:"retention-days" env:"RETENTION_DAYS" default:"7" description:"Max post age before cleanup"`
	MaxRows       int  `long:"max-rows" env:"MAX_ROWS" default:"5000" description:"Max stored posts; excess rows are trimmed oldest-first"`
	Debug         bool `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Config holds all configuration for the application.
type Config struct {
	Hostname     string
	Port         int
	PublisherDID string
	FeedName     string
	FirehoseURL  string

	DatabasePath string
	RulesPath    string

	ClassifierURL         string
	ClassifierAPIKey      string
	ClassifierAttempts    int
	ClassifierRetryDelay  time.Duration
	ClassifierTimeout     time.Duration
	ClassifierConcurrency int

	BatchMaxSize int
	BatchMaxAge  time.Duration

	RedisAddr  string
	VerdictTTL time.Duration

	RetentionAge time.Duration
	MaxRows      int
	Debug        bool
}

// ServiceDID returns the did:web for this feed generator based on the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// Load parses configuration from command-line flags and environment
// variables. A nil Config with nil error means help was requested.
func Load() (*Config, error) {
	var raw rawConfig

	parser := flags.NewParser(&raw, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	return &Config{
		Hostname:     raw.Hostname,
		Port:         raw.Port,
		PublisherDID: raw.PublisherDID,
		FeedName:     raw.FeedName,
		FirehoseURL:  raw.FirehoseURL,

		DatabasePath: raw.DatabasePath,
		RulesPath:    raw.RulesPath,

		ClassifierURL:         raw.ClassifierURL,
		ClassifierAPIKey:      raw.ClassifierAPIKey,
		ClassifierAttempts:    raw.ClassifierAttempts,
		ClassifierRetryDelay:  time.Duration(raw.ClassifierRetryMS) * time.Millisecond,
		ClassifierTimeout:     time.Duration(raw.ClassifierTimeoutS) * time.Second,
		ClassifierConcurrency: raw.ClassifierConcurrency,

		BatchMaxSize: raw.BatchMaxSize,
		BatchMaxAge:  time.Duration(raw.BatchMaxMS) * time.Millisecond,

		RedisAddr:  raw.RedisAddr,
		VerdictTTL: time.Duration(raw.VerdictTTLMin) * time.Minute,

		RetentionAge: time.Duration(raw.RetentionDays) * 24 * time.Hour,
		MaxRows:      raw.MaxRows,
		Debug:        raw.Debug,
	}, nil
}
