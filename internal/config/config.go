package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for cardbench
type Config struct {
	Elasticsearch ElasticsearchConfig
	Subject       SubjectConfig
	Populate      PopulateConfig
	Experiment    ExperimentConfig
	Report        ReportConfig
	Status        StatusConfig
	Schedule      ScheduleConfig
	Log           LogConfig
}

type ElasticsearchConfig struct {
	Addresses             []string
	Username              string
	Password              string
	RequestTimeoutSeconds int // Per-request timeout applied by the HTTP transport
	MaxRetries            int // Retries for idempotent setup calls (delete/create/settings/mapping)
	RetryDelayMS          int // Initial retry backoff, doubled per attempt
	RetryMaxDelayMS       int
	BreakerMaxFailures    int // Consecutive failures before the circuit opens
	BreakerTimeoutSeconds int // How long the circuit stays open before probing
}

// SubjectConfig describes the index the aggregations run against
type SubjectConfig struct {
	Index    string
	Field    string
	Shards   int
	Replicas int
}

type PopulateConfig struct {
	DocCount             int    // Documents to bulk insert
	BatchSize            int    // Documents per bulk request
	CardinalityRange     int    // Values are drawn uniformly from [1, CardinalityRange]
	LoadRefreshInterval  string // refresh_interval while loading (slow, avoids refresh overhead)
	ReadyRefreshInterval string // refresh_interval applied once loading is done
	VerifyCount          bool   // Compare the index count with DocCount after the final refresh
	Seed                 int64  // Seeds corpus and background insert values, 0 picks one from the clock
}

// ValueSeed returns the configured seed, or a clock-derived one when unset
func (p PopulateConfig) ValueSeed() uint64 {
	if p.Seed != 0 {
		return uint64(p.Seed)
	}
	return uint64(time.Now().UnixNano())
}

type ExperimentConfig struct {
	RefreshIntervals    []string
	EagerGlobalOrdinals []bool
	RequestCache        []bool
	DurationSeconds     int // Wall-clock length of each experiment
	InsertIntervalMS    int // Pause between background inserts
	PauseBetweenSeconds int // Settle time after an experiment retires
	Workers             int // Concurrent aggregation workers
	QueryPauseMinMS     int // Lower bound of the randomized pause between aggregations
	QueryPauseMaxMS     int // Upper bound of the randomized pause between aggregations
	TermsSize           int // "size" of the terms aggregation
	TraceFielddata      bool
	FlushTimeoutSeconds int
}

type ReportConfig struct {
	Enabled   bool
	Directory string
	Compress  bool // zstd-compress the report file
}

type StatusConfig struct {
	Enabled bool
	Port    int
}

type ScheduleConfig struct {
	Cron string // Empty = run once; otherwise repeat the experiment cycle on this schedule
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from defaults, an optional config file and the environment.
// configFile overrides the default search path when non-empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CARDBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("cardbench")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cardbench/")
		v.AddConfigPath("$HOME/.cardbench/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	eager, err := getBoolSlice(v, "experiment.eager_global_ordinals")
	if err != nil {
		return nil, err
	}
	requestCache, err := getBoolSlice(v, "experiment.request_cache")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Elasticsearch: ElasticsearchConfig{
			Addresses:             splitList(v.GetStringSlice("elasticsearch.addresses")),
			Username:              v.GetString("elasticsearch.username"),
			Password:              v.GetString("elasticsearch.password"),
			RequestTimeoutSeconds: v.GetInt("elasticsearch.request_timeout_seconds"),
			MaxRetries:            v.GetInt("elasticsearch.max_retries"),
			RetryDelayMS:          v.GetInt("elasticsearch.retry_delay_ms"),
			RetryMaxDelayMS:       v.GetInt("elasticsearch.retry_max_delay_ms"),
			BreakerMaxFailures:    v.GetInt("elasticsearch.breaker_max_failures"),
			BreakerTimeoutSeconds: v.GetInt("elasticsearch.breaker_timeout_seconds"),
		},
		Subject: SubjectConfig{
			Index:    v.GetString("subject.index"),
			Field:    v.GetString("subject.field"),
			Shards:   v.GetInt("subject.shards"),
			Replicas: v.GetInt("subject.replicas"),
		},
		Populate: PopulateConfig{
			DocCount:             v.GetInt("populate.doc_count"),
			BatchSize:            v.GetInt("populate.batch_size"),
			CardinalityRange:     v.GetInt("populate.cardinality_range"),
			LoadRefreshInterval:  v.GetString("populate.load_refresh_interval"),
			ReadyRefreshInterval: v.GetString("populate.ready_refresh_interval"),
			VerifyCount:          v.GetBool("populate.verify_count"),
			Seed:                 v.GetInt64("populate.seed"),
		},
		Experiment: ExperimentConfig{
			RefreshIntervals:    splitList(v.GetStringSlice("experiment.refresh_intervals")),
			EagerGlobalOrdinals: eager,
			RequestCache:        requestCache,
			DurationSeconds:     v.GetInt("experiment.duration_seconds"),
			InsertIntervalMS:    v.GetInt("experiment.insert_interval_ms"),
			PauseBetweenSeconds: v.GetInt("experiment.pause_between_seconds"),
			Workers:             v.GetInt("experiment.workers"),
			QueryPauseMinMS:     v.GetInt("experiment.query_pause_min_ms"),
			QueryPauseMaxMS:     v.GetInt("experiment.query_pause_max_ms"),
			TermsSize:           v.GetInt("experiment.terms_size"),
			TraceFielddata:      v.GetBool("experiment.trace_fielddata"),
			FlushTimeoutSeconds: v.GetInt("experiment.flush_timeout_seconds"),
		},
		Report: ReportConfig{
			Enabled:   v.GetBool("report.enabled"),
			Directory: v.GetString("report.directory"),
			Compress:  v.GetBool("report.compress"),
		},
		Status: StatusConfig{
			Enabled: v.GetBool("status.enabled"),
			Port:    v.GetInt("status.port"),
		},
		Schedule: ScheduleConfig{
			Cron: v.GetString("schedule.cron"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Elasticsearch defaults
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.username", "elastic")
	v.SetDefault("elasticsearch.password", "elastic")
	v.SetDefault("elasticsearch.request_timeout_seconds", 60)
	v.SetDefault("elasticsearch.max_retries", 3)
	v.SetDefault("elasticsearch.retry_delay_ms", 200)
	v.SetDefault("elasticsearch.retry_max_delay_ms", 5000)
	v.SetDefault("elasticsearch.breaker_max_failures", 10)
	v.SetDefault("elasticsearch.breaker_timeout_seconds", 30)

	// Subject index defaults
	v.SetDefault("subject.index", "high_cardinality_experiment")
	v.SetDefault("subject.field", "high_cardinality_field")
	v.SetDefault("subject.shards", 1)
	v.SetDefault("subject.replicas", 0)

	// Populate defaults: one million docs over a one million value range
	v.SetDefault("populate.doc_count", 1_000_000)
	v.SetDefault("populate.batch_size", 1000)
	v.SetDefault("populate.cardinality_range", 1_000_000)
	v.SetDefault("populate.load_refresh_interval", "10s")
	v.SetDefault("populate.ready_refresh_interval", "1s")
	v.SetDefault("populate.verify_count", true)
	v.SetDefault("populate.seed", 0)

	// Experiment defaults
	v.SetDefault("experiment.refresh_intervals", []string{"1s", "60s"})
	v.SetDefault("experiment.eager_global_ordinals", []string{"false", "true"})
	v.SetDefault("experiment.request_cache", []string{"true", "false"})
	v.SetDefault("experiment.duration_seconds", 10)
	v.SetDefault("experiment.insert_interval_ms", 1000)
	v.SetDefault("experiment.pause_between_seconds", 5)
	v.SetDefault("experiment.workers", 1)
	v.SetDefault("experiment.query_pause_min_ms", 0)
	v.SetDefault("experiment.query_pause_max_ms", 1000)
	v.SetDefault("experiment.terms_size", 10)
	v.SetDefault("experiment.trace_fielddata", true)
	v.SetDefault("experiment.flush_timeout_seconds", 60)

	// Report defaults
	v.SetDefault("report.enabled", true)
	v.SetDefault("report.directory", "./results")
	v.SetDefault("report.compress", false)

	// Status server defaults
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8090)

	v.SetDefault("schedule.cron", "")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks ranges that would otherwise surface as confusing runtime failures
func (c *Config) Validate() error {
	if len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch.addresses must not be empty")
	}
	if c.Subject.Index == "" || c.Subject.Field == "" {
		return fmt.Errorf("subject.index and subject.field are required")
	}
	if c.Populate.DocCount < 0 {
		return fmt.Errorf("populate.doc_count must be >= 0, got %d", c.Populate.DocCount)
	}
	if c.Populate.BatchSize <= 0 {
		return fmt.Errorf("populate.batch_size must be > 0, got %d", c.Populate.BatchSize)
	}
	if c.Populate.CardinalityRange <= 0 {
		return fmt.Errorf("populate.cardinality_range must be > 0, got %d", c.Populate.CardinalityRange)
	}
	if c.Experiment.DurationSeconds <= 0 {
		return fmt.Errorf("experiment.duration_seconds must be > 0, got %d", c.Experiment.DurationSeconds)
	}
	if c.Experiment.Workers < 1 {
		return fmt.Errorf("experiment.workers must be >= 1, got %d", c.Experiment.Workers)
	}
	if c.Experiment.InsertIntervalMS < 0 || c.Experiment.PauseBetweenSeconds < 0 {
		return fmt.Errorf("experiment intervals must not be negative")
	}
	if c.Experiment.QueryPauseMinMS < 0 || c.Experiment.QueryPauseMaxMS < c.Experiment.QueryPauseMinMS {
		return fmt.Errorf("experiment.query_pause_min_ms/max_ms: invalid range [%d, %d]",
			c.Experiment.QueryPauseMinMS, c.Experiment.QueryPauseMaxMS)
	}
	if c.Experiment.TermsSize <= 0 {
		return fmt.Errorf("experiment.terms_size must be > 0, got %d", c.Experiment.TermsSize)
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port out of range: %d", c.Status.Port)
	}
	return nil
}

// Duration returns the per-experiment run length
func (c ExperimentConfig) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

func (c ExperimentConfig) InsertInterval() time.Duration {
	return time.Duration(c.InsertIntervalMS) * time.Millisecond
}

func (c ExperimentConfig) PauseBetween() time.Duration {
	return time.Duration(c.PauseBetweenSeconds) * time.Second
}

func (c ExperimentConfig) QueryPauseRange() (time.Duration, time.Duration) {
	return time.Duration(c.QueryPauseMinMS) * time.Millisecond, time.Duration(c.QueryPauseMaxMS) * time.Millisecond
}

func (c ExperimentConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutSeconds) * time.Second
}

// getBoolSlice reads a list of booleans. Viper has no native bool slice getter and
// env values arrive as a single comma separated string.
func getBoolSlice(v *viper.Viper, key string) ([]bool, error) {
	raw := splitList(v.GetStringSlice(key))
	out := make([]bool, 0, len(raw))
	for _, s := range raw {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", key, s, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// splitList flattens comma separated entries ("1s,60s") and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
