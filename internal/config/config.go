// Package config provides configuration management for memforge.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultModel is the chat model used for memory extraction.
	DefaultModel = "gpt-4o-mini"
	// DefaultEmbeddingModel is the embedding model used when an API key is configured.
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultDBDriver is the storage backend.
	DefaultDBDriver = "sqlite"
)

// DefaultTurnMask selects every turn content class.
var DefaultTurnMask = []string{"prompt", "stdout", "stderr", "final_output"}

// Config holds memforge settings.
type Config struct {
	// Storage
	DBDriver string `json:"db_driver"`
	DBDSN    string `json:"db_dsn"`
	MaxConns int    `json:"max_conns"`

	// LLM and embeddings
	Model                string        `json:"model"`
	LLMBaseURL           string        `json:"llm_base_url"`
	LLMAPIKey            string        `json:"-"`
	LLMTimeout           time.Duration `json:"llm_timeout"`
	LLMRequestsPerMinute float64       `json:"llm_requests_per_minute"`
	EmbeddingModel       string        `json:"embedding_model"`
	EmbeddingDims        int           `json:"embedding_dims"`

	// Extraction
	MaxAgeDays             int      `json:"max_age_days"`
	MinIdleHours           int      `json:"min_idle_hours"`
	MaxSessionsPerRun      int      `json:"max_sessions_per_run"`
	Concurrency            int      `json:"concurrency"`
	MaxTranscriptBytes     int      `json:"max_transcript_bytes"`
	RawMemoryMaxChars      int      `json:"raw_memory_max_chars"`
	RolloutSummaryMaxChars int      `json:"rollout_summary_max_chars"`
	TurnMask               []string `json:"turn_mask"`
	ExcludedProjects       []string `json:"excluded_projects"`

	// Clustering
	ClusterThreshold        float64 `json:"cluster_threshold"`
	MinClusterSize          int     `json:"min_cluster_size"`
	ClusterMinHoursBetween  int     `json:"cluster_min_hours_between"`
	ClusterMinUnclustered   int     `json:"cluster_min_unclustered"`
	ClusterLookbackDays     int     `json:"cluster_lookback_days"`
	ClusterMaxBatchSessions int     `json:"cluster_max_batch_sessions"`

	// Pattern detection
	PatternMaxChunks         int     `json:"pattern_max_chunks"`
	PatternSimilarity        float64 `json:"pattern_similarity"`
	PatternSolidifyThreshold float64 `json:"pattern_solidify_threshold"`

	// Retrieval
	VectorWeight   float64 `json:"vector_weight"`
	FTSWeight      float64 `json:"fts_weight"`
	HeatWeight     float64 `json:"heat_weight"`
	SearchTopK     int     `json:"search_top_k"`
	SearchMinScore float64 `json:"search_min_score"`

	// Daemon
	DaemonInterval time.Duration `json:"daemon_interval"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// DataDir returns the data directory path.
func DataDir() string {
	if dir := os.Getenv("MEMFORGE_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memforge")
}

// DBPath returns the SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "memforge.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// VectorDBPath returns the directory of the persistent vector index.
func VectorDBPath() string {
	return filepath.Join(DataDir(), "vectors")
}

// ArtifactsDir returns the directory solidified pattern artifacts are written to.
func ArtifactsDir() string {
	return filepath.Join(DataDir(), "patterns")
}

// CollectionsPath returns the optional pattern probe registry file.
func CollectionsPath() string {
	return filepath.Join(DataDir(), "collections.yml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaults := map[string]any{
		"MEMFORGE_MODEL":                DefaultModel,
		"MEMFORGE_EMBEDDING_MODEL":      DefaultEmbeddingModel,
		"MEMFORGE_MAX_AGE_DAYS":         30,
		"MEMFORGE_MIN_IDLE_HOURS":       6,
		"MEMFORGE_MAX_SESSIONS_PER_RUN": 64,
		"MEMFORGE_CONCURRENCY":          4,
	}
	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory, the artifacts directory and the settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := os.MkdirAll(ArtifactsDir(), 0750); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DBDriver:                 DefaultDBDriver,
		MaxConns:                 4,
		Model:                    DefaultModel,
		LLMTimeout:               2 * time.Minute,
		LLMRequestsPerMinute:     30,
		EmbeddingModel:           DefaultEmbeddingModel,
		EmbeddingDims:            256,
		MaxAgeDays:               30,
		MinIdleHours:             6,
		MaxSessionsPerRun:        64,
		Concurrency:              4,
		MaxTranscriptBytes:       256 * 1024,
		RawMemoryMaxChars:        20000,
		RolloutSummaryMaxChars:   2000,
		TurnMask:                 append([]string(nil), DefaultTurnMask...),
		ExcludedProjects:         []string{},
		ClusterThreshold:         0.4,
		MinClusterSize:           2,
		ClusterMinHoursBetween:   6,
		ClusterMinUnclustered:    5,
		ClusterLookbackDays:      30,
		ClusterMaxBatchSessions:  200,
		PatternMaxChunks:         500,
		PatternSimilarity:        0.85,
		PatternSolidifyThreshold: 0.8,
		VectorWeight:             0.6,
		FTSWeight:                0.3,
		HeatWeight:               0.1,
		SearchTopK:               20,
		SearchMinScore:           0.3,
		DaemonInterval:           30 * time.Minute,
	}
}

// Load reads settings.json and applies environment overrides on top of the
// defaults. A missing or unparsable settings file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	settings := make(map[string]any)
	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		if jsonErr := json.Unmarshal(data, &settings); jsonErr != nil {
			log.Warn().Err(jsonErr).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
			settings = make(map[string]any)
		}
	}

	// Environment wins over the file
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, "MEMFORGE_") {
			settings[key] = value
		}
	}

	s := settingsMap(settings)
	s.str("MEMFORGE_DB_DRIVER", &cfg.DBDriver)
	s.str("MEMFORGE_DB_DSN", &cfg.DBDSN)
	s.positiveInt("MEMFORGE_MAX_CONNS", &cfg.MaxConns)

	s.str("MEMFORGE_MODEL", &cfg.Model)
	s.str("MEMFORGE_LLM_BASE_URL", &cfg.LLMBaseURL)
	s.str("MEMFORGE_LLM_API_KEY", &cfg.LLMAPIKey)
	s.seconds("MEMFORGE_LLM_TIMEOUT_SECONDS", &cfg.LLMTimeout)
	s.float("MEMFORGE_LLM_REQUESTS_PER_MINUTE", &cfg.LLMRequestsPerMinute)
	s.str("MEMFORGE_EMBEDDING_MODEL", &cfg.EmbeddingModel)
	s.positiveInt("MEMFORGE_EMBEDDING_DIMS", &cfg.EmbeddingDims)

	s.positiveInt("MEMFORGE_MAX_AGE_DAYS", &cfg.MaxAgeDays)
	s.nonNegativeInt("MEMFORGE_MIN_IDLE_HOURS", &cfg.MinIdleHours)
	s.positiveInt("MEMFORGE_MAX_SESSIONS_PER_RUN", &cfg.MaxSessionsPerRun)
	s.positiveInt("MEMFORGE_CONCURRENCY", &cfg.Concurrency)
	s.positiveInt("MEMFORGE_MAX_TRANSCRIPT_BYTES", &cfg.MaxTranscriptBytes)
	s.positiveInt("MEMFORGE_RAW_MEMORY_MAX_CHARS", &cfg.RawMemoryMaxChars)
	s.positiveInt("MEMFORGE_ROLLOUT_SUMMARY_MAX_CHARS", &cfg.RolloutSummaryMaxChars)
	s.list("MEMFORGE_TURN_MASK", &cfg.TurnMask)
	s.list("MEMFORGE_EXCLUDED_PROJECTS", &cfg.ExcludedProjects)

	s.float("MEMFORGE_CLUSTER_THRESHOLD", &cfg.ClusterThreshold)
	s.positiveInt("MEMFORGE_MIN_CLUSTER_SIZE", &cfg.MinClusterSize)
	s.nonNegativeInt("MEMFORGE_CLUSTER_MIN_HOURS_BETWEEN", &cfg.ClusterMinHoursBetween)
	s.nonNegativeInt("MEMFORGE_CLUSTER_MIN_UNCLUSTERED", &cfg.ClusterMinUnclustered)
	s.positiveInt("MEMFORGE_CLUSTER_LOOKBACK_DAYS", &cfg.ClusterLookbackDays)
	s.positiveInt("MEMFORGE_CLUSTER_MAX_BATCH_SESSIONS", &cfg.ClusterMaxBatchSessions)

	s.positiveInt("MEMFORGE_PATTERN_MAX_CHUNKS", &cfg.PatternMaxChunks)
	s.float("MEMFORGE_PATTERN_SIMILARITY", &cfg.PatternSimilarity)
	s.float("MEMFORGE_PATTERN_SOLIDIFY_THRESHOLD", &cfg.PatternSolidifyThreshold)

	s.float("MEMFORGE_VECTOR_WEIGHT", &cfg.VectorWeight)
	s.float("MEMFORGE_FTS_WEIGHT", &cfg.FTSWeight)
	s.float("MEMFORGE_HEAT_WEIGHT", &cfg.HeatWeight)
	s.positiveInt("MEMFORGE_SEARCH_TOP_K", &cfg.SearchTopK)
	s.float("MEMFORGE_SEARCH_MIN_SCORE", &cfg.SearchMinScore)

	var minutes int
	if s.positiveInt("MEMFORGE_DAEMON_INTERVAL_MINUTES", &minutes) {
		cfg.DaemonInterval = time.Duration(minutes) * time.Minute
	}

	// OpenAI-compatible tooling conventionally reads this variable.
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg, nil
}

// Get returns the global configuration, loading it once.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})
	return globalConfig
}

// settingsMap reads typed values out of decoded settings. JSON numbers
// arrive as float64 and environment values as strings; both are accepted.
type settingsMap map[string]any

func (s settingsMap) str(key string, dst *string) bool {
	v, ok := s[key].(string)
	if !ok || v == "" {
		return false
	}
	*dst = v
	return true
}

func (s settingsMap) number(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric setting")
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func (s settingsMap) float(key string, dst *float64) bool {
	v, ok := s.number(key)
	if !ok || v < 0 {
		return false
	}
	*dst = v
	return true
}

func (s settingsMap) positiveInt(key string, dst *int) bool {
	v, ok := s.number(key)
	if !ok || v <= 0 {
		return false
	}
	*dst = int(v)
	return true
}

func (s settingsMap) nonNegativeInt(key string, dst *int) bool {
	v, ok := s.number(key)
	if !ok || v < 0 {
		return false
	}
	*dst = int(v)
	return true
}

func (s settingsMap) seconds(key string, dst *time.Duration) bool {
	v, ok := s.number(key)
	if !ok || v <= 0 {
		return false
	}
	*dst = time.Duration(v * float64(time.Second))
	return true
}

// list accepts a comma-separated string or a JSON array of strings.
func (s settingsMap) list(key string, dst *[]string) bool {
	switch v := s[key].(type) {
	case string:
		*dst = splitTrim(v)
		return true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && strings.TrimSpace(str) != "" {
				out = append(out, strings.TrimSpace(str))
			}
		}
		*dst = out
		return true
	}
	return false
}

// splitTrim splits a comma-separated string and trims whitespace from each part.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
