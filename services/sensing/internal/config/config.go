package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sosodev/duration"
)

const (
	defaultRedisAddr         = "localhost:6379"
	defaultEdgeHashKey       = "sumo:edge"
	defaultEdgeKeyPrefix     = "sumo:edge:"
	defaultInfluxURL         = "http://localhost:8086"
	defaultInfluxMeasurement = "traffic_events"
	defaultInfluxRange       = "-30d"
	defaultThreshold         = 0.6
	defaultPollInterval      = time.Second
	defaultRefreshInterval   = 5 * time.Minute
	defaultAnalysisInterval  = 15 * time.Second
	defaultWindowSize        = 3
	defaultWindowAdvance     = 2 * time.Hour
	defaultBatchSize         = 200
	defaultBatchTimeout      = 5 * time.Second
	defaultStreamBuffer      = 4096
	defaultRankingInterval   = 10 * time.Second
	defaultRankingCacheKey   = "traffic:cache:top6_congested_junctions"
	defaultHTTPPort          = 8081
	defaultShutdownTimeout   = 10 * time.Second
	defaultRequestTimeout    = 5 * time.Second
	defaultAnalysisTimezone  = "Local"
	defaultEdgeKeyMode       = EdgeKeyModeHash
	defaultOccupancyFallback = true
	defaultLogLevel          = slog.LevelInfo
	defaultRedisDB           = 0
)

// Edge key layouts understood by the snapshot store.
const (
	EdgeKeyModeHash   = "hash"
	EdgeKeyModePrefix = "prefix"
)

// Config holds runtime configuration for the sensing service.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EdgeKeyMode   string
	EdgeHashKey   string
	EdgeKeyPrefix string

	DatabaseURL string

	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string
	InfluxRange       string

	CongestionThreshold float64
	OccupancyFallback   bool

	PollInterval     time.Duration
	RefreshInterval  time.Duration
	AnalysisInterval time.Duration
	WindowSize       int64
	WindowAdvance    time.Duration
	// AnalysisBaseTime is kept raw; the analysis engine owns the fallback.
	AnalysisBaseTime string
	AnalysisLocation *time.Location

	BatchSize    int
	BatchTimeout time.Duration
	StreamBuffer int

	RankingInterval time.Duration
	RankingCacheKey string

	HTTPPort        int
	BearerToken     string
	LogLevel        slog.Level
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		RedisAddr:           defaultRedisAddr,
		RedisDB:             defaultRedisDB,
		EdgeKeyMode:         defaultEdgeKeyMode,
		EdgeHashKey:         defaultEdgeHashKey,
		EdgeKeyPrefix:       defaultEdgeKeyPrefix,
		InfluxURL:           defaultInfluxURL,
		InfluxMeasurement:   defaultInfluxMeasurement,
		InfluxRange:         defaultInfluxRange,
		CongestionThreshold: defaultThreshold,
		OccupancyFallback:   defaultOccupancyFallback,
		PollInterval:        defaultPollInterval,
		RefreshInterval:     defaultRefreshInterval,
		AnalysisInterval:    defaultAnalysisInterval,
		WindowSize:          defaultWindowSize,
		WindowAdvance:       defaultWindowAdvance,
		BatchSize:           defaultBatchSize,
		BatchTimeout:        defaultBatchTimeout,
		StreamBuffer:        defaultStreamBuffer,
		RankingInterval:     defaultRankingInterval,
		RankingCacheKey:     defaultRankingCacheKey,
		HTTPPort:            defaultHTTPPort,
		LogLevel:            defaultLogLevel,
		RequestTimeout:      defaultRequestTimeout,
		ShutdownTimeout:     defaultShutdownTimeout,
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil || db < 0 {
			return cfg, fmt.Errorf("invalid REDIS_DB: %s", v)
		}
		cfg.RedisDB = db
	}

	if v := strings.TrimSpace(os.Getenv("EDGE_KEY_MODE")); v != "" {
		mode := strings.ToLower(v)
		if mode != EdgeKeyModeHash && mode != EdgeKeyModePrefix {
			return cfg, fmt.Errorf("invalid EDGE_KEY_MODE: %s", v)
		}
		cfg.EdgeKeyMode = mode
	}
	if v := strings.TrimSpace(os.Getenv("EDGE_HASH_KEY")); v != "" {
		cfg.EdgeHashKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EDGE_KEY_PREFIX")); v != "" {
		cfg.EdgeKeyPrefix = v
	}

	if v := strings.TrimSpace(os.Getenv("INFLUX_URL")); v != "" {
		cfg.InfluxURL = v
	}
	cfg.InfluxToken = os.Getenv("INFLUX_TOKEN")
	cfg.InfluxOrg = strings.TrimSpace(os.Getenv("INFLUX_ORG"))
	if cfg.InfluxOrg == "" {
		return cfg, errors.New("INFLUX_ORG is required")
	}
	cfg.InfluxBucket = strings.TrimSpace(os.Getenv("INFLUX_BUCKET"))
	if cfg.InfluxBucket == "" {
		return cfg, errors.New("INFLUX_BUCKET is required")
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_MEASUREMENT")); v != "" {
		cfg.InfluxMeasurement = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_RANGE")); v != "" {
		cfg.InfluxRange = v
	}

	if v := strings.TrimSpace(os.Getenv("CONGESTION_THRESHOLD")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid CONGESTION_THRESHOLD: %w", err)
		}
		cfg.CongestionThreshold = f
	}
	if v := strings.TrimSpace(os.Getenv("OCCUPANCY_FALLBACK")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid OCCUPANCY_FALLBACK: %w", err)
		}
		cfg.OccupancyFallback = b
	}

	var err error
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return cfg, err
	}
	if cfg.RefreshInterval, err = durationEnv("DIRECTORY_REFRESH_INTERVAL", cfg.RefreshInterval); err != nil {
		return cfg, err
	}
	if cfg.AnalysisInterval, err = durationEnv("ANALYSIS_INTERVAL", cfg.AnalysisInterval); err != nil {
		return cfg, err
	}
	if cfg.WindowAdvance, err = durationEnv("ANALYSIS_WINDOW_ADVANCE", cfg.WindowAdvance); err != nil {
		return cfg, err
	}
	if cfg.BatchTimeout, err = durationEnv("FORWARD_BATCH_TIMEOUT", cfg.BatchTimeout); err != nil {
		return cfg, err
	}
	if cfg.RankingInterval, err = durationEnv("RANKING_INTERVAL", cfg.RankingInterval); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return cfg, err
	}

	if v := strings.TrimSpace(os.Getenv("ANALYSIS_WINDOW_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid ANALYSIS_WINDOW_SIZE: %s", v)
		}
		cfg.WindowSize = n
	}
	cfg.AnalysisBaseTime = strings.TrimSpace(os.Getenv("ANALYSIS_BASE_TIME"))

	tz := strings.TrimSpace(os.Getenv("ANALYSIS_TIMEZONE"))
	if tz == "" {
		tz = defaultAnalysisTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return cfg, fmt.Errorf("invalid ANALYSIS_TIMEZONE: %w", err)
	}
	cfg.AnalysisLocation = loc

	if cfg.BatchSize, err = positiveIntEnv("FORWARD_BATCH_SIZE", cfg.BatchSize); err != nil {
		return cfg, err
	}
	if cfg.StreamBuffer, err = positiveIntEnv("STREAM_BUFFER", cfg.StreamBuffer); err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(os.Getenv("RANKING_CACHE_KEY")); v != "" {
		cfg.RankingCacheKey = v
	}

	if portStr := strings.TrimSpace(os.Getenv("HTTP_PORT")); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.HTTPPort = port
		} else {
			return cfg, fmt.Errorf("invalid HTTP_PORT: %s", portStr)
		}
	}
	cfg.BearerToken = os.Getenv("API_BEARER_TOKEN")

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the ops HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil && strings.HasPrefix(strings.ToUpper(v), "P") {
		// ISO 8601, e.g. PT2H
		var iso *duration.Duration
		if iso, err = duration.Parse(strings.ToUpper(v)); err == nil {
			d = iso.ToTimeDuration()
		}
	}
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

func positiveIntEnv(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def, fmt.Errorf("invalid %s: %s", name, v)
	}
	return n, nil
}
