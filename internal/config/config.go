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

	"bus-journeys/internal/logging"
)

type Config struct {
	DatabaseURL string // empty runs with the in-memory store
	SeedFile    string // optional JSON file of assignments loaded at start

	NATSURL             string
	NATSSampleSubject   string
	NATSMilestonePrefix string
	LogNATSSubjects     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPAddr    string
	MetricsAddr string

	BookingTimeout   time.Duration
	DefaultSpeedKmh  float64
	ApproachRadiusKm float64
	SampleBuffer     int
	RefreshInterval  time.Duration // how often active assignments are reloaded

	BoardingSecret  string
	BoardingPassTTL time.Duration

	RateLimitPerSec int
	CORSOrigins     []string
	LogLevel        slog.Level
	Location        *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars when PGDATABASE is set
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}

	cfg.SeedFile = os.Getenv("SEED_FILE")

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	if strings.EqualFold(cfg.NATSURL, "off") {
		cfg.NATSURL = ""
	}
	cfg.NATSSampleSubject = getenvDefault("NATS_SAMPLE_SUBJECT", "vehicles.>")
	cfg.NATSMilestonePrefix = getenvDefault("NATS_MILESTONE_PREFIX", "milestones")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	if v := os.Getenv("BOOKING_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid BOOKING_TIMEOUT_MS: %q", v)
		}
		cfg.BookingTimeout = time.Duration(ms) * time.Millisecond
	} else {
		cfg.BookingTimeout = 5 * time.Second
	}

	var err error
	if cfg.DefaultSpeedKmh, err = positiveFloat("DEFAULT_SPEED_KMH", 40); err != nil {
		return nil, err
	}
	if cfg.ApproachRadiusKm, err = positiveFloat("APPROACH_RADIUS_KM", 1); err != nil {
		return nil, err
	}

	if v := os.Getenv("SAMPLE_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SAMPLE_BUFFER: %q", v)
		}
		cfg.SampleBuffer = n
	} else {
		cfg.SampleBuffer = 32
	}

	if v := os.Getenv("ASSIGNMENTS_REFRESH_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid ASSIGNMENTS_REFRESH_SEC: %q", v)
		}
		cfg.RefreshInterval = time.Duration(n) * time.Second
	} else {
		cfg.RefreshInterval = time.Minute
	}

	cfg.BoardingSecret = os.Getenv("BOARDING_SECRET")
	if cfg.BoardingSecret == "" && cfg.DatabaseURL != "" {
		return nil, errors.New("BOARDING_SECRET must be set when DATABASE_URL is configured")
	}
	if v := os.Getenv("BOARDING_PASS_TTL_HOURS"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid BOARDING_PASS_TTL_HOURS: %q", v)
		}
		cfg.BoardingPassTTL = time.Duration(h) * time.Hour
	} else {
		cfg.BoardingPassTTL = 24 * time.Hour
	}

	if v := os.Getenv("RATE_LIMIT_PER_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_SEC: %q", v)
		}
		cfg.RateLimitPerSec = n
	} else {
		cfg.RateLimitPerSec = 50
	}

	for _, o := range strings.Split(getenvDefault("CORS_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	if cfg.LogLevel, err = logging.ParseLevel(os.Getenv("LOG_LEVEL")); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %v", err)
	}

	// Time zone used for ticket numbers
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
