// Package config loads service settings from an optional YAML file overlaid
// by environment variables (and a local .env file, if present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"shiftroute/internal/geo"
	"shiftroute/internal/model"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Manager   ManagerConfig   `yaml:"manager"`
	Geocode   GeocodeConfig   `yaml:"geocode"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, postgres, sqlite
	URL    string `yaml:"url"`    // postgres DSN
	Path   string `yaml:"path"`   // sqlite file
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type OptimizerConfig struct {
	SpeedKph        float64                    `yaml:"speedKph"`
	Circuity        float64                    `yaml:"circuity"`
	PriorityBonusKm map[model.Priority]float64 `yaml:"priorityBonusKm"`
	// Legs overrides the straight-line estimate for known pairs, e.g. a
	// road-distance matrix exported for a depot's regular drops.
	Legs []LegConfig `yaml:"legs"`
}

// LegConfig is one measured leg. A zero timeMin is derived from speedKph.
type LegConfig struct {
	From       model.GeoPoint `yaml:"from"`
	To         model.GeoPoint `yaml:"to"`
	DistanceKm float64        `yaml:"distanceKm"`
	TimeMin    float64        `yaml:"timeMin"`
	OneWay     bool           `yaml:"oneWay"`
}

// Estimator returns the leg estimator for these settings: straight-line
// haversine, or a table of the configured legs falling back to it.
func (o OptimizerConfig) Estimator() geo.Estimator {
	h := geo.NewHaversine(o.SpeedKph, o.Circuity)
	if len(o.Legs) == 0 {
		return h
	}
	t := geo.NewTable(h, o.SpeedKph)
	for _, l := range o.Legs {
		if l.OneWay {
			t.Set(l.From, l.To, l.DistanceKm, l.TimeMin)
			continue
		}
		t.SetSymmetric(l.From, l.To, l.DistanceKm, l.TimeMin)
	}
	return t
}

type ManagerConfig struct {
	ShiftWindow time.Duration `yaml:"shiftWindow"`
	MaxRetries  int           `yaml:"maxRetries"`
}

type GeocodeConfig struct {
	ORSAPIKey         string        `yaml:"orsApiKey"`
	BaseURL           string        `yaml:"baseURL"`
	Country           string        `yaml:"country"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	CacheTTL          time.Duration `yaml:"cacheTTL"`
}

type WebhookConfig struct {
	URL         string `yaml:"url"`
	Secret      string `yaml:"secret"`
	MaxAttempts int    `yaml:"maxAttempts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{Driver: "memory", Path: "shiftroute.db"},
		Optimizer: OptimizerConfig{
			SpeedKph: 50,
			Circuity: 1,
			PriorityBonusKm: map[model.Priority]float64{
				model.PriorityLow:    0,
				model.PriorityNormal: 0.5,
				model.PriorityHigh:   1.5,
				model.PriorityUrgent: 3,
			},
		},
		Manager: ManagerConfig{ShiftWindow: 24 * time.Hour, MaxRetries: 3},
		Geocode: GeocodeConfig{RequestsPerMinute: 40, CacheTTL: 30 * 24 * time.Hour},
		Webhook: WebhookConfig{MaxAttempts: 10},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads .env (if any), then the YAML file at path (a missing file is
// not an error), then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	str("HTTP_ADDR", &c.Server.Addr)
	str("DB_DRIVER", &c.Database.Driver)
	str("DATABASE_URL", &c.Database.URL)
	str("SQLITE_PATH", &c.Database.Path)
	str("REDIS_URL", &c.Redis.URL)
	num("OPTIMIZER_SPEED_KPH", &c.Optimizer.SpeedKph)
	num("OPTIMIZER_CIRCUITY", &c.Optimizer.Circuity)
	dur("SHIFT_WINDOW", &c.Manager.ShiftWindow)
	integer("MAX_RETRIES", &c.Manager.MaxRetries)
	str("ORS_API_KEY", &c.Geocode.ORSAPIKey)
	str("ORS_BASE_URL", &c.Geocode.BaseURL)
	str("GEOCODE_COUNTRY", &c.Geocode.Country)
	integer("GEOCODE_RPM", &c.Geocode.RequestsPerMinute)
	str("WEBHOOK_URL", &c.Webhook.URL)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)
	integer("WEBHOOK_MAX_ATTEMPTS", &c.Webhook.MaxAttempts)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	// a bare DATABASE_URL implies postgres, as in earlier deployments
	if _, set := lookup("DB_DRIVER"); !set && c.Database.URL != "" && c.Database.Driver == "memory" {
		c.Database.Driver = "postgres"
	}
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of memory, postgres, sqlite", c.Database.Driver))
	}
	if c.Optimizer.SpeedKph <= 0 {
		errs = append(errs, fmt.Errorf("optimizer.speedKph must be positive, got %v", c.Optimizer.SpeedKph))
	}
	if c.Optimizer.Circuity < 1 {
		errs = append(errs, fmt.Errorf("optimizer.circuity must be at least 1, got %v", c.Optimizer.Circuity))
	}
	prev := 0.0
	for i, p := range model.Priorities {
		b, ok := c.Optimizer.PriorityBonusKm[p]
		if !ok {
			errs = append(errs, fmt.Errorf("optimizer.priorityBonusKm is missing %q", p))
			continue
		}
		if b < 0 || (i > 0 && b < prev) {
			errs = append(errs, fmt.Errorf("optimizer.priorityBonusKm must be non-negative and non-decreasing by priority (%s=%v)", p, b))
		}
		prev = b
	}
	for p := range c.Optimizer.PriorityBonusKm {
		if !p.Valid() {
			errs = append(errs, fmt.Errorf("optimizer.priorityBonusKm has unknown priority %q", p))
		}
	}
	for i, l := range c.Optimizer.Legs {
		if !l.From.Valid() || !l.To.Valid() {
			errs = append(errs, fmt.Errorf("optimizer.legs[%d] has an out-of-range coordinate", i))
		}
		if l.DistanceKm < 0 || l.TimeMin < 0 {
			errs = append(errs, fmt.Errorf("optimizer.legs[%d] must not be negative", i))
		}
	}
	if c.Manager.ShiftWindow < 0 {
		errs = append(errs, errors.New("manager.shiftWindow must not be negative"))
	}
	if c.Manager.MaxRetries < 0 {
		errs = append(errs, errors.New("manager.maxRetries must not be negative"))
	}
	if c.Webhook.URL != "" && c.Webhook.MaxAttempts <= 0 {
		errs = append(errs, errors.New("webhook.maxAttempts must be positive"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}
