package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSessionHours = 8
	minSessionHours     = 5
	maxSessionHours     = 12
)

// Config holds the environment driven settings of the relay.
type Config struct {
	Port            int
	DBPath          string
	SessionDuration time.Duration
	CleanupInterval time.Duration
	InactivityGrace time.Duration
	FrontendURL     string
	AllowedOrigins  []string
	LogLevel        string
	LogFormat       string
}

// Load reads the process environment, applying defaults for anything unset.
// All unparseable values are reported together.
func Load() (Config, error) {
	cfg := Config{
		Port:            8080,
		DBPath:          "./data/codepair.db",
		SessionDuration: defaultSessionHours * time.Hour,
		CleanupInterval: time.Hour,
		InactivityGrace: 5 * time.Minute,
		FrontendURL:     "http://localhost:5173",
		AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:3000"},
		LogLevel:        "info",
		LogFormat:       "text",
	}

	invalid := make([]string, 0, 4)

	if v := env("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			invalid = append(invalid, "PORT")
		} else {
			cfg.Port = port
		}
	}

	if v := env("CODEPAIR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	// Out of range durations fall back to the default rather than failing.
	if v := env("SESSION_DURATION_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			invalid = append(invalid, "SESSION_DURATION_HOURS")
		} else if hours >= minSessionHours && hours <= maxSessionHours {
			cfg.SessionDuration = time.Duration(hours) * time.Hour
		}
	}

	if v := env("CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			invalid = append(invalid, "CLEANUP_INTERVAL")
		} else {
			cfg.CleanupInterval = d
		}
	}

	if v := env("INACTIVITY_GRACE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			invalid = append(invalid, "INACTIVITY_GRACE_PERIOD")
		} else {
			cfg.InactivityGrace = d
		}
	}

	if v := env("FRONTEND_URL"); v != "" {
		cfg.FrontendURL = strings.TrimRight(v, "/")
	}

	if v := env("ALLOWED_ORIGINS"); v != "" {
		origins := make([]string, 0)
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}

	if v := env("LOG_LEVEL"); v != "" {
		switch strings.ToLower(v) {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = strings.ToLower(v)
		default:
			invalid = append(invalid, "LOG_LEVEL")
		}
	}

	if v := env("LOG_FORMAT"); v != "" {
		switch strings.ToLower(v) {
		case "text", "json":
			cfg.LogFormat = strings.ToLower(v)
		default:
			invalid = append(invalid, "LOG_FORMAT")
		}
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment values: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
