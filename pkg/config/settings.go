package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	envLogLevel      = "HARDEN_LOG_LEVEL"
	envLogFormat     = "HARDEN_LOG_FORMAT"
	envStateDB       = "HARDEN_STATE_DB"
	envTimeout       = "HARDEN_TIMEOUT"
	envParallel      = "HARDEN_PARALLEL"
	envTraceExporter = "HARDEN_TRACE_EXPORTER"
	envTraceEndpoint = "HARDEN_TRACE_ENDPOINT"
	envMetricsFile   = "HARDEN_METRICS_FILE"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "console"
	defaultStateDB   = "/var/lib/harden/history.db"
	defaultTimeout   = 60 * time.Second
	defaultParallel  = 10
)

// Settings are runtime settings read from the environment. Command-line
// flags take precedence over them.
type Settings struct {
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=console json"`

	// StateDB is the SQLite run history path. Empty disables history.
	StateDB string

	Timeout  time.Duration `validate:"gt=0"`
	Parallel int           `validate:"gte=1"`

	TraceExporter string `validate:"oneof=none stdout otlp"`
	TraceEndpoint string `validate:"required_if=TraceExporter otlp"`

	// MetricsFile is a node-exporter textfile to write after each run.
	MetricsFile string
}

// DefaultSettings returns settings with every default applied.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:      defaultLogLevel,
		LogFormat:     defaultLogFormat,
		StateDB:       defaultStateDB,
		Timeout:       defaultTimeout,
		Parallel:      defaultParallel,
		TraceExporter: "none",
	}
}

// LoadSettings reads HARDEN_* variables, loading dotenv first when present.
// Existing environment variables take precedence over values in the file.
func LoadSettings(dotenv string) (Settings, error) {
	if dotenv != "" {
		if err := loadDotEnvIfPresent(dotenv); err != nil {
			return Settings{}, err
		}
	}

	s := DefaultSettings()
	if v, ok := lookupTrimmed(envLogLevel); ok {
		s.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookupTrimmed(envLogFormat); ok {
		s.LogFormat = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(envStateDB); ok {
		s.StateDB = strings.TrimSpace(v)
	}
	if v, ok := lookupTrimmed(envTimeout); ok {
		var d Duration
		if err := d.parse(v); err != nil {
			return Settings{}, fmt.Errorf("invalid %s: %w", envTimeout, err)
		}
		s.Timeout = time.Duration(d)
	}
	if v, ok := lookupTrimmed(envParallel); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid %s: %w", envParallel, err)
		}
		s.Parallel = n
	}
	if v, ok := lookupTrimmed(envTraceExporter); ok {
		s.TraceExporter = strings.ToLower(v)
	}
	if v, ok := lookupTrimmed(envTraceEndpoint); ok {
		s.TraceEndpoint = v
	}
	if v, ok := lookupTrimmed(envMetricsFile); ok {
		s.MetricsFile = v
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks every setting.
func (s Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid setting %s=%v: failed %q check", fe.Field(), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}
