// Package logging configures the process-wide zerolog logger and derives
// the component and session loggers the fetch engine writes through.
//
// Every line carries the service name. Component loggers add "component";
// session loggers add the tenant, session ID and mode so all lines of one
// fetch can be correlated.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a configured minimum level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DefaultService is the service field written when Config.Service is empty.
const DefaultService = "mailfetch"

// Config holds logger configuration.
type Config struct {
	Level LogLevel `mapstructure:"level"`

	// Pretty switches from JSON lines to zerolog's console format.
	Pretty bool `mapstructure:"pretty"`

	// Service names the process in every line, e.g. to tell instances apart.
	Service string `mapstructure:"service"`

	Output io.Writer `mapstructure:"-"`
}

// DefaultConfig returns JSON logging at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Service: DefaultService,
		Output:  os.Stderr,
	}
}

// ZerologLevel converts l. "warning" is accepted as an alias; an empty
// level means info.
func (l LogLevel) ZerologLevel() (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(string(l)))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", l)
	}
	return lvl, nil
}

// Validate checks the configured level.
func (c Config) Validate() error {
	_, err := c.Level.ZerologLevel()
	return err
}

// Setup installs the global logger described by cfg and returns it. An
// invalid level falls back to info.
func Setup(cfg Config) zerolog.Logger {
	level, err := cfg.Level.ZerologLevel()
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	service := cfg.Service
	if service == "" {
		service = DefaultService
	}

	log.Logger = zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Logger()

	if err != nil {
		log.Warn().Err(err).Msg("Falling back to info level")
	}
	return log.Logger
}

// NewLogger returns a child of the global logger for one package.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Session identifies one fetch session.
type Session struct {
	Tenant string
	ID     string
	Mode   string
}

// ForSession returns base with the session fields attached. Empty fields
// are omitted.
func ForSession(base zerolog.Logger, s Session) zerolog.Logger {
	ctx := base.With()
	if s.Tenant != "" {
		ctx = ctx.Str("tenant", s.Tenant)
	}
	if s.ID != "" {
		ctx = ctx.Str("session_id", s.ID)
	}
	if s.Mode != "" {
		ctx = ctx.Str("mode", s.Mode)
	}
	return ctx.Logger()
}

// Field conventions:
//
//	service      process name (Config.Service)
//	component    emitting package: breaker, fetcher, gmail-client, imap-client
//	tenant       mailbox account the session runs for
//	session_id   UUID of the fetch session
//	mode         single-page or fetch-all
//	plan         normal or heavy
//	page         1-based list page number
//	message_id   backend message ID
//	error_class  auth, rate_limit, transient, timeout, client, unknown
//	attempt      1-based attempt number
//
// Debug carries page, batch and cache progress. Info marks session
// completion, token refreshes and lifecycle. Warn covers retries, breaker
// trips and resets, placeholders and store fallbacks. Error is reserved for
// sessions that returned nothing and rejected credentials.
