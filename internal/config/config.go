package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every tunable for the session orchestrator. Values come
// from the environment with SHELLMUX_ prefixed variables.
type Config struct {
	// HTTP/websocket listen address shared by both session server
	// instances and the coordinator REST routes.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Path of the sqlite database holding session metadata.
	DatabasePath string `envconfig:"DATABASE_PATH" default:"shellmux.db"`

	// Maximum concurrent sessions per project.
	MaxSessionsPerProject int `envconfig:"MAX_SESSIONS_PER_PROJECT" default:"10"`

	// OutputBuffer capacity in chunks (not bytes).
	OutputBufferChunks int `envconfig:"OUTPUT_BUFFER_CHUNKS" default:"500"`

	// Sessions active with no attached connection longer than this are
	// reaped. Attached sessions are never reaped.
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`

	// How often the idle reaper sweeps.
	ReapInterval time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`

	// Circuit breaker tuning.
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerFailureWindow    time.Duration `envconfig:"BREAKER_FAILURE_WINDOW" default:"30s"`
	BreakerBaseDelay        time.Duration `envconfig:"BREAKER_BASE_DELAY" default:"1s"`
	BreakerMaxDelay         time.Duration `envconfig:"BREAKER_MAX_DELAY" default:"30s"`

	// Maximum client reconnect attempts before the multiplexer gives up
	// on a session permanently.
	MaxReconnectAttempts int `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"10"`

	// Assistant CLI launched inside assistant-type sessions.
	AssistantCommand string `envconfig:"ASSISTANT_COMMAND" default:"claude"`

	// Output substrings that mark an assistant session ready. These are
	// best-effort heuristics over banner text, so they are configuration
	// rather than protocol.
	ReadySignatures []string `envconfig:"READY_SIGNATURES" default:"Welcome to Claude,? for shortcuts,Try \"claude"`

	// How long to wait for a ready signature before flagging the session
	// not-ready (soft degrade, the session keeps running).
	ReadyTimeout time.Duration `envconfig:"READY_TIMEOUT" default:"15s"`

	// HMAC secret for token validation. Empty disables auth.
	AuthSecret string `envconfig:"AUTH_SECRET" default:""`

	Dev bool `envconfig:"DEV" default:"false"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("shellmux", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
