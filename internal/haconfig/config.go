// Package haconfig loads and persists the HAConfig the HA Client and
// Setup State Machine consume, matching spec.md §3 "HAConfig (persisted)"
// and §6's environment-variable and persisted-file surfaces. It is
// modeled as an immutable value behind a versioned Handle (spec.md §9)
// so readers never observe a tear between a swapped-out and swapped-in
// config during a reconfiguration.
package haconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// ReconnectPolicy is the exponential-backoff-with-jitter policy used by
// the HA Client, spec.md §4.2 "Reconnect policy" and §9's open question
// on jitter bounds: a 30s cap with ±20% jitter is the chosen default.
type ReconnectPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	JitterFrac   float64       `json:"jitter_frac"`
}

// DefaultReconnectPolicy returns the spec.md §9 defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.2,
	}
}

// Delay returns the backoff delay for the n'th (0-indexed) consecutive
// failure, before jitter is applied by the caller (jitter needs a random
// source, kept out of this pure function so it stays deterministic and
// testable).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	max := float64(p.MaxDelay)
	if d > max {
		d = max
	}
	return time.Duration(d)
}

// HAConfig is the persisted configuration for the upstream HA connection,
// spec.md §3. Immutable after setup commit; replaced wholesale on
// reconfiguration via Handle.Commit.
type HAConfig struct {
	URL                   string           `json:"url"`
	Token                 string           `json:"token"`
	ConnectionTimeout     time.Duration    `json:"connection_timeout"`
	RequestTimeout        time.Duration    `json:"request_timeout"`
	MaxFrameSize          int              `json:"max_frame_size"`
	ReconnectPolicy       ReconnectPolicy  `json:"reconnect_policy"`
	HeartbeatInterval     time.Duration    `json:"heartbeat_interval"`
	DisableCertValidation bool             `json:"disable_cert_validation"`
	DisconnectOnStandby   bool             `json:"disconnect_on_standby"`
}

// Default returns a HAConfig with the spec.md §9 defaults applied to
// every field the caller doesn't override.
func Default() HAConfig {
	return HAConfig{
		ConnectionTimeout:     10 * time.Second,
		RequestTimeout:        10 * time.Second,
		MaxFrameSize:          1 << 20,
		ReconnectPolicy:       DefaultReconnectPolicy(),
		HeartbeatInterval:     30 * time.Second,
		DisableCertValidation: false,
		DisconnectOnStandby:   false,
	}
}

// Validate checks the minimal invariants the Setup State Machine enforces
// before probing HA (spec.md §4.4): URL parses as ws/wss, token non-empty.
func (c HAConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url must not be empty")
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("url must use the ws:// or wss:// scheme, got %q", c.URL)
	}
	if c.Token == "" {
		return fmt.Errorf("token must not be empty")
	}
	return nil
}

// SchemeOnlyChanged reports whether next equals c apart from the ws<->wss
// scheme of URL, the case spec.md §4.4 allows to apply without a process
// restart. Identical configs also report true.
func (c HAConfig) SchemeOnlyChanged(next HAConfig) bool {
	strip := func(u string) string {
		return strings.TrimPrefix(strings.TrimPrefix(u, "wss://"), "ws://")
	}
	if strip(c.URL) != strip(next.URL) {
		return false
	}
	c.URL, next.URL = "", ""
	return c == next
}

// Handle is a versioned, read-mostly view over the current HAConfig.
// Writers (the Supervisor, via setup commit) call Commit to atomically
// publish a new version; readers call Load to resolve the config in
// effect for their operation — they never observe a partially-written
// struct, matching spec.md §5's "readers see either the old or new value,
// never a tear" guarantee.
type Handle struct {
	mu      sync.RWMutex
	current HAConfig
	version uint64
}

// NewHandle creates a Handle seeded with the given initial config.
func NewHandle(initial HAConfig) *Handle {
	return &Handle{current: initial, version: 1}
}

// Load returns the config currently in effect and its version.
func (h *Handle) Load() (HAConfig, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.version
}

// Commit atomically replaces the config and bumps the version, returning
// the new version number.
func (h *Handle) Commit(cfg HAConfig) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = cfg
	h.version++
	return h.version
}

// Filename returns the absolute path to the persisted config file, per
// spec.md §6: "$UC_CONFIG_HOME/$UC_USER_CFG_FILENAME" defaulting to
// home-assistant.json.
func Filename() string {
	dir := os.Getenv("UC_CONFIG_HOME")
	if dir == "" {
		dir = "."
	}
	name := os.Getenv("UC_USER_CFG_FILENAME")
	if name == "" {
		name = "home-assistant.json"
	}
	return filepath.Join(dir, name)
}

// Load reads the persisted HAConfig from Filename(), returning an error
// if the file does not exist or fails to parse — callers should fall
// back to setup flow on error, not crash (spec.md §7 "Setup errors never
// crash the process").
func Load() (HAConfig, error) {
	raw, err := os.ReadFile(Filename())
	if err != nil {
		return HAConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return HAConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to Filename() as indented JSON.
func Save(cfg HAConfig) error {
	path := Filename()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// LoadDotEnv loads a .env file ahead of environment resolution, matching
// the teacher's cmd/main.go godotenv.Load() call. Missing .env is not an
// error — env vars and the persisted file remain the source of truth.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ApplyEnvOverrides applies UC_HASS_URL, UC_HASS_TOKEN,
// UC_DISABLE_CERT_VERIFICATION, UC_HASS_CONNECT_TIMEOUT and
// UC_HASS_REQUEST_TIMEOUT on top of cfg. The timeouts accept a Go
// duration string or a whole number of seconds. No other HAConfig field
// is read from the environment.
func ApplyEnvOverrides(cfg HAConfig) HAConfig {
	if url := os.Getenv("UC_HASS_URL"); url != "" {
		cfg.URL = url
	}
	if token := os.Getenv("UC_HASS_TOKEN"); token != "" {
		cfg.Token = token
	}
	if os.Getenv("UC_DISABLE_CERT_VERIFICATION") != "" {
		cfg.DisableCertValidation = parseBool(os.Getenv("UC_DISABLE_CERT_VERIFICATION"))
	}
	if v := os.Getenv("UC_HASS_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConnectionTimeout = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			cfg.ConnectionTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("UC_HASS_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeout = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

// DisableMDNSPublish reports whether UC_DISABLE_MDNS_PUBLISH suppresses
// advertisement (spec.md §6).
func DisableMDNSPublish() bool {
	return parseBool(os.Getenv("UC_DISABLE_MDNS_PUBLISH"))
}

// IntegrationInterface returns the UC_INTEGRATION_INTERFACE listen
// address override, or "" if unset.
func IntegrationInterface() string {
	return os.Getenv("UC_INTEGRATION_INTERFACE")
}

// MsgTracing is the frame-tracing verbosity requested via
// UC_API_MSG_TRACING / UC_HASS_MSG_TRACING, spec.md §6.
type MsgTracing string

const (
	TraceNone MsgTracing = "none"
	TraceIn   MsgTracing = "in"
	TraceOut  MsgTracing = "out"
	TraceAll  MsgTracing = "all"
)

// ParseMsgTracing normalizes the env var value, defaulting to TraceNone.
func ParseMsgTracing(v string) MsgTracing {
	switch strings.ToLower(v) {
	case "in":
		return TraceIn
	case "out":
		return TraceOut
	case "all":
		return TraceAll
	default:
		return TraceNone
	}
}

// ShouldTraceIn reports whether inbound frames should be traced.
func (t MsgTracing) ShouldTraceIn() bool { return t == TraceIn || t == TraceAll }

// ShouldTraceOut reports whether outbound frames should be traced.
func (t MsgTracing) ShouldTraceOut() bool { return t == TraceOut || t == TraceAll }

// HassMsgTracing resolves UC_HASS_MSG_TRACING.
func HassMsgTracing() MsgTracing {
	return ParseMsgTracing(os.Getenv("UC_HASS_MSG_TRACING"))
}

// APIMsgTracing resolves UC_API_MSG_TRACING.
func APIMsgTracing() MsgTracing {
	return ParseMsgTracing(os.Getenv("UC_API_MSG_TRACING"))
}
