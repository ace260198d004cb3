// Package config loads the agent configuration from the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/speakmate/callkit/internal/core/domain"
)

// Config is the process configuration. Everything has a sensible default
// except the self identity and relay endpoint.
type Config struct {
	UserID   domain.UserID
	UserName string

	// RelayURL is the signaling relay's websocket endpoint.
	RelayURL string

	// HTTPAddr is the local control API listen address.
	HTTPAddr string

	// STUNServers are stun: URLs, one ICE server each.
	STUNServers []string
	// TURNServer is an optional turn: URL with credentials.
	TURNServer     string
	TURNUsername   string
	TURNCredential string

	AnswerTimeout   time.Duration
	DisconnectProbe time.Duration
	FailEscalation  time.Duration
	EndGrace        time.Duration
	CaptureTimeout  time.Duration
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		UserID:   domain.UserID(getEnv("CALLKIT_USER_ID", "")),
		UserName: getEnv("CALLKIT_USER_NAME", ""),
		RelayURL: getEnv("CALLKIT_RELAY_URL", "ws://localhost:8080/ws"),
		HTTPAddr: getEnv("CALLKIT_HTTP_ADDR", ":8090"),

		STUNServers:    getEnvList("CALLKIT_STUN_SERVERS", "stun:stun.l.google.com:19302"),
		TURNServer:     getEnv("CALLKIT_TURN_SERVER", ""),
		TURNUsername:   getEnv("CALLKIT_TURN_USERNAME", ""),
		TURNCredential: getEnv("CALLKIT_TURN_CREDENTIAL", ""),

		AnswerTimeout:   getEnvDuration("CALLKIT_ANSWER_TIMEOUT", 30*time.Second),
		DisconnectProbe: getEnvDuration("CALLKIT_DISCONNECT_PROBE", 2*time.Second),
		FailEscalation:  getEnvDuration("CALLKIT_FAIL_ESCALATION", 10*time.Second),
		EndGrace:        getEnvDuration("CALLKIT_END_GRACE", time.Second),
		CaptureTimeout:  getEnvDuration("CALLKIT_CAPTURE_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
