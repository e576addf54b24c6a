// Package relay implements the printer-hub relay server: the WebSocket
// listener agents dial into, the registry of live shop connections, the task
// ledger, and the HTTP gateway business callers talk to.
package relay

import (
	"os"
	"strconv"
	"time"
)

// Config holds relay configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	BaseURL    string

	// Agent authentication. The X-Shop-Id header is always required; the
	// bearer token is only checked when set.
	AgentToken string

	// Task lifecycle
	TaskTimeout     time.Duration // window before a sent task times out
	RecentTaskLimit int           // ledger history cap

	// Presence
	HeartbeatStale  time.Duration // heartbeat age after which a shop is stale
	HistoryLimit    int           // per-shop heartbeat history cap
	PingInterval    time.Duration // server-side liveness ping
	WriteTimeout    time.Duration
	MaxMessageBytes int64 // WebSocket frame cap
	MaxPrintBytes   int64 // HTTP print body cap; oversize bodies are rejected

	// Audit policy: record failed dispatches as terminal error tasks.
	AuditFailedTasks bool

	// Database
	DatabasePath string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("PRINTHUB_LISTEN", ":3000"),
		BaseURL:    getEnv("PRINTHUB_BASE_URL", "http://localhost:3000"),
		AgentToken: os.Getenv("PRINTHUB_AGENT_TOKEN"),

		TaskTimeout:     parseDuration("PRINTHUB_TASK_TIMEOUT", 30*time.Second),
		RecentTaskLimit: parseInt("PRINTHUB_RECENT_TASKS", 200),

		HeartbeatStale:  parseDuration("PRINTHUB_HEARTBEAT_STALE", 90*time.Second),
		HistoryLimit:    parseInt("PRINTHUB_HISTORY_LIMIT", 50),
		PingInterval:    parseDuration("PRINTHUB_PING_INTERVAL", 30*time.Second),
		WriteTimeout:    parseDuration("PRINTHUB_WRITE_TIMEOUT", 10*time.Second),
		MaxMessageBytes: int64(parseInt("PRINTHUB_MAX_MESSAGE_BYTES", 512*1024)),
		MaxPrintBytes:   int64(parseInt("PRINTHUB_MAX_PRINT_BYTES", 50*1024*1024)),

		AuditFailedTasks: parseBool("PRINTHUB_AUDIT_FAILED_TASKS", true),

		DatabasePath: getEnv("PRINTHUB_DB_PATH", "printer-hub.db"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
