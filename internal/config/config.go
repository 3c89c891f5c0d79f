// Package config assembles the server's environment-variable driven
// configuration into typed structs, in the teacher's small-struct-at-startup
// style (core.ServerConfig) rather than a generic key/value bag.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SystemPromptMode controls how SystemPromptFile interacts with a request's
// own system prompt.
type SystemPromptMode string

const (
	SystemPromptOverride SystemPromptMode = "override"
	SystemPromptAppend   SystemPromptMode = "append"
	SystemPromptOff      SystemPromptMode = "off"
)

// Config is the full set of options spec.md §6 lists.
type Config struct {
	Addr string

	RequiredAPIKey string
	ModelProvider  string

	RequestMaxRetries int
	RequestBaseDelay  time.Duration

	CronNearMinutes  time.Duration
	CronRefreshToken time.Duration

	ProviderPoolsFilePath string
	MaxErrorCount         int

	ProviderFallbackChain []string
	ModelFallbackMapping  map[string][]string

	ProxyURL               string
	ProxyEnabledProviders  []string

	SystemPromptFilePath string
	SystemPromptMode     SystemPromptMode

	AuditLogFilePath string
}

// Load reads every option from the process environment, applying the
// defaults the teacher's cmd/maxx/main.go uses for its own flags/env pairs.
func Load() (*Config, error) {
	c := &Config{
		Addr:                  envOr("MAXXGATE_ADDR", ":9880"),
		RequiredAPIKey:        os.Getenv("REQUIRED_API_KEY"),
		ModelProvider:         envOr("MODEL_PROVIDER", "claude-kiro-oauth"),
		RequestBaseDelay:      time.Second,
		CronNearMinutes:       10 * time.Minute,
		CronRefreshToken:      5 * time.Minute,
		ProviderPoolsFilePath: envOr("PROVIDER_POOLS_FILE_PATH", defaultPoolsPath()),
		MaxErrorCount:         3,
		SystemPromptMode:      SystemPromptOff,
		AuditLogFilePath:      os.Getenv("AUDIT_LOG_FILE_PATH"),
	}

	var err error
	if c.RequestMaxRetries, err = envInt("REQUEST_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if d, err := envDuration("REQUEST_BASE_DELAY", time.Second); err != nil {
		return nil, err
	} else {
		c.RequestBaseDelay = d
	}
	if d, err := envMinutes("CRON_NEAR_MINUTES", 10); err != nil {
		return nil, err
	} else {
		c.CronNearMinutes = d
	}
	if d, err := envMinutes("CRON_REFRESH_TOKEN", 5); err != nil {
		return nil, err
	} else {
		c.CronRefreshToken = d
	}
	if c.MaxErrorCount, err = envInt("MAX_ERROR_COUNT", 3); err != nil {
		return nil, err
	}

	c.ProviderFallbackChain = splitCSV(os.Getenv("PROVIDER_FALLBACK_CHAIN"))
	c.ModelFallbackMapping = parseModelFallbackMapping(os.Getenv("MODEL_FALLBACK_MAPPING"))

	c.ProxyURL = os.Getenv("PROXY_URL")
	c.ProxyEnabledProviders = splitCSV(os.Getenv("PROXY_ENABLED_PROVIDERS"))

	c.SystemPromptFilePath = os.Getenv("SYSTEM_PROMPT_FILE_PATH")
	if m := os.Getenv("SYSTEM_PROMPT_MODE"); m != "" {
		switch SystemPromptMode(m) {
		case SystemPromptOverride, SystemPromptAppend, SystemPromptOff:
			c.SystemPromptMode = SystemPromptMode(m)
		default:
			return nil, fmt.Errorf("config: invalid SYSTEM_PROMPT_MODE %q", m)
		}
	}

	return c, nil
}

func defaultPoolsPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "provider_pools.json"
	}
	return homeDir + "/.config/maxxgate/provider_pools.json"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}

func envMinutes(key string, defMinutes int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defMinutes) * time.Minute, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Minute, nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseModelFallbackMapping accepts "modelA:fallback1|fallback2,modelB:fallback3".
func parseModelFallbackMapping(v string) map[string][]string {
	if v == "" {
		return nil
	}
	out := make(map[string][]string)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, ":", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = splitAlt(kv[1])
	}
	return out
}

func splitAlt(v string) []string {
	parts := strings.Split(v, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
