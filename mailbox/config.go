package mailbox

import (
	"strconv"
	"strings"
	"time"
)

// Well-known configuration keys.
const (
	ConfigMaxSilence  = "maxsilence"  // seconds of silence ending a recording
	ConfigMaxDuration = "maxduration" // recording length cap in seconds
	ConfigFormat      = "format"      // recording file format
	ConfigEmailNotify = "email_notify"
)

// ConfigEntry is one stored override row.
type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Config is the resolved key/value configuration of a mailbox.
type Config struct {
	values map[string]string
}

// ResolveConfig layers the sources in override order; later layers win.
// Callers pass built-in defaults, then context overrides, then mailbox overrides.
func ResolveConfig(layers ...map[string]string) *Config {
	values := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			values[strings.ToLower(k)] = v
		}
	}
	return &Config{values: values}
}

// EntriesToMap converts stored override rows into a layer.
func EntriesToMap(entries []ConfigEntry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}
	return m
}

func (c *Config) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.values[strings.ToLower(key)]
	return v, ok
}

func (c *Config) String(key, def string) string {
	if v, ok := c.Get(key); ok && v != "" {
		return v
	}
	return def
}

func (c *Config) Int(key string, def int) int {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (c *Config) Bool(key string, def bool) bool {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Seconds reads an integer number of seconds.
func (c *Config) Seconds(key string, def time.Duration) time.Duration {
	n := c.Int(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Values returns a copy of the resolved settings.
func (c *Config) Values() map[string]string {
	out := make(map[string]string)
	if c == nil {
		return out
	}
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
