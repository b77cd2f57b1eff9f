// Package config loads the INI configuration file shared by the aprs2net
// daemons. Each daemon reads its own section; values are validated up
// front so a bad file fails at startup instead of mid-loop.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/ini.v1"
)

// RedisConfig points a daemon at its local redis instance. Pollers and
// the DNS driver each run against their own database; nothing is shared
// over redis between sites.
type RedisConfig struct {
	Host string
	Port int
	DB   int
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func load(path string) (*ini.File, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

func section(f *ini.File, name string) (*ini.Section, error) {
	sec, err := f.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("config: missing [%s] section", name)
	}
	return sec, nil
}

func loadRedis(sec *ini.Section, errs *[]string) RedisConfig {
	r := RedisConfig{
		Host: secStr(sec, "redis_host", "localhost"),
		Port: secInt(sec, "redis_port", 6379, errs),
		DB:   secInt(sec, "redis_db", 0, errs),
	}
	validatePort("redis_port", r.Port, errs)
	if r.DB < 0 {
		*errs = append(*errs, fmt.Sprintf("redis_db: must not be negative, got %d", r.DB))
	}
	return r
}

// --- helpers ---

func secStr(sec *ini.Section, key, defaultVal string) string {
	if sec.HasKey(key) {
		return strings.TrimSpace(sec.Key(key).String())
	}
	return defaultVal
}

func secInt(sec *ini.Section, key string, defaultVal int, errs *[]string) int {
	if !sec.HasKey(key) {
		return defaultVal
	}
	n, err := sec.Key(key).Int()
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, sec.Key(key).String()))
		return defaultVal
	}
	return n
}

func secFloat(sec *ini.Section, key string, defaultVal float64, errs *[]string) float64 {
	if !sec.HasKey(key) {
		return defaultVal
	}
	v, err := sec.Key(key).Float64()
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, sec.Key(key).String()))
		return defaultVal
	}
	return v
}

// secSeconds reads a plain second count into a duration.
func secSeconds(sec *ini.Section, key string, defaultVal time.Duration, errs *[]string) time.Duration {
	n := secInt(sec, key, int(defaultVal/time.Second), errs)
	return time.Duration(n) * time.Second
}

// secList splits a comma or whitespace separated value.
func secList(sec *ini.Section, key string, defaultVal []string) []string {
	if !sec.HasKey(key) {
		return defaultVal
	}
	return splitList(sec.Key(key).String())
}

func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDur(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive", name))
	}
}

func validateURL(name, value string, errs *[]string) {
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		*errs = append(*errs, fmt.Sprintf("%s: invalid URL %q", name, value))
	}
}

func validateLogLevel(value string, errs *[]string) {
	if _, err := zapcore.ParseLevel(value); err != nil {
		*errs = append(*errs, fmt.Sprintf("log_level: invalid level %q", value))
	}
}

func joinErrs(errs []string) error {
	return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
}
