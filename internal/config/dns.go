package config

import (
	"fmt"
	"strings"
	"time"
)

// DNSConfig holds the [dns] section.
type DNSConfig struct {
	PollInterval     time.Duration
	Pollers          []string
	PortalRotatesURL string

	// Dynamic-update backend. Zones listed in DNSZones are published to
	// DNSMaster with the shared TSIG secret.
	DNSMaster  string
	DNSTSIGKey string
	DNSZones   []string

	// Cloudflare backend. Zone name to zone id.
	CloudflareToken string
	CloudflareZones map[string]string

	MasterRotate     string
	UnmanagedRotates []string
	MinPolledServers int
	MinPolledOKPct   float64
	MaxTestResultAge time.Duration
	DNSTTL           int
	LogLevel         string

	Redis RedisConfig
}

// LoadDNS reads and validates the [dns] section of the file.
func LoadDNS(path string) (*DNSConfig, error) {
	f, err := load(path)
	if err != nil {
		return nil, err
	}
	sec, err := section(f, "dns")
	if err != nil {
		return nil, err
	}

	cfg := &DNSConfig{}
	var errs []string

	cfg.PollInterval = secSeconds(sec, "poll_interval", 120*time.Second, &errs)
	cfg.Pollers = secList(sec, "pollers", nil)
	cfg.PortalRotatesURL = secStr(sec, "portal_rotates_url", "")
	cfg.DNSMaster = secStr(sec, "dns_master", "")
	cfg.DNSTSIGKey = secStr(sec, "dns_tsig_key", "")
	cfg.DNSZones = secList(sec, "dns_zones", nil)
	cfg.CloudflareToken = secStr(sec, "cloudflare_token", "")
	cfg.CloudflareZones = parseZonePairs(secList(sec, "cloudflare_zones", nil), &errs)
	cfg.MasterRotate = secStr(sec, "master_rotate", "rotate.aprs2.net")
	cfg.UnmanagedRotates = secList(sec, "unmanaged_rotates", nil)
	cfg.MinPolledServers = secInt(sec, "min_polled_servers", 80, &errs)
	cfg.MinPolledOKPct = secFloat(sec, "min_polled_ok_pct", 55, &errs)
	cfg.MaxTestResultAge = secSeconds(sec, "max_test_result_age", 660*time.Second, &errs)
	cfg.DNSTTL = secInt(sec, "dns_ttl", 600, &errs)
	cfg.LogLevel = secStr(sec, "log_level", "info")
	cfg.Redis = loadRedis(sec, &errs)

	validatePositiveDur("poll_interval", cfg.PollInterval, &errs)
	if len(cfg.Pollers) == 0 {
		errs = append(errs, "pollers must name at least one poller URL")
	}
	for _, p := range cfg.Pollers {
		validateURL("pollers", p, &errs)
	}
	if cfg.PortalRotatesURL == "" {
		errs = append(errs, "portal_rotates_url must be set")
	} else {
		validateURL("portal_rotates_url", cfg.PortalRotatesURL, &errs)
	}
	if len(cfg.DNSZones) > 0 {
		if cfg.DNSMaster == "" {
			errs = append(errs, "dns_master must be set when dns_zones is set")
		}
		if cfg.DNSTSIGKey == "" {
			errs = append(errs, "dns_tsig_key must be set when dns_zones is set")
		}
	}
	if len(cfg.CloudflareZones) > 0 && cfg.CloudflareToken == "" {
		errs = append(errs, "cloudflare_token must be set when cloudflare_zones is set")
	}
	if cfg.MasterRotate == "" {
		errs = append(errs, "master_rotate must not be empty")
	}
	validatePositive("min_polled_servers", cfg.MinPolledServers, &errs)
	if cfg.MinPolledOKPct <= 0 || cfg.MinPolledOKPct > 100 {
		errs = append(errs, fmt.Sprintf("min_polled_ok_pct: must be in (0, 100], got %v", cfg.MinPolledOKPct))
	}
	validatePositiveDur("max_test_result_age", cfg.MaxTestResultAge, &errs)
	validatePositive("dns_ttl", cfg.DNSTTL, &errs)
	validateLogLevel(cfg.LogLevel, &errs)

	if len(errs) > 0 {
		return nil, joinErrs(errs)
	}
	return cfg, nil
}

// parseZonePairs decodes "zone=id" entries.
func parseZonePairs(entries []string, errs *[]string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, id, ok := strings.Cut(entry, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			*errs = append(*errs, fmt.Sprintf("cloudflare_zones: entry %q is not zone=id", entry))
			continue
		}
		out[name] = id
	}
	return out
}
