package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hessu/aprs2net-backend/internal/model"
)

// PollerConfig holds the [poller] section.
type PollerConfig struct {
	PollInterval      time.Duration
	PortalServersURL  string
	PortalRotatesURL  string
	SiteDescr         string
	HTTPListen        string
	Workers           int
	AddressMapRefresh time.Duration
	TryOrder          []string
	VersionScoreFile  string
	GraphiteServer    string
	GeoIPDB           string
	GeoIPSchedule     string
	LogLevel          string

	Redis RedisConfig
}

// LoadPoller reads and validates the [poller] section of the file.
func LoadPoller(path string) (*PollerConfig, error) {
	f, err := load(path)
	if err != nil {
		return nil, err
	}
	sec, err := section(f, "poller")
	if err != nil {
		return nil, err
	}

	cfg := &PollerConfig{}
	var errs []string

	cfg.PollInterval = secSeconds(sec, "poll_interval", 300*time.Second, &errs)
	cfg.PortalServersURL = secStr(sec, "portal_servers_url", "")
	cfg.PortalRotatesURL = secStr(sec, "portal_rotates_url", "")
	cfg.SiteDescr = secStr(sec, "site_descr", "")
	cfg.HTTPListen = secStr(sec, "http_listen", ":8036")
	cfg.Workers = secInt(sec, "workers", 16, &errs)
	cfg.AddressMapRefresh = secSeconds(sec, "address_map_refresh_int", 300*time.Second, &errs)
	cfg.TryOrder = secList(sec, "try_order", []string{model.FlavorJavap3, model.FlavorAprsc, model.FlavorJavap4})
	cfg.VersionScoreFile = secStr(sec, "version_score_file", "")
	cfg.GraphiteServer = secStr(sec, "graphite_server", "")
	cfg.GeoIPDB = secStr(sec, "geoip_db", "")
	cfg.GeoIPSchedule = secStr(sec, "geoip_reload_schedule", "17 4 * * *")
	cfg.LogLevel = secStr(sec, "log_level", "info")
	cfg.Redis = loadRedis(sec, &errs)

	validatePositiveDur("poll_interval", cfg.PollInterval, &errs)
	if cfg.PortalRotatesURL == "" {
		errs = append(errs, "portal_rotates_url must be set")
	} else {
		validateURL("portal_rotates_url", cfg.PortalRotatesURL, &errs)
	}
	if cfg.PortalServersURL != "" {
		validateURL("portal_servers_url", cfg.PortalServersURL, &errs)
	}
	if cfg.HTTPListen == "" {
		errs = append(errs, "http_listen must not be empty")
	}
	validatePositive("workers", cfg.Workers, &errs)
	validatePositiveDur("address_map_refresh_int", cfg.AddressMapRefresh, &errs)
	validateTryOrder(cfg.TryOrder, &errs)
	if _, err := cron.ParseStandard(cfg.GeoIPSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("geoip_reload_schedule: invalid cron expression %q: %v", cfg.GeoIPSchedule, err))
	}
	validateLogLevel(cfg.LogLevel, &errs)

	if len(errs) > 0 {
		return nil, joinErrs(errs)
	}
	return cfg, nil
}

func validateTryOrder(order []string, errs *[]string) {
	if len(order) == 0 {
		*errs = append(*errs, "try_order must name at least one software flavor")
		return
	}
	seen := make(map[string]bool, len(order))
	for _, flavor := range order {
		switch flavor {
		case model.FlavorAprsc, model.FlavorJavap3, model.FlavorJavap4:
		default:
			*errs = append(*errs, fmt.Sprintf("try_order: unknown software flavor %q", flavor))
		}
		if seen[flavor] {
			*errs = append(*errs, fmt.Sprintf("try_order: flavor %q listed twice", flavor))
		}
		seen[flavor] = true
	}
}
