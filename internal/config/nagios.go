package config

import (
	"time"
)

// NagiosConfig holds the [nagios] section, shared by the config
// generator and the check plugin. Fields only one of them needs are
// checked by the respective command, not here.
type NagiosConfig struct {
	PollInterval     time.Duration
	PortalServersURL string
	ClientCert       string
	ClientKey        string
	ClientUser       string
	ClientPass       string
	WriteNagiosConf  string
	IgnoredPrefixes  []string
	LogLevel         string

	Redis RedisConfig
}

// LoadNagios reads and validates the [nagios] section of the file.
func LoadNagios(path string) (*NagiosConfig, error) {
	f, err := load(path)
	if err != nil {
		return nil, err
	}
	sec, err := section(f, "nagios")
	if err != nil {
		return nil, err
	}

	cfg := &NagiosConfig{}
	var errs []string

	cfg.PollInterval = secSeconds(sec, "poll_interval", 120*time.Second, &errs)
	cfg.PortalServersURL = secStr(sec, "portal_servers_url", "")
	cfg.ClientCert = secStr(sec, "client_cert", "")
	cfg.ClientKey = secStr(sec, "client_key", "")
	cfg.ClientUser = secStr(sec, "client_user", "")
	cfg.ClientPass = secStr(sec, "client_pass", "")
	cfg.WriteNagiosConf = secStr(sec, "write_nagios_config", "")
	cfg.IgnoredPrefixes = secList(sec, "ignored_serverid_prefixes", []string{"t2poll", "T2POLL-"})
	cfg.LogLevel = secStr(sec, "log_level", "info")
	cfg.Redis = loadRedis(sec, &errs)

	validatePositiveDur("poll_interval", cfg.PollInterval, &errs)
	if cfg.PortalServersURL != "" {
		validateURL("portal_servers_url", cfg.PortalServersURL, &errs)
	}
	if (cfg.ClientCert == "") != (cfg.ClientKey == "") {
		errs = append(errs, "client_cert and client_key must be set together")
	}
	validateLogLevel(cfg.LogLevel, &errs)

	if len(errs) > 0 {
		return nil, joinErrs(errs)
	}
	return cfg, nil
}
