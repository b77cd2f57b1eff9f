// aprs2net-nagios keeps a nagios host configuration in sync with the
// portal's server catalog.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hessu/aprs2net-backend/internal/buildinfo"
	"github.com/hessu/aprs2net-backend/internal/config"
	"github.com/hessu/aprs2net-backend/internal/logutil"
	"github.com/hessu/aprs2net-backend/internal/nagios"
	"github.com/hessu/aprs2net-backend/internal/netutil"
)

func main() {
	cfgPath := flag.String("config", "/etc/aprs2net/poller.conf", "configuration file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadNagios(cfgPath)
	if err != nil {
		return err
	}
	if cfg.PortalServersURL == "" {
		return errors.New("config: portal_servers_url must be set")
	}
	if cfg.WriteNagiosConf == "" {
		return errors.New("config: write_nagios_config must be set")
	}

	log := logutil.NewLogger(cfg.LogLevel)
	defer log.Sync()
	log.Infof("aprs2net-nagios %s starting", buildinfo.Version)

	fetcher, err := netutil.NewFetcher(netutil.FetcherConfig{
		UserAgent:  "aprs2net-nagios/2.0",
		ClientCert: cfg.ClientCert,
		ClientKey:  cfg.ClientKey,
	})
	if err != nil {
		return err
	}

	g := nagios.NewGenerator(nagios.GeneratorConfig{
		Log:             log.Named("nagios"),
		Fetcher:         fetcher,
		ServersURL:      cfg.PortalServersURL,
		User:            cfg.ClientUser,
		Pass:            cfg.ClientPass,
		OutPath:         cfg.WriteNagiosConf,
		IgnoredPrefixes: cfg.IgnoredPrefixes,
		Interval:        cfg.PollInterval,
	})
	g.Start()
	log.Infof("generator started, writing %s", cfg.WriteNagiosConf)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("received signal %s, shutting down", sig)

	g.Stop()
	log.Info("generator stopped")
	return nil
}
