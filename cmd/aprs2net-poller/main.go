// aprs2net-poller polls the APRS-IS servers of one site: it refreshes
// the server catalog from the portal, runs the status and submit
// probes, scores the results and serves them over the status HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/buildinfo"
	"github.com/hessu/aprs2net-backend/internal/config"
	"github.com/hessu/aprs2net-backend/internal/confmgr"
	"github.com/hessu/aprs2net-backend/internal/geoip"
	"github.com/hessu/aprs2net-backend/internal/logutil"
	"github.com/hessu/aprs2net-backend/internal/metrics"
	"github.com/hessu/aprs2net-backend/internal/netutil"
	"github.com/hessu/aprs2net-backend/internal/poller"
	"github.com/hessu/aprs2net-backend/internal/score"
	"github.com/hessu/aprs2net-backend/internal/store"
	"github.com/hessu/aprs2net-backend/internal/web"
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
	cfg, err := config.LoadPoller(cfgPath)
	if err != nil {
		return err
	}

	log := logutil.NewLogger(cfg.LogLevel)
	defer log.Sync()
	log.Infof("aprs2net-poller %s starting", buildinfo.Version)

	redis := store.NewRedis(cfg.Redis.Addr(), cfg.Redis.DB)
	defer redis.Close()
	db := store.NewDB(redis)

	geo := geoip.New(geoip.Config{
		Path:     cfg.GeoIPDB,
		Schedule: cfg.GeoIPSchedule,
		Log:      log.Named("geoip"),
	})
	if err := geo.Start(); err != nil {
		return err
	}
	defer geo.Stop()

	fetcher, err := netutil.NewFetcher(netutil.FetcherConfig{UserAgent: confmgr.UserAgent})
	if err != nil {
		return err
	}

	table := score.DefaultTable()
	if cfg.VersionScoreFile != "" {
		if table, err = score.LoadTable(cfg.VersionScoreFile); err != nil {
			return err
		}
		log.Infof("loaded version score table from %s", cfg.VersionScoreFile)
	}

	cm := confmgr.New(confmgr.Config{
		DB:           db,
		Log:          log.Named("confmgr"),
		Fetcher:      fetcher,
		RotatesURL:   cfg.PortalRotatesURL,
		PollInterval: cfg.PollInterval,
		Geo:          geo,
	})
	cm.Start()
	log.Info("config manager started")

	var graphite *metrics.Graphite
	if cfg.GraphiteServer != "" {
		graphite = metrics.NewGraphite(cfg.GraphiteServer, "aprs2", log.Named("graphite"))
		graphite.Start()
		log.Infof("graphite sender started, target %s", cfg.GraphiteServer)
	}

	mgr := poller.New(poller.Config{
		DB:                db,
		Log:               log.Named("poller"),
		Graphite:          graphite,
		Workers:           cfg.Workers,
		PollInterval:      cfg.PollInterval,
		AddressMapRefresh: cfg.AddressMapRefresh,
		TryOrder:          cfg.TryOrder,
		VersionTable:      table,
		SiteDescr:         cfg.SiteDescr,
	})
	mgr.Start()
	log.Info("poll manager started")

	ws := web.New(web.Config{
		DB:           db,
		Log:          log.Named("web"),
		Listen:       cfg.HTTPListen,
		SiteDescr:    cfg.SiteDescr,
		PollInterval: cfg.PollInterval,
	})
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = ws.Start(startCtx)
	startCancel()
	if err != nil {
		mgr.Stop()
		cm.Stop()
		return err
	}

	waitForSignal(log)

	// Stop in order: the status API first so load balancers drain,
	// then the pollers, then the feeds they write to.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Stop(ctx); err != nil {
		log.Warnf("web: shutdown: %v", err)
	}
	log.Info("web server stopped")

	mgr.Stop()
	log.Info("poll manager stopped")

	cm.Stop()
	log.Info("config manager stopped")

	if graphite != nil {
		graphite.Stop()
		log.Info("graphite sender stopped")
	}
	return nil
}

func waitForSignal(log *zap.SugaredLogger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	sig := <-quit
	log.Infof("received signal %s, shutting down", sig)
}
