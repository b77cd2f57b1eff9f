// aprs2net-dns merges the status snapshots of all pollers, selects the
// members of each DNS rotate and publishes the record sets to the
// configured DNS backends.
package main

import (
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
	"github.com/hessu/aprs2net-backend/internal/dnsdriver"
	"github.com/hessu/aprs2net-backend/internal/dnspub"
	"github.com/hessu/aprs2net-backend/internal/logutil"
	"github.com/hessu/aprs2net-backend/internal/netutil"
	"github.com/hessu/aprs2net-backend/internal/store"
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
	cfg, err := config.LoadDNS(cfgPath)
	if err != nil {
		return err
	}

	log := logutil.NewLogger(cfg.LogLevel)
	defer log.Sync()
	log.Infof("aprs2net-dns %s starting", buildinfo.Version)

	redis := store.NewRedis(cfg.Redis.Addr(), cfg.Redis.DB)
	defer redis.Close()
	db := store.NewDB(redis)

	// Poller snapshots are fetched serially every cycle; a short
	// timeout keeps one dead poller from eating the whole interval.
	fetcher, err := netutil.NewFetcher(netutil.FetcherConfig{
		Timeout:   10 * time.Second,
		UserAgent: confmgr.UserAgent,
	})
	if err != nil {
		return err
	}

	cm := confmgr.New(confmgr.Config{
		DB:           db,
		Log:          log.Named("confmgr"),
		Fetcher:      fetcher,
		RotatesURL:   cfg.PortalRotatesURL,
		PollInterval: cfg.PollInterval,
	})
	cm.Start()
	log.Info("config manager started")

	var backends []dnspub.Backend
	if len(cfg.DNSZones) > 0 {
		backends = append(backends, dnspub.NewDynamic(dnspub.DynamicConfig{
			Master:     cfg.DNSMaster,
			TSIGSecret: cfg.DNSTSIGKey,
			Zones:      cfg.DNSZones,
			TTL:        uint32(cfg.DNSTTL),
			Log:        log.Named("dnsupdate"),
		}))
		log.Infof("dynamic DNS updates to %s for zones %v", cfg.DNSMaster, cfg.DNSZones)
	}
	if len(cfg.CloudflareZones) > 0 {
		cf, err := dnspub.NewCloudflare(dnspub.CloudflareConfig{
			Token: cfg.CloudflareToken,
			Zones: cfg.CloudflareZones,
			TTL:   cfg.DNSTTL,
			Log:   log.Named("cloudflare"),
		})
		if err != nil {
			cm.Stop()
			return err
		}
		backends = append(backends, cf)
		log.Infof("cloudflare updates enabled for %d zones", len(cfg.CloudflareZones))
	}
	if len(backends) == 0 {
		log.Warn("no DNS backends configured, running dry: selections are computed and stored but not published")
	}

	drv := dnsdriver.New(dnsdriver.Config{
		DB:               db,
		Log:              log.Named("dnsdriver"),
		Fetcher:          fetcher,
		Publisher:        dnspub.NewPublisher(log.Named("dnspub"), backends...),
		Pollers:          cfg.Pollers,
		PollInterval:     cfg.PollInterval,
		MasterRotate:     cfg.MasterRotate,
		UnmanagedRotates: cfg.UnmanagedRotates,
		MinServers:       cfg.MinPolledServers,
		MinOKPct:         cfg.MinPolledOKPct,
		MaxResultAge:     cfg.MaxTestResultAge,
	})
	drv.Start()
	log.Info("DNS driver started")

	waitForSignal(log)

	drv.Stop()
	log.Info("DNS driver stopped")

	cm.Stop()
	log.Info("config manager stopped")
	return nil
}

func waitForSignal(log *zap.SugaredLogger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	sig := <-quit
	log.Infof("received signal %s, shutting down", sig)
}
