// Package dnsdriver runs the aggregation side of the fabric: it pulls
// every poller's full status snapshot, fuses them into one merged
// status per server, keeps the availability ledger, selects rotate
// members and hands the resulting record sets to the DNS publisher.
package dnsdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/dnspub"
	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/netutil"
	"github.com/hessu/aprs2net-backend/internal/scanloop"
	"github.com/hessu/aprs2net-backend/internal/store"
)

const (
	defaultInterval = 120 * time.Second
	defaultMinOK    = 55.0
	defaultMinSrv   = 80
	defaultMaxAge   = 660 * time.Second

	// memberFraction of the candidate pool each rotate resolves to.
	memberFraction = 0.55

	// Selection bounds per address family. The v6 ceiling keeps a
	// DNS-UDP reply under 512 bytes for resolvers that cannot do EDNS.
	minV4, maxV4 = 2, 8
	minV6, maxV6 = 2, 3

	// Candidates loaded past this listener percentage are not rotated in.
	maxCandidateLoad = 80.0
)

// Config wires the driver.
type Config struct {
	DB        *store.DB
	Log       *zap.SugaredLogger
	Fetcher   *netutil.Fetcher
	Publisher *dnspub.Publisher

	// Pollers are the base URLs the full snapshots are fetched from.
	Pollers []string

	PollInterval     time.Duration
	MasterRotate     string
	UnmanagedRotates []string
	MinServers       int
	MinOKPct         float64
	MaxResultAge     time.Duration

	Now func() time.Time
}

// Driver owns the fuse-select-publish cycle.
type Driver struct {
	db        *store.DB
	log       *zap.SugaredLogger
	fetcher   *netutil.Fetcher
	publisher *dnspub.Publisher

	pollers   []string
	interval  time.Duration
	master    string
	unmanaged map[string]bool
	minSrv    int
	minOKPct  float64
	maxAge    time.Duration
	now       func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) *Driver {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = defaultInterval
	}
	minSrv := cfg.MinServers
	if minSrv == 0 {
		minSrv = defaultMinSrv
	}
	minOK := cfg.MinOKPct
	if minOK == 0 {
		minOK = defaultMinOK
	}
	maxAge := cfg.MaxResultAge
	if maxAge == 0 {
		maxAge = defaultMaxAge
	}
	unmanaged := make(map[string]bool, len(cfg.UnmanagedRotates))
	for _, r := range cfg.UnmanagedRotates {
		unmanaged[r] = true
	}
	d := &Driver{
		db:        cfg.DB,
		log:       cfg.Log,
		fetcher:   cfg.Fetcher,
		publisher: cfg.Publisher,
		pollers:   cfg.Pollers,
		interval:  interval,
		master:    cfg.MasterRotate,
		unmanaged: unmanaged,
		minSrv:    minSrv,
		minOKPct:  minOK,
		maxAge:    maxAge,
		now:       cfg.Now,
		stopCh:    make(chan struct{}),
	}
	if d.master == "" {
		d.master = model.RotateTier2
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

func (d *Driver) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		scanloop.Run(d.stopCh, d.interval, 0, d.cycle)
	}()
}

func (d *Driver) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Driver) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), d.interval)
	defer cancel()
	if err := d.RunCycle(ctx); err != nil {
		d.log.Errorf("dns: cycle: %v", err)
	}
}

// RunCycle performs one full driver round: fetch, merge, select,
// publish, stats, notify.
func (d *Driver) RunCycle(ctx context.Context) error {
	snaps := d.fetchSnapshots(ctx)
	if len(snaps) == 0 {
		return fmt.Errorf("no usable poller snapshots, leaving DNS alone")
	}

	servers, err := d.db.GetServers(ctx)
	if err != nil {
		return fmt.Errorf("loading servers: %w", err)
	}
	byID := make(map[string]*model.Server, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	rotates, err := d.db.GetRotates(ctx)
	if err != nil {
		return fmt.Errorf("loading rotates: %w", err)
	}

	merged := d.merge(ctx, snaps, byID)
	d.selectAndPublish(ctx, rotates, byID, merged)
	d.publishHosts(ctx, servers, merged)
	d.storeStats(ctx, rotates, merged)

	if err := d.db.NotifyDNSStatus(ctx); err != nil {
		d.log.Warnf("dns: notify: %v", err)
	}
	return nil
}

// snapshot is one poller's accepted view, keyed for merging.
type snapshot struct {
	site    string
	servers map[string]*model.PollResult
}

type fullPayload struct {
	Result  string              `json:"result"`
	Servers []model.ServerEntry `json:"servers"`
}

// fetchSnapshots pulls api/full from every poller and applies the
// acceptance gates. A snapshot that fails a gate is discarded whole;
// within an accepted one, results older than the age limit are
// dropped per server.
func (d *Driver) fetchSnapshots(ctx context.Context) []snapshot {
	now := d.now().Unix()
	var snaps []snapshot
	for _, base := range d.pollers {
		snap, err := d.fetchOne(ctx, base, now)
		if err != nil {
			d.log.Warnf("dns: poller %s: %v", base, err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

func (d *Driver) fetchOne(ctx context.Context, base string, now int64) (snapshot, error) {
	url := base
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	url += "api/full"

	body, err := d.fetcher.Get(ctx, url)
	if err != nil {
		return snapshot{}, err
	}
	var payload fullPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	if payload.Result != "ok" && payload.Result != "full" {
		return snapshot{}, fmt.Errorf("snapshot result %q", payload.Result)
	}
	if len(payload.Servers) < d.minSrv {
		return snapshot{}, fmt.Errorf("snapshot has %d servers, need %d", len(payload.Servers), d.minSrv)
	}
	ok := 0
	for _, e := range payload.Servers {
		if e.Status.OK() {
			ok++
		}
	}
	okPct := float64(ok) / float64(len(payload.Servers)) * 100
	if okPct < d.minOKPct {
		return snapshot{}, fmt.Errorf("snapshot only %.1f%% ok, need %.1f%%", okPct, d.minOKPct)
	}

	maxAge := int64(d.maxAge / time.Second)
	servers := make(map[string]*model.PollResult, len(payload.Servers))
	dropped := 0
	for _, e := range payload.Servers {
		if e.Config == nil || e.Status == nil || e.Config.ID == "" {
			continue
		}
		if now-e.Status.LastTest > maxAge {
			dropped++
			continue
		}
		servers[e.Config.ID] = e.Status
	}
	if dropped > 0 {
		d.log.Infof("dns: poller %s: dropped %d stale results", base, dropped)
	}
	return snapshot{site: base, servers: servers}, nil
}
