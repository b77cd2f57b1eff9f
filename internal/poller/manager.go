// Package poller schedules poll rounds against every configured server,
// stores the outcomes and keeps the availability ledger current.
package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/logutil"
	"github.com/hessu/aprs2net-backend/internal/metrics"
	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/poll"
	"github.com/hessu/aprs2net-backend/internal/scanloop"
	"github.com/hessu/aprs2net-backend/internal/score"
	"github.com/hessu/aprs2net-backend/internal/store"
)

const (
	dispatchInterval = time.Second
	jobTimeout       = 2 * time.Minute
	rateCacheSize    = 4096
)

// PollFn executes one poll round against a server. Injectable for testing.
type PollFn func(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result

// Config configures the Manager.
type Config struct {
	DB       *store.DB
	Log      *zap.SugaredLogger
	Graphite *metrics.Graphite

	Workers           int // max concurrent polls
	PollInterval      time.Duration
	AddressMapRefresh time.Duration
	TryOrder          []string
	VersionTable      *score.Table
	SiteDescr         string

	// Poll runs one round. Injectable for testing.
	Poll PollFn
	// Now returns the wall clock. Injectable for testing.
	Now func() time.Time
}

type rateSample struct {
	t        int64
	bytesIn  int64
	bytesOut int64
	connects int64
}

// catalog is the poller's read-only view of the server configuration,
// swapped wholesale on refresh.
type catalog struct {
	addrs   model.AddressMap
	servers map[string]*model.Server
}

// Manager runs the poll scheduler: a dispatch loop pulls due servers off
// the shared queue and hands each to a bounded worker pool.
type Manager struct {
	db       *store.DB
	log      *zap.SugaredLogger
	graphite *metrics.Graphite

	workers      int
	pollInterval time.Duration
	addrsRefresh time.Duration
	tryOrder     []string
	versionTable *score.Table
	siteDescr    string

	poll PollFn
	now  func() time.Time

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// flavors remembers the software flavor detected on the previous
	// round per server, so detection can try the likely parser first.
	flavors *xsync.MapOf[string, string]
	rates   otter.Cache[string, rateSample]
	catalog atomic.Pointer[catalog]
}

// New creates a Manager.
func New(cfg Config) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 16
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	refresh := cfg.AddressMapRefresh
	if refresh <= 0 {
		refresh = 300 * time.Second
	}
	graphite := cfg.Graphite
	if graphite == nil {
		graphite = metrics.NewGraphite("", "", cfg.Log)
	}
	rates, err := otter.MustBuilder[string, rateSample](rateCacheSize).
		Cost(func(_ string, _ rateSample) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("poller: failed to create rates cache: " + err.Error())
	}

	m := &Manager{
		db:           cfg.DB,
		log:          cfg.Log,
		graphite:     graphite,
		workers:      workers,
		pollInterval: interval,
		addrsRefresh: refresh,
		tryOrder:     cfg.TryOrder,
		versionTable: cfg.VersionTable,
		siteDescr:    cfg.SiteDescr,
		poll:         cfg.Poll,
		now:          cfg.Now,
		sem:          make(chan struct{}, workers),
		stopCh:       make(chan struct{}),
		flavors:      xsync.NewMapOf[string, string](),
		rates:        rates,
	}
	if m.poll == nil {
		m.poll = m.runPoll
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start publishes the site config, loads the server catalog and launches
// the dispatch and refresh loops.
func (m *Manager) Start() {
	ctx := context.Background()
	wc := &model.WebConfig{
		SiteDescr:    m.siteDescr,
		PollInterval: int64(m.pollInterval / time.Second),
	}
	if err := m.db.SetWebConfig(ctx, wc); err != nil {
		m.log.Warnf("poller: storing web config: %v", err)
	}
	m.refreshCatalog()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, dispatchInterval, 0, m.scan)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, m.addrsRefresh, m.addrsRefresh/10, m.refreshCatalog)
	}()
}

// Stop signals the loops to finish and waits for in-flight polls.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// scan dispatches every server whose poll is due. The next round is
// scheduled before the worker starts, so a wedged poll cannot stall the
// queue entry.
func (m *Manager) scan() {
	ctx := context.Background()
	now := m.now().Unix()

	ids, err := m.db.DuePolls(ctx, now, int64(m.workers))
	if err != nil {
		m.log.Warnf("poller: reading poll queue: %v", err)
		return
	}
	for _, id := range ids {
		select {
		case <-m.stopCh:
			return
		default:
		}

		srv, err := m.db.GetServer(ctx, id)
		if err != nil {
			m.log.Warnf("poller: loading %s: %v", id, err)
			continue
		}
		if srv == nil || srv.Deleted {
			m.log.Infof("poller: dropping %s from the poll queue", id)
			if err := m.db.DelPollQ(ctx, id); err != nil {
				m.log.Warnf("poller: dequeueing %s: %v", id, err)
			}
			continue
		}
		if err := m.db.SetPollQ(ctx, id, now+int64(m.pollInterval/time.Second)); err != nil {
			m.log.Warnf("poller: rescheduling %s: %v", id, err)
		}

		select {
		case m.sem <- struct{}{}:
		case <-m.stopCh:
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			m.pollServer(srv)
		}()
	}
}

// pollServer runs one round and stores whatever came out of it. A panic
// inside the probe code is turned into a failed result instead of taking
// the whole poller down.
func (m *Manager) pollServer(srv *model.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	jobID := uuid.NewString()
	plog := logutil.NewPollLog(m.log, srv.ID)

	var res *poll.Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Errorf("%s: poll crashed: %v", srv.ID, r)
				res = &poll.Result{
					Errors: []model.ProbeError{{Code: "crash", Message: fmt.Sprintf("poller crashed: %v", r)}},
				}
				res.Props.Score = 1000
			}
		}()
		cached, _ := m.flavors.Load(srv.ID)
		res = m.poll(ctx, plog.Logger(), srv, m.addrMap(), cached)
	}()

	if res.Flavor != "" {
		m.flavors.Store(srv.ID, res.Flavor)
	}
	m.storeResult(srv, res, plog, jobID)
}

func (m *Manager) storeResult(srv *model.Server, res *poll.Result, plog *logutil.PollLog, jobID string) {
	ctx := context.Background()
	now := m.now().Unix()

	prev, err := m.db.GetServerStatus(ctx, srv.ID)
	if err != nil {
		m.log.Warnf("poller: loading previous status of %s: %v", srv.ID, err)
	}
	if prev != nil && now <= prev.LastTest {
		now = prev.LastTest + 1
	}

	st := &model.PollResult{
		Status:   model.StatusFail,
		LastTest: now,
		Props:    res.Props,
		Errors:   res.Errors,
	}
	if res.OK {
		st.Status = model.StatusOK
	}
	st.LastChange = now
	if prev != nil && prev.Status == st.Status {
		st.LastChange = prev.LastChange
	}

	if !res.OK {
		st.Props.Score += 1000
		if st.Props.ScoreBase == nil {
			st.Props.ScoreBase = model.ScoreBase{}
		}
		st.Props.ScoreBase["server-fail"] = model.ScoreComponent{Value: 1000, Human: "poll failed"}
		m.keepIdentity(st, prev)
	} else {
		m.updateRates(srv.ID, st, now)
	}

	// An out of service server is still polled, but its downtime does
	// not count against the availability record.
	tdif := int64(0)
	if prev != nil {
		d := now - prev.LastTest
		if d > 0 && d <= 3*int64(m.pollInterval/time.Second) && !srv.OutOfService {
			tdif = d
		}
	}
	a3, a30, err := m.db.UpdateAvail(ctx, srv.ID, tdif, res.OK, now)
	if err != nil {
		m.log.Warnf("poller: updating availability of %s: %v", srv.ID, err)
	} else {
		st.Avail3, st.Avail30 = a3, a30
	}

	plog.Logger().Infof("%s: poll %s, score %.1f", srv.ID, st.Status, st.Props.Score)

	if err := m.db.SetServerStatus(ctx, srv.ID, st); err != nil {
		m.log.Errorf("poller: storing status of %s: %v", srv.ID, err)
	}
	lg := &model.ServerLog{T: now, Job: jobID, Log: plog.String()}
	if err := m.db.StoreServerLog(ctx, srv.ID, lg); err != nil {
		m.log.Warnf("poller: storing poll log of %s: %v", srv.ID, err)
	}
	if err := m.db.NotifyStatus(ctx, srv.ID, st); err != nil {
		m.log.Warnf("poller: notifying status of %s: %v", srv.ID, err)
	}

	lid := strings.ToLower(srv.ID)
	m.graphite.Send(lid+".score", st.Props.Score)
	if res.OK {
		m.graphite.Send(lid+".clients", float64(st.Props.Clients))
		m.graphite.Send(lid+".rate_bytes_in", st.Props.RateBytesIn)
		m.graphite.Send(lid+".rate_bytes_out", st.Props.RateBytesOut)
		m.graphite.Send(lid+".rtt_http", res.HTTPRTT)
	}
}

// keepIdentity carries the last known identifying props into a failed
// result, so the listing still shows what the server was running.
func (m *Manager) keepIdentity(st *model.PollResult, prev *model.PollResult) {
	if prev == nil {
		return
	}
	if st.Props.Type == "" {
		st.Props.Type = prev.Props.Type
	}
	if st.Props.ID == "" {
		st.Props.ID = prev.Props.ID
	}
	if st.Props.Soft == "" {
		st.Props.Soft = prev.Props.Soft
		st.Props.Vers = prev.Props.Vers
	}
	if st.Props.OS == "" {
		st.Props.OS = prev.Props.OS
	}
}

// updateRates computes byte and connect rates from the counter deltas
// between this round and the previous one.
func (m *Manager) updateRates(id string, st *model.PollResult, now int64) {
	cur := rateSample{
		t:        now,
		bytesIn:  st.Props.TotalBytesIn,
		bytesOut: st.Props.TotalBytesOut,
		connects: st.Props.Connects,
	}
	prev, ok := m.rates.Get(id)
	// A restarted server resets its counters; skip the round instead of
	// publishing a negative rate.
	if ok && now > prev.t && cur.bytesIn >= prev.bytesIn && cur.bytesOut >= prev.bytesOut && cur.connects >= prev.connects {
		dt := float64(now - prev.t)
		st.Props.RateBytesIn = float64(cur.bytesIn-prev.bytesIn) / dt
		st.Props.RateBytesOut = float64(cur.bytesOut-prev.bytesOut) / dt
		st.Props.RateConnects = float64(cur.connects-prev.connects) / dt
	}
	m.rates.Set(id, cur)
}

func (m *Manager) runPoll(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result {
	pc := poll.Config{
		TryOrder:     m.tryOrder,
		VersionTable: m.versionTable,
		LookupServer: m.lookupServer,
	}
	return poll.New(pc, log, srv, addrs, cached).Run(ctx)
}

func (m *Manager) refreshCatalog() {
	ctx := context.Background()
	addrs, err := m.db.GetAddressMap(ctx)
	if err != nil {
		m.log.Warnf("poller: loading address map: %v", err)
		return
	}
	servers, err := m.db.GetServers(ctx)
	if err != nil {
		m.log.Warnf("poller: loading servers: %v", err)
		return
	}
	byID := make(map[string]*model.Server, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	m.catalog.Store(&catalog{addrs: addrs, servers: byID})
	m.log.Debugf("poller: catalog refreshed, %d servers, %d addresses", len(byID), len(addrs))
}

func (m *Manager) lookupServer(id string) *model.Server {
	c := m.catalog.Load()
	if c == nil {
		return nil
	}
	return c.servers[id]
}

func (m *Manager) addrMap() model.AddressMap {
	c := m.catalog.Load()
	if c == nil {
		return nil
	}
	return c.addrs
}
