// Package confmgr reconciles the portal's rotate and server catalog
// into the store: servers and rotates are stored, new servers enter the
// poll queue at a randomized offset, and servers gone from the portal
// are evicted.
package confmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/netutil"
	"github.com/hessu/aprs2net-backend/internal/scanloop"
	"github.com/hessu/aprs2net-backend/internal/store"
)

const (
	// UserAgent identifies catalog fetches to the portal.
	UserAgent = "aprs2net-ConfigManager/2.0"

	refreshInterval = 120 * time.Second
	refreshJitter   = 5 * time.Second
)

// Geo annotates a server address with a country code. Optional.
type Geo interface {
	Country(ip string) string
}

// portalRotate is one rotate entry in the portal payload. Meta keys
// other than the server map are ignored.
type portalRotate struct {
	Servers map[string]portalServer `json:"servers"`
}

type portalServer struct {
	Host         string `json:"host"`
	Domain       string `json:"domain"`
	IPv4         string `json:"ipv4"`
	IPv6         string `json:"ipv6"`
	Deleted      bool   `json:"deleted"`
	OutOfService bool   `json:"out_of_service"`
	Email        string `json:"email"`
	EmailAlerts  bool   `json:"email_alerts"`
}

// Config configures the Manager.
type Config struct {
	DB         *store.DB
	Log        *zap.SugaredLogger
	Fetcher    *netutil.Fetcher
	RotatesURL string

	// PollInterval bounds the randomized first-poll offset of a newly
	// appearing server.
	PollInterval time.Duration
	Geo          Geo

	// Now and RandInt are injectable for testing.
	Now     func() time.Time
	RandInt func(n int64) int64
}

// Manager periodically refreshes the catalog. Both the poller and the
// DNS driver run one.
type Manager struct {
	db         *store.DB
	log        *zap.SugaredLogger
	fetcher    *netutil.Fetcher
	rotatesURL string

	pollInterval time.Duration
	geo          Geo
	now          func() time.Time
	randInt      func(n int64) int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager.
func New(cfg Config) *Manager {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	m := &Manager{
		db:           cfg.DB,
		log:          cfg.Log,
		fetcher:      cfg.Fetcher,
		rotatesURL:   cfg.RotatesURL,
		pollInterval: interval,
		geo:          cfg.Geo,
		now:          cfg.Now,
		randInt:      cfg.RandInt,
		stopCh:       make(chan struct{}),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.randInt == nil {
		m.randInt = rand.Int63n
	}
	return m
}

// Start launches the refresh loop. The loop never terminates on its
// own; a failed or crashed refresh is logged and retried on the next
// cycle.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, refreshInterval, refreshJitter, m.refreshSafe)
	}()
}

// Stop shuts the refresh loop down.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) refreshSafe() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("confmgr: refresh crashed: %v", r)
		}
	}()
	if err := m.Refresh(context.Background()); err != nil {
		m.log.Warnf("confmgr: %v", err)
	}
}

// Refresh fetches the catalog and reconciles the store with it. A 304
// or an unchanged payload is a no-op.
func (m *Manager) Refresh(ctx context.Context) error {
	body, changed, err := m.fetcher.Fetch(ctx, m.rotatesURL)
	if err != nil {
		return fmt.Errorf("confmgr: portal fetch: %w", err)
	}
	if !changed {
		m.log.Debugf("confmgr: portal catalog unchanged")
		return nil
	}

	var portal map[string]portalRotate
	if err := json.Unmarshal(body, &portal); err != nil {
		m.fetcher.Forget(m.rotatesURL)
		return fmt.Errorf("confmgr: portal JSON: %w", err)
	}
	if err := m.apply(ctx, portal); err != nil {
		m.fetcher.Forget(m.rotatesURL)
		return err
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, portal map[string]portalRotate) error {
	now := m.now().Unix()

	servers := make(map[string]*model.Server)
	rotates := make(map[string]*model.Rotate)

	for rid, rot := range portal {
		if strings.HasPrefix(strings.ToLower(rid), "t2poll") {
			continue
		}
		members := make([]string, 0, len(rot.Servers))
		for sid, ps := range rot.Servers {
			id := strings.ToUpper(strings.TrimSpace(sid))
			if id == "" || strings.HasPrefix(id, "T2POLL-") {
				continue
			}
			members = append(members, id)
			srv, ok := servers[id]
			if !ok {
				srv = &model.Server{
					ID:           id,
					Host:         ps.Host,
					Domain:       ps.Domain,
					IPv4:         ps.IPv4,
					IPv6:         ps.IPv6,
					Deleted:      ps.Deleted,
					OutOfService: ps.OutOfService,
					Email:        ps.Email,
					EmailAlerts:  ps.EmailAlerts,
				}
				if m.geo != nil && srv.IPv4 != "" {
					srv.Country = m.geo.Country(srv.IPv4)
				}
				servers[id] = srv
			}
			srv.Rotates = append(srv.Rotates, rid)
		}
		sort.Strings(members)
		rotates[rid] = &model.Rotate{ID: rid, Members: members}
	}

	existing, err := m.db.GetServers(ctx)
	if err != nil {
		return fmt.Errorf("confmgr: reading stored servers: %w", err)
	}
	existingRotates, err := m.db.GetRotates(ctx)
	if err != nil {
		return fmt.Errorf("confmgr: reading stored rotates: %w", err)
	}

	addrs := model.AddressMap{}
	for id, srv := range servers {
		sort.Strings(srv.Rotates)
		if err := m.db.StoreServer(ctx, srv); err != nil {
			return fmt.Errorf("confmgr: storing %s: %w", id, err)
		}
		addrs.Add(srv.IPv4, id)
		addrs.Add(srv.IPv6, id)

		if srv.IPv4 == "" || srv.Deleted {
			// Kept in the store so the UI can show it, but never
			// scheduled for polling.
			if err := m.db.DelPollQ(ctx, id); err != nil {
				return fmt.Errorf("confmgr: dequeueing %s: %w", id, err)
			}
			continue
		}
		if _, queued, err := m.db.GetPollQ(ctx, id); err != nil {
			return fmt.Errorf("confmgr: reading queue for %s: %w", id, err)
		} else if !queued {
			at := now + m.randInt(int64(m.pollInterval/time.Second))
			if err := m.db.SetPollQ(ctx, id, at); err != nil {
				return fmt.Errorf("confmgr: scheduling %s: %w", id, err)
			}
			m.log.Infof("confmgr: new server %s, first poll at %d", id, at)
		}
	}

	for _, rot := range rotates {
		if err := m.db.StoreRotate(ctx, rot); err != nil {
			return fmt.Errorf("confmgr: storing rotate %s: %w", rot.ID, err)
		}
	}

	for _, old := range existing {
		if _, ok := servers[old.ID]; ok {
			continue
		}
		m.log.Infof("confmgr: server %s gone from the portal, evicting", old.ID)
		if err := m.db.DelPollQ(ctx, old.ID); err != nil {
			return fmt.Errorf("confmgr: dequeueing %s: %w", old.ID, err)
		}
		if err := m.db.DelServer(ctx, old.ID); err != nil {
			return fmt.Errorf("confmgr: evicting %s: %w", old.ID, err)
		}
		if err := m.db.DelAvail(ctx, old.ID); err != nil {
			return fmt.Errorf("confmgr: dropping availability of %s: %w", old.ID, err)
		}
	}
	for _, old := range existingRotates {
		if _, ok := rotates[old.ID]; ok {
			continue
		}
		if err := m.db.DelRotate(ctx, old.ID); err != nil {
			return fmt.Errorf("confmgr: evicting rotate %s: %w", old.ID, err)
		}
	}

	if err := m.db.SetAddressMap(ctx, addrs); err != nil {
		return fmt.Errorf("confmgr: storing address map: %w", err)
	}

	m.log.Infof("confmgr: catalog updated: %d servers, %d rotates", len(servers), len(rotates))
	return nil
}
