// Package geoip annotates server addresses with ISO country codes from
// a MaxMind database file. The reader is reloaded on a cron schedule
// whenever the file on disk changes, so an updated database is picked
// up without a restart.
package geoip

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultSchedule = "17 4 * * *"

// Reader is the subset of the MaxMind reader the service uses.
type Reader interface {
	Lookup(ip net.IP, result any) error
	Close() error
}

// OpenFunc opens a database file. Production uses MaxmindOpen; tests
// inject fakes.
type OpenFunc func(path string) (Reader, error)

// MaxmindOpen opens a MaxMind .mmdb file.
func MaxmindOpen(path string) (Reader, error) {
	return maxminddb.Open(path)
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Config configures the country lookup service.
type Config struct {
	// Path of the MaxMind country database. Empty disables lookups;
	// Country then returns "" for every address.
	Path string

	// Schedule is a cron expression for the database change check.
	Schedule string

	Log  *zap.SugaredLogger
	Open OpenFunc
}

// Service provides country lookups with hot reloading.
type Service struct {
	path     string
	schedule string
	log      *zap.SugaredLogger
	open     OpenFunc
	cron     *cron.Cron

	mu      sync.RWMutex
	reader  Reader
	modTime time.Time
}

// New creates the service. The database is not opened until Start.
func New(cfg Config) *Service {
	s := &Service{
		path:     cfg.Path,
		schedule: cfg.Schedule,
		log:      cfg.Log,
		open:     cfg.Open,
		cron:     cron.New(),
	}
	if s.schedule == "" {
		s.schedule = defaultSchedule
	}
	if s.open == nil {
		s.open = MaxmindOpen
	}
	return s
}

// Start opens the database if one is configured and schedules the
// periodic change check. A database that is missing at startup is only
// logged; the check opens it once the file appears.
func (s *Service) Start() error {
	if s.path == "" {
		return nil
	}
	if err := s.reload(); err != nil {
		s.log.Warnf("geoip: %v", err)
	}
	if _, err := s.cron.AddFunc(s.schedule, s.check); err != nil {
		return fmt.Errorf("geoip: schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and closes the reader.
func (s *Service) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Country returns the ISO country code for an address, or "" when the
// address does not parse, is unknown to the database, or no database
// is loaded.
func (s *Service) Country(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	var rec countryRecord
	if err := s.reader.Lookup(addr, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// check reopens the database when its modification time has advanced
// past the version currently loaded.
func (s *Service) check() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Warnf("geoip: stat %s: %v", s.path, err)
		return
	}
	s.mu.RLock()
	prev := s.modTime
	s.mu.RUnlock()
	if !info.ModTime().After(prev) {
		return
	}
	if err := s.reload(); err != nil {
		s.log.Warnf("geoip: %v", err)
		return
	}
	s.log.Infof("geoip: reloaded %s", s.path)
}

// reload swaps in a freshly opened reader. Lookups in flight finish on
// the old reader before it is closed.
func (s *Service) reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	r, err := s.open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = r
	s.modTime = info.ModTime()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// LastLoaded returns the modification time of the database version
// currently serving lookups.
func (s *Service) LastLoaded() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modTime
}
