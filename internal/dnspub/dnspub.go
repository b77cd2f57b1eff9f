// Package dnspub publishes rotate record sets to the configured DNS
// backends. A change-suppression cache keyed by FQDN drops updates
// whose record set is identical to the last successfully published
// one, so score reshuffles that do not alter the chosen set cause no
// backend traffic.
package dnspub

import (
	"context"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// RecordSet is the desired state for one FQDN: either a single CNAME
// or a set of A/AAAA addresses.
type RecordSet struct {
	FQDN  string
	A     []string
	AAAA  []string
	CNAME string
}

// Key returns the canonical form used for change suppression: the
// sorted v4 set, a space, and the sorted v6 set, or the CNAME target.
func (rs *RecordSet) Key() string {
	if rs.CNAME != "" {
		return "CNAME " + rs.CNAME
	}
	a4 := append([]string(nil), rs.A...)
	sort.Strings(a4)
	a6 := append([]string(nil), rs.AAAA...)
	sort.Strings(a6)
	return strings.Join(a4, ",") + " " + strings.Join(a6, ",")
}

// Backend publishes one record set to an authoritative DNS service.
type Backend interface {
	Name() string
	Publish(ctx context.Context, rs *RecordSet) error
}

// Publisher fans record sets out to every configured backend.
type Publisher struct {
	log      *zap.SugaredLogger
	backends []Backend
	seen     *xsync.MapOf[string, uint64]
}

func NewPublisher(log *zap.SugaredLogger, backends ...Backend) *Publisher {
	return &Publisher{
		log:      log,
		backends: backends,
		seen:     xsync.NewMapOf[string, uint64](),
	}
}

// Backends returns the number of configured backends. Zero means the
// publisher runs dry: record sets are logged and cached but no
// backend is written.
func (p *Publisher) Backends() int {
	return len(p.backends)
}

// Publish pushes a record set to all backends unless it matches the
// last published set for the FQDN. The suppression cache advances
// only when every backend accepted the update, so a failed publish is
// retried on the next driver cycle.
func (p *Publisher) Publish(ctx context.Context, rs *RecordSet) error {
	key := rs.Key()
	sum := xxh3.HashString(key)
	if prev, ok := p.seen.Load(rs.FQDN); ok && prev == sum {
		p.log.Debugf("dns: %s unchanged, skipping", rs.FQDN)
		return nil
	}

	p.log.Infof("dns: %s -> %s", rs.FQDN, key)
	var firstErr error
	for _, b := range p.backends {
		if err := b.Publish(ctx, rs); err != nil {
			p.log.Errorf("dns: %s: %s: %v", rs.FQDN, b.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	p.seen.Store(rs.FQDN, sum)
	return nil
}

// ZoneForFQDN returns the longest configured zone that contains the
// FQDN, either as the name itself or as a dotted suffix.
func ZoneForFQDN(fqdn string, zones []string) (string, bool) {
	best := ""
	for _, z := range zones {
		if z == "" {
			continue
		}
		if fqdn != z && !strings.HasSuffix(fqdn, "."+z) {
			continue
		}
		if len(z) > len(best) {
			best = z
		}
	}
	return best, best != ""
}
