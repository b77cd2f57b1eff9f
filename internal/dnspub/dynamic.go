package dnspub

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// TSIGKeyName is the shared key name the master expects on updates.
const TSIGKeyName = "aprs2net-dns."

const (
	defaultDNSTimeout = 10 * time.Second
	tsigFudgeSeconds  = 300
)

// DynamicConfig configures the dynamic-update backend.
type DynamicConfig struct {
	// Master is the primary nameserver, host or host:port. Port 53 is
	// assumed when none is given.
	Master string

	// TSIGSecret is the base64 HMAC-SHA256 secret for TSIGKeyName.
	TSIGSecret string

	// Zones this backend may update.
	Zones []string

	TTL     uint32
	Timeout time.Duration
	Log     *zap.SugaredLogger
}

// Dynamic publishes record sets with DNS UPDATE messages over TCP.
// Each update replaces everything at the FQDN: delete all records at
// the name, then insert the desired set.
type Dynamic struct {
	master string
	zones  []string
	ttl    uint32
	log    *zap.SugaredLogger

	// exchange sends one signed message. Injectable for tests.
	exchange func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error)
}

func NewDynamic(cfg DynamicConfig) *Dynamic {
	master := cfg.Master
	if _, _, err := net.SplitHostPort(master); err != nil {
		master = net.JoinHostPort(master, "53")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultDNSTimeout
	}
	client := &dns.Client{
		Net:        "tcp",
		Timeout:    timeout,
		TsigSecret: map[string]string{TSIGKeyName: cfg.TSIGSecret},
	}
	d := &Dynamic{
		master: master,
		zones:  cfg.Zones,
		ttl:    cfg.TTL,
		log:    cfg.Log,
	}
	d.exchange = func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error) {
		r, _, err := client.ExchangeContext(ctx, m, addr)
		return r, err
	}
	return d
}

func (d *Dynamic) Name() string { return "dyndns" }

func (d *Dynamic) Publish(ctx context.Context, rs *RecordSet) error {
	zone, ok := ZoneForFQDN(rs.FQDN, d.zones)
	if !ok {
		return fmt.Errorf("no zone configured for %s", rs.FQDN)
	}
	name := dns.Fqdn(rs.FQDN)

	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	m.RemoveName([]dns.RR{&dns.ANY{Hdr: dns.RR_Header{Name: name}}})

	add, err := d.records(name, rs)
	if err != nil {
		return err
	}
	m.Insert(add)
	m.SetTsig(TSIGKeyName, dns.HmacSHA256, tsigFudgeSeconds, time.Now().Unix())

	r, err := d.exchange(ctx, m, d.master)
	if err != nil {
		return fmt.Errorf("update %s: %w", rs.FQDN, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("update %s: master returned %s", rs.FQDN, dns.RcodeToString[r.Rcode])
	}
	d.log.Debugf("dyndns: %s updated in zone %s", rs.FQDN, zone)
	return nil
}

func (d *Dynamic) records(name string, rs *RecordSet) ([]dns.RR, error) {
	if rs.CNAME != "" {
		return []dns.RR{&dns.CNAME{
			Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: d.ttl},
			Target: dns.Fqdn(rs.CNAME),
		}}, nil
	}
	var rr []dns.RR
	for _, a := range rs.A {
		ip := net.ParseIP(a)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("bad IPv4 address %q for %s", a, rs.FQDN)
		}
		rr = append(rr, &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: d.ttl},
			A:   ip.To4(),
		})
	}
	for _, a := range rs.AAAA {
		ip := net.ParseIP(a)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("bad IPv6 address %q for %s", a, rs.FQDN)
		}
		rr = append(rr, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: d.ttl},
			AAAA: ip.To16(),
		})
	}
	return rr, nil
}
