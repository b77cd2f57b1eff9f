package dnspub

import (
	"context"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

func testDynamic(t *testing.T) (*Dynamic, *[]*dns.Msg, *[]string) {
	t.Helper()
	d := NewDynamic(DynamicConfig{
		Master:     "ns.example.com",
		TSIGSecret: "c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0cw==",
		Zones:      []string{"aprs2.net", "aprs.is"},
		TTL:        600,
		Log:        zap.NewNop().Sugar(),
	})
	var msgs []*dns.Msg
	var addrs []string
	d.exchange = func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error) {
		msgs = append(msgs, m)
		addrs = append(addrs, addr)
		r := new(dns.Msg)
		r.Rcode = dns.RcodeSuccess
		return r, nil
	}
	return d, &msgs, &addrs
}

func TestDynamicUpdateMessage(t *testing.T) {
	d, msgs, addrs := testDynamic(t)
	rs := &RecordSet{
		FQDN: "rotate.aprs2.net",
		A:    []string{"192.0.2.1", "192.0.2.2"},
		AAAA: []string{"2001:db8::1"},
	}
	if err := d.Publish(context.Background(), rs); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(*msgs) != 1 {
		t.Fatalf("%d messages sent, want 1", len(*msgs))
	}
	if (*addrs)[0] != "ns.example.com:53" {
		t.Errorf("sent to %q, want port 53 default", (*addrs)[0])
	}

	m := (*msgs)[0]
	if m.Opcode != dns.OpcodeUpdate {
		t.Errorf("opcode = %d, want update", m.Opcode)
	}
	if len(m.Question) != 1 || m.Question[0].Name != "aprs2.net." {
		t.Errorf("zone section = %+v, want aprs2.net.", m.Question)
	}

	// First a whole-name delete, then the new records.
	if len(m.Ns) != 4 {
		t.Fatalf("update section has %d RRs, want 4: %v", len(m.Ns), m.Ns)
	}
	del := m.Ns[0].Header()
	if del.Name != "rotate.aprs2.net." || del.Rrtype != dns.TypeANY || del.Class != dns.ClassANY {
		t.Errorf("first RR is not a delete-name: %v", m.Ns[0])
	}
	var gotA, gotAAAA int
	for _, rr := range m.Ns[1:] {
		h := rr.Header()
		if h.Name != "rotate.aprs2.net." || h.Ttl != 600 {
			t.Errorf("record header %v, want name rotate.aprs2.net. ttl 600", h)
		}
		switch rec := rr.(type) {
		case *dns.A:
			gotA++
			if rec.A.String() != "192.0.2.1" && rec.A.String() != "192.0.2.2" {
				t.Errorf("unexpected A %s", rec.A)
			}
		case *dns.AAAA:
			gotAAAA++
			if rec.AAAA.String() != "2001:db8::1" {
				t.Errorf("unexpected AAAA %s", rec.AAAA)
			}
		default:
			t.Errorf("unexpected record type %T", rr)
		}
	}
	if gotA != 2 || gotAAAA != 1 {
		t.Errorf("got %d A + %d AAAA, want 2 + 1", gotA, gotAAAA)
	}

	tsig := m.IsTsig()
	if tsig == nil {
		t.Fatal("message is not signed")
	}
	if tsig.Hdr.Name != TSIGKeyName {
		t.Errorf("tsig key = %q, want %q", tsig.Hdr.Name, TSIGKeyName)
	}
	if tsig.Algorithm != dns.HmacSHA256 {
		t.Errorf("tsig algorithm = %q, want hmac-sha256", tsig.Algorithm)
	}
}

func TestDynamicCNAME(t *testing.T) {
	d, msgs, _ := testDynamic(t)
	rs := &RecordSet{FQDN: "finland.aprs2.net", CNAME: "rotate.aprs2.net"}
	if err := d.Publish(context.Background(), rs); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	m := (*msgs)[0]
	if len(m.Ns) != 2 {
		t.Fatalf("update section has %d RRs, want delete + cname", len(m.Ns))
	}
	cname, ok := m.Ns[1].(*dns.CNAME)
	if !ok {
		t.Fatalf("second RR is %T, want CNAME", m.Ns[1])
	}
	if cname.Target != "rotate.aprs2.net." {
		t.Errorf("target = %q, want rotate.aprs2.net.", cname.Target)
	}
}

func TestDynamicRefused(t *testing.T) {
	d, _, _ := testDynamic(t)
	d.exchange = func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error) {
		r := new(dns.Msg)
		r.Rcode = dns.RcodeRefused
		return r, nil
	}
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1"}}
	err := d.Publish(context.Background(), rs)
	if err == nil || !strings.Contains(err.Error(), "REFUSED") {
		t.Errorf("err = %v, want REFUSED", err)
	}
}

func TestDynamicUnknownZone(t *testing.T) {
	d, msgs, _ := testDynamic(t)
	rs := &RecordSet{FQDN: "rotate.example.org", A: []string{"192.0.2.1"}}
	if err := d.Publish(context.Background(), rs); err == nil {
		t.Error("want error for a name outside the configured zones")
	}
	if len(*msgs) != 0 {
		t.Errorf("%d messages sent for an unroutable name", len(*msgs))
	}
}

func TestDynamicRejectsBadAddress(t *testing.T) {
	d, msgs, _ := testDynamic(t)
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"2001:db8::1"}}
	if err := d.Publish(context.Background(), rs); err == nil {
		t.Error("want error for a v6 literal in the v4 set")
	}
	if len(*msgs) != 0 {
		t.Errorf("%d messages sent with a bad record", len(*msgs))
	}
}
