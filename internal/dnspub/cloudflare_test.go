package dnspub

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudflare/cloudflare-go"
	"go.uber.org/zap"
)

func opString(op planOp) string {
	switch op.action {
	case planCreate:
		return fmt.Sprintf("create %s %s", op.typ, op.content)
	case planReplace:
		return fmt.Sprintf("replace %s %s %s", op.id, op.typ, op.content)
	default:
		return fmt.Sprintf("delete %s", op.id)
	}
}

func assertPlan(t *testing.T, got []planOp, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("plan has %d ops, want %d: %v", len(got), len(want), got)
	}
	for i, op := range got {
		if opString(op) != want[i] {
			t.Errorf("op %d = %q, want %q", i, opString(op), want[i])
		}
	}
}

func TestPlanFromEmpty(t *testing.T) {
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1", "192.0.2.2"}, AAAA: []string{"2001:db8::1"}}
	got := planRecords(rs, nil)
	assertPlan(t, got, []string{
		"create A 192.0.2.1",
		"create A 192.0.2.2",
		"create AAAA 2001:db8::1",
	})
}

func TestPlanNoChange(t *testing.T) {
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1"}, AAAA: []string{"2001:db8::1"}}
	existing := []cfRecord{
		{ID: "id-1", Type: "A", Content: "192.0.2.1"},
		{ID: "id-2", Type: "AAAA", Content: "2001:db8::1"},
	}
	if got := planRecords(rs, existing); len(got) != 0 {
		t.Errorf("plan = %v, want empty", got)
	}
}

func TestPlanReplaceReusesIDs(t *testing.T) {
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.10", "192.0.2.11"}}
	existing := []cfRecord{
		{ID: "id-1", Type: "A", Content: "192.0.2.1"},
		{ID: "id-2", Type: "A", Content: "192.0.2.2"},
	}
	got := planRecords(rs, existing)
	assertPlan(t, got, []string{
		"replace id-1 A 192.0.2.10",
		"replace id-2 A 192.0.2.11",
	})
}

func TestPlanShrink(t *testing.T) {
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1"}}
	existing := []cfRecord{
		{ID: "id-1", Type: "A", Content: "192.0.2.1"},
		{ID: "id-2", Type: "A", Content: "192.0.2.2"},
		{ID: "id-3", Type: "A", Content: "192.0.2.3"},
	}
	got := planRecords(rs, existing)
	assertPlan(t, got, []string{
		"delete id-2",
		"delete id-3",
	})
}

func TestPlanCNAMEDisplacesAddresses(t *testing.T) {
	rs := &RecordSet{FQDN: "finland.aprs2.net", CNAME: "rotate.aprs2.net"}
	existing := []cfRecord{
		{ID: "id-1", Type: "A", Content: "192.0.2.1"},
		{ID: "id-2", Type: "A", Content: "192.0.2.2"},
		{ID: "id-3", Type: "AAAA", Content: "2001:db8::1"},
	}
	got := planRecords(rs, existing)
	assertPlan(t, got, []string{
		"delete id-2",
		"delete id-3",
		"replace id-1 CNAME rotate.aprs2.net",
	})
}

func TestPlanCNAMEAlreadyPresent(t *testing.T) {
	rs := &RecordSet{FQDN: "finland.aprs2.net", CNAME: "rotate.aprs2.net"}
	existing := []cfRecord{
		{ID: "id-1", Type: "CNAME", Content: "rotate.aprs2.net"},
		{ID: "id-2", Type: "A", Content: "192.0.2.1"},
	}
	got := planRecords(rs, existing)
	assertPlan(t, got, []string{
		"delete id-2",
	})
}

func TestPlanCNAMEFromEmpty(t *testing.T) {
	rs := &RecordSet{FQDN: "finland.aprs2.net", CNAME: "rotate.aprs2.net"}
	got := planRecords(rs, nil)
	assertPlan(t, got, []string{
		"create CNAME rotate.aprs2.net",
	})
}

func TestPlanAddressesDisplaceCNAME(t *testing.T) {
	rs := &RecordSet{FQDN: "finland.aprs2.net", A: []string{"192.0.2.1"}}
	existing := []cfRecord{
		{ID: "id-1", Type: "CNAME", Content: "rotate.aprs2.net"},
	}
	got := planRecords(rs, existing)
	assertPlan(t, got, []string{
		"replace id-1 A 192.0.2.1",
	})
}

func TestPlanLeavesOtherTypesAlone(t *testing.T) {
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1"}}
	existing := []cfRecord{
		{ID: "id-9", Type: "TXT", Content: "v=spf1 -all"},
	}
	got := planRecords(rs, existing)
	assertPlan(t, got, []string{
		"create A 192.0.2.1",
	})
}

type fakeCFAPI struct {
	listed  []cloudflare.DNSRecord
	listErr error

	rcs     []string
	creates []cloudflare.CreateDNSRecordParams
	updates []cloudflare.UpdateDNSRecordParams
	deletes []string
	fail    map[string]error
}

func (f *fakeCFAPI) ListDNSRecords(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, *cloudflare.ResultInfo, error) {
	f.rcs = append(f.rcs, rc.Identifier)
	return f.listed, &cloudflare.ResultInfo{}, f.listErr
}

func (f *fakeCFAPI) CreateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.CreateDNSRecordParams) (cloudflare.DNSRecord, error) {
	f.creates = append(f.creates, params)
	return cloudflare.DNSRecord{}, f.fail["create"]
}

func (f *fakeCFAPI) UpdateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.UpdateDNSRecordParams) (cloudflare.DNSRecord, error) {
	f.updates = append(f.updates, params)
	return cloudflare.DNSRecord{}, f.fail["update"]
}

func (f *fakeCFAPI) DeleteDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, recordID string) error {
	f.deletes = append(f.deletes, recordID)
	return f.fail["delete"]
}

func testCloudflare(api dnsAPI) *Cloudflare {
	return &Cloudflare{
		api:   api,
		zones: map[string]string{"aprs2.net": "zone-id-1", "aprs.is": "zone-id-2"},
		names: []string{"aprs2.net", "aprs.is"},
		ttl:   600,
		log:   zap.NewNop().Sugar(),
	}
}

func TestCloudflarePublish(t *testing.T) {
	api := &fakeCFAPI{
		listed: []cloudflare.DNSRecord{
			{ID: "id-1", Type: "A", Content: "192.0.2.9"},
		},
	}
	c := testCloudflare(api)
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1", "192.0.2.2"}}
	if err := c.Publish(context.Background(), rs); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(api.rcs) != 1 || api.rcs[0] != "zone-id-1" {
		t.Errorf("zone ids touched = %v, want [zone-id-1]", api.rcs)
	}
	if len(api.updates) != 1 {
		t.Fatalf("%d updates, want 1", len(api.updates))
	}
	up := api.updates[0]
	if up.ID != "id-1" || up.Type != "A" || up.Content != "192.0.2.1" || up.Name != "rotate.aprs2.net" {
		t.Errorf("update params = %+v", up)
	}
	if up.TTL != 600 {
		t.Errorf("update ttl = %d, want 600", up.TTL)
	}
	if up.Comment == nil || *up.Comment != "aprs2-dynamic" {
		t.Errorf("update comment = %v, want aprs2-dynamic", up.Comment)
	}
	if len(api.creates) != 1 {
		t.Fatalf("%d creates, want 1", len(api.creates))
	}
	cr := api.creates[0]
	if cr.Type != "A" || cr.Content != "192.0.2.2" || cr.Comment != "aprs2-dynamic" || cr.TTL != 600 {
		t.Errorf("create params = %+v", cr)
	}
	if len(api.deletes) != 0 {
		t.Errorf("deletes = %v, want none", api.deletes)
	}
}

func TestCloudflarePublishListError(t *testing.T) {
	api := &fakeCFAPI{listErr: errors.New("401")}
	c := testCloudflare(api)
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1"}}
	if err := c.Publish(context.Background(), rs); err == nil {
		t.Error("want error when listing fails")
	}
	if len(api.creates) != 0 {
		t.Errorf("records created after a failed list: %v", api.creates)
	}
}

func TestCloudflarePublishOpErrorContinues(t *testing.T) {
	api := &fakeCFAPI{
		listed: []cloudflare.DNSRecord{
			{ID: "id-1", Type: "A", Content: "192.0.2.8"},
			{ID: "id-2", Type: "A", Content: "192.0.2.9"},
		},
		fail: map[string]error{"delete": errors.New("500")},
	}
	c := testCloudflare(api)
	// One replace, one delete; the delete fails but the error must not
	// stop the replace from having happened nor mask the failure.
	rs := &RecordSet{FQDN: "rotate.aprs2.net", A: []string{"192.0.2.1"}}
	err := c.Publish(context.Background(), rs)
	if err == nil {
		t.Error("want error when an op fails")
	}
	if len(api.updates) != 1 || len(api.deletes) != 1 {
		t.Errorf("updates/deletes = %d/%d, want 1/1", len(api.updates), len(api.deletes))
	}
}

func TestCloudflarePublishUnknownZone(t *testing.T) {
	api := &fakeCFAPI{}
	c := testCloudflare(api)
	rs := &RecordSet{FQDN: "rotate.example.org", A: []string{"192.0.2.1"}}
	if err := c.Publish(context.Background(), rs); err == nil {
		t.Error("want error for a name outside the configured zones")
	}
	if len(api.rcs) != 0 {
		t.Errorf("api touched for an unroutable name: %v", api.rcs)
	}
}
