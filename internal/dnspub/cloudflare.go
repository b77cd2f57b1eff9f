package dnspub

import (
	"context"
	"fmt"

	"github.com/cloudflare/cloudflare-go"
	"go.uber.org/zap"
)

// cfComment tags records this system manages, so hand-entered records
// can be told apart in the zone console.
const cfComment = "aprs2-dynamic"

// dnsAPI is the slice of the cloudflare client the backend uses.
type dnsAPI interface {
	ListDNSRecords(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, *cloudflare.ResultInfo, error)
	CreateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.CreateDNSRecordParams) (cloudflare.DNSRecord, error)
	UpdateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.UpdateDNSRecordParams) (cloudflare.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, recordID string) error
}

// CloudflareConfig configures the cloud DNS backend.
type CloudflareConfig struct {
	Token string

	// Zones maps zone names to cloudflare zone ids.
	Zones map[string]string

	TTL int
	Log *zap.SugaredLogger
}

// Cloudflare publishes record sets through the cloudflare API. Unlike
// the dynamic-update backend it edits incrementally: fetch what is
// there, then create, rewrite and delete records until the name
// matches the desired set. Replacements reuse record ids so a busy
// rotate does not burn through id churn.
type Cloudflare struct {
	api   dnsAPI
	zones map[string]string
	names []string
	ttl   int
	log   *zap.SugaredLogger
}

func NewCloudflare(cfg CloudflareConfig) (*Cloudflare, error) {
	api, err := cloudflare.NewWithAPIToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("cloudflare client: %w", err)
	}
	names := make([]string, 0, len(cfg.Zones))
	for name := range cfg.Zones {
		names = append(names, name)
	}
	return &Cloudflare{
		api:   api,
		zones: cfg.Zones,
		names: names,
		ttl:   cfg.TTL,
		log:   cfg.Log,
	}, nil
}

func (c *Cloudflare) Name() string { return "cloudflare" }

func (c *Cloudflare) Publish(ctx context.Context, rs *RecordSet) error {
	zone, ok := ZoneForFQDN(rs.FQDN, c.names)
	if !ok {
		return fmt.Errorf("no cloudflare zone configured for %s", rs.FQDN)
	}
	rc := cloudflare.ZoneIdentifier(c.zones[zone])

	current, _, err := c.api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{Name: rs.FQDN})
	if err != nil {
		return fmt.Errorf("listing %s: %w", rs.FQDN, err)
	}
	existing := make([]cfRecord, 0, len(current))
	for _, r := range current {
		existing = append(existing, cfRecord{ID: r.ID, Type: r.Type, Content: r.Content})
	}

	var firstErr error
	for _, op := range planRecords(rs, existing) {
		var err error
		switch op.action {
		case planCreate:
			c.log.Infof("cloudflare: %s: creating %s %s", rs.FQDN, op.typ, op.content)
			_, err = c.api.CreateDNSRecord(ctx, rc, cloudflare.CreateDNSRecordParams{
				Type: op.typ, Name: rs.FQDN, Content: op.content,
				TTL: c.ttl, Comment: cfComment,
			})
		case planReplace:
			c.log.Infof("cloudflare: %s: rewriting %s as %s %s", rs.FQDN, op.id, op.typ, op.content)
			comment := cfComment
			_, err = c.api.UpdateDNSRecord(ctx, rc, cloudflare.UpdateDNSRecordParams{
				ID: op.id, Type: op.typ, Name: rs.FQDN, Content: op.content,
				TTL: c.ttl, Comment: &comment,
			})
		case planDelete:
			c.log.Infof("cloudflare: %s: deleting %s", rs.FQDN, op.id)
			err = c.api.DeleteDNSRecord(ctx, rc, op.id)
		}
		if err != nil {
			c.log.Errorf("cloudflare: %s: %v", rs.FQDN, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type cfRecord struct {
	ID      string
	Type    string
	Content string
}

type planAction int

const (
	planCreate planAction = iota
	planReplace
	planDelete
)

type planOp struct {
	action  planAction
	id      string
	typ     string
	content string
}

// planRecords computes the edit sequence that turns the existing
// records at a name into the desired set. Record types other than
// A/AAAA/CNAME are left alone. A desired CNAME displaces every other
// record at the name.
func planRecords(rs *RecordSet, existing []cfRecord) []planOp {
	hasA := make(map[string]bool)
	hasAAAA := make(map[string]bool)
	hasCNAME := make(map[string]bool)
	for _, r := range existing {
		switch r.Type {
		case "A":
			hasA[r.Content] = true
		case "AAAA":
			hasAAAA[r.Content] = true
		case "CNAME":
			hasCNAME[r.Content] = true
		}
	}

	type desired struct{ typ, content string }
	var required []desired
	for _, a := range rs.A {
		if !hasA[a] {
			required = append(required, desired{"A", a})
		}
	}
	for _, a := range rs.AAAA {
		if !hasAAAA[a] {
			required = append(required, desired{"AAAA", a})
		}
	}
	if rs.CNAME != "" {
		required = nil
		if !hasCNAME[rs.CNAME] {
			required = []desired{{"CNAME", rs.CNAME}}
		}
	}

	var ops []planOp

	if rs.CNAME != "" && len(required) > 0 {
		if len(existing) == 0 {
			return []planOp{{action: planCreate, typ: "CNAME", content: rs.CNAME}}
		}
		for _, r := range existing[1:] {
			ops = append(ops, planOp{action: planDelete, id: r.ID})
		}
		ops = append(ops, planOp{action: planReplace, id: existing[0].ID, typ: "CNAME", content: rs.CNAME})
		return ops
	}

	wantA := make(map[string]bool)
	for _, a := range rs.A {
		wantA[a] = true
	}
	wantAAAA := make(map[string]bool)
	for _, a := range rs.AAAA {
		wantAAAA[a] = true
	}
	var stale []string
	for _, r := range existing {
		switch r.Type {
		case "CNAME":
			if rs.CNAME == "" {
				stale = append(stale, r.ID)
			}
		case "A":
			if !wantA[r.Content] {
				stale = append(stale, r.ID)
			}
		case "AAAA":
			if !wantAAAA[r.Content] {
				stale = append(stale, r.ID)
			}
		}
	}

	for _, d := range required {
		if len(stale) > 0 {
			ops = append(ops, planOp{action: planReplace, id: stale[0], typ: d.typ, content: d.content})
			stale = stale[1:]
		} else {
			ops = append(ops, planOp{action: planCreate, typ: d.typ, content: d.content})
		}
	}
	for _, id := range stale {
		ops = append(ops, planOp{action: planDelete, id: id})
	}
	return ops
}
