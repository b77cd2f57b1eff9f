package dnsdriver

import (
	"context"
	"math"
	"sort"

	"github.com/hessu/aprs2net-backend/internal/dnspub"
	"github.com/hessu/aprs2net-backend/internal/model"
)

// submitV4Component is the scorebase key the pollers record when the
// HTTP submission port answered over IPv4. The master rotate only
// accepts members carrying it.
const submitV4Component = "submit-http-8080-ipv4"

type candidate struct {
	srv   *model.Server
	score float64
}

// selectAndPublish picks members for every managed rotate, pushes the
// record sets and stores the per-rotate outcome for the UI.
func (d *Driver) selectAndPublish(ctx context.Context, rotates []*model.Rotate, byID map[string]*model.Server, merged map[string]*model.MergedStatus) {
	now := d.now().Unix()
	statuses := make(map[string]*model.RotateStatus, len(rotates))
	for _, rot := range rotates {
		if d.unmanaged[rot.ID] {
			d.log.Debugf("dns: rotate %s is unmanaged, skipping", rot.ID)
			continue
		}
		st, rs := d.selectRotate(rot, byID, merged, now)
		statuses[rot.ID] = st
		if rs == nil {
			continue
		}
		if err := d.publisher.Publish(ctx, rs); err != nil {
			d.log.Warnf("dns: rotate %s not updated, retrying next cycle", rot.ID)
		}
	}
	if err := d.db.SetRotateStatus(ctx, statuses); err != nil {
		d.log.Errorf("dns: storing rotate status: %v", err)
	}
}

// selectRotate computes one rotate's member set. A nil record set
// means nothing is published for this rotate in this cycle.
func (d *Driver) selectRotate(rot *model.Rotate, byID map[string]*model.Server, merged map[string]*model.MergedStatus, now int64) (*model.RotateStatus, *dnspub.RecordSet) {
	isMaster := rot.ID == d.master

	var cands []candidate
	v4Pool := 0
	for _, id := range rot.Members {
		srv := byID[id]
		if srv == nil {
			continue
		}
		if srv.IPv4 != "" && !srv.Deleted {
			v4Pool++
		}
		m := merged[id]
		if !d.isCandidate(srv, m, isMaster) {
			continue
		}
		cands = append(cands, candidate{srv: srv, score: m.Props.Score})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		return cands[i].srv.ID < cands[j].srv.ID
	})

	var v4c, v6c []*model.Server
	for _, c := range cands {
		if c.srv.IPv4 != "" {
			v4c = append(v4c, c.srv)
		}
		if c.srv.IPv6 != "" {
			v6c = append(v6c, c.srv)
		}
	}
	v4 := take(v4c, minV4, maxV4)
	v6 := take(v6c, minV6, maxV6)

	st := &model.RotateStatus{T: now}

	if len(v4) == 0 {
		st.State = model.RotateFailed
		st.LeftOut = append([]string(nil), rot.Members...)
		if isMaster {
			d.log.Errorf("dns: master rotate %s has no usable members, leaving its records alone", rot.ID)
			return st, nil
		}
		st.CName = d.master
		return st, &dnspub.RecordSet{FQDN: rot.ID, CNAME: d.master}
	}

	chosen := make(map[string]bool, len(v4)+len(v6))
	rs := &dnspub.RecordSet{FQDN: rot.ID}
	for _, s := range v4 {
		rs.A = append(rs.A, s.IPv4)
		st.V4 = append(st.V4, s.ID)
		chosen[s.ID] = true
	}
	for _, s := range v6 {
		rs.AAAA = append(rs.AAAA, model.CanonicalAddr(s.IPv6))
		st.V6 = append(st.V6, s.ID)
		chosen[s.ID] = true
	}
	for _, id := range rot.Members {
		if !chosen[id] {
			st.LeftOut = append(st.LeftOut, id)
		}
	}

	st.State = model.RotateHealthy
	if len(v4) < desiredSize(v4Pool) {
		st.State = model.RotateDegraded
	}
	return st, rs
}

// isCandidate applies the rotation filter to one member.
func (d *Driver) isCandidate(srv *model.Server, m *model.MergedStatus, isMaster bool) bool {
	if srv.Deleted || srv.OutOfService {
		return false
	}
	if !m.OK() {
		return false
	}
	if math.IsNaN(m.Props.Score) || math.IsInf(m.Props.Score, 0) {
		return false
	}
	if m.Props.WorstLoad > maxCandidateLoad {
		return false
	}
	if isMaster && !hasSubmitProbe(m) {
		return false
	}
	return true
}

// hasSubmitProbe reports whether any site saw the submission port
// answer over IPv4.
func hasSubmitProbe(m *model.MergedStatus) bool {
	for _, sb := range m.ScoreBase {
		if _, ok := sb[submitV4Component]; ok {
			return true
		}
	}
	return false
}

// take picks the head of a score-sorted candidate list: the configured
// fraction, clamped to the family's bounds. Fewer candidates than the
// lower bound yield an empty set.
func take(c []*model.Server, lo, hi int) []*model.Server {
	if len(c) < lo {
		return nil
	}
	n := int(math.Round(float64(len(c)) * memberFraction))
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	if n > len(c) {
		n = len(c)
	}
	return c[:n]
}

// desiredSize is the member count a fully healthy v4 pool would serve,
// for telling Degraded from Healthy.
func desiredSize(pool int) int {
	if pool < minV4 {
		return minV4
	}
	n := int(math.Round(float64(pool) * memberFraction))
	if n < minV4 {
		n = minV4
	}
	if n > maxV4 {
		n = maxV4
	}
	return n
}

// publishHosts maintains the individual {host}.{domain} names. A
// server that is out of rotation is pointed at the master rotate
// unless it is a hub, which keeps its addresses resolvable for
// uplink targets.
func (d *Driver) publishHosts(ctx context.Context, servers []*model.Server, merged map[string]*model.MergedStatus) {
	for _, srv := range servers {
		fqdn := srv.FQDN()
		if fqdn == "" {
			continue
		}
		outOfRotation := srv.Deleted || srv.OutOfService || !merged[srv.ID].OK()
		if outOfRotation && !srv.MemberOf(model.RotateHubs) {
			rs := &dnspub.RecordSet{FQDN: fqdn, CNAME: d.master}
			if err := d.publisher.Publish(ctx, rs); err != nil {
				d.log.Warnf("dns: host %s not updated, retrying next cycle", fqdn)
			}
			continue
		}
		rs := &dnspub.RecordSet{FQDN: fqdn}
		if srv.IPv4 != "" {
			rs.A = []string{srv.IPv4}
		}
		if srv.IPv6 != "" {
			rs.AAAA = []string{model.CanonicalAddr(srv.IPv6)}
		}
		if len(rs.A) == 0 && len(rs.AAAA) == 0 {
			continue
		}
		if err := d.publisher.Publish(ctx, rs); err != nil {
			d.log.Warnf("dns: host %s not updated, retrying next cycle", fqdn)
		}
	}
}

// storeStats aggregates member counters per rotate for the UI.
func (d *Driver) storeStats(ctx context.Context, rotates []*model.Rotate, merged map[string]*model.MergedStatus) {
	for _, rot := range rotates {
		stats := &model.RotateStats{Servers: len(rot.Members)}
		for _, id := range rot.Members {
			m := merged[id]
			if !m.OK() {
				continue
			}
			stats.ServersOK++
			stats.Clients += m.Props.Clients
			stats.RateBytesIn += m.Props.RateBytesIn
			stats.RateBytesOut += m.Props.RateBytesOut
		}
		if err := d.db.SetRotateStats(ctx, rot.ID, stats); err != nil {
			d.log.Warnf("dns: storing stats of %s: %v", rot.ID, err)
		}
	}
}
