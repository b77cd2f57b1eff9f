package dnsdriver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/score"
)

// okFraction is the share of reporting sites that must agree a server
// is up for the merged status to be ok. A 1-of-2 split counts as up.
const okFraction = 0.48

type siteResult struct {
	site string
	res  *model.PollResult
}

// merge fuses the accepted snapshots into one MergedStatus per server,
// refreshes the availability ledger and persists the result. The
// returned map feeds rotate selection.
func (d *Driver) merge(ctx context.Context, snaps []snapshot, byID map[string]*model.Server) map[string]*model.MergedStatus {
	perID := make(map[string][]siteResult)
	for _, snap := range snaps {
		for id, res := range snap.servers {
			perID[id] = append(perID[id], siteResult{snap.site, res})
		}
	}

	ids := make([]string, 0, len(perID))
	for id := range perID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := d.now().Unix()
	out := make(map[string]*model.MergedStatus, len(perID))
	for _, id := range ids {
		st := d.mergeOne(ctx, id, perID[id], byID[id], now)
		if err := d.db.SetMergedStatus(ctx, id, st); err != nil {
			d.log.Errorf("dns: storing merged status of %s: %v", id, err)
		}
		out[id] = st
	}
	return out
}

func (d *Driver) mergeOne(ctx context.Context, id string, results []siteResult, srv *model.Server, now int64) *model.MergedStatus {
	cOK := 0
	var latest *model.PollResult
	var scoreSum float64
	scorebase := make(map[string]model.ScoreBase, len(results))
	var errors []model.ProbeError
	for _, sr := range results {
		if sr.res.OK() {
			cOK++
		}
		if latest == nil || sr.res.LastTest > latest.LastTest {
			latest = sr.res
		}
		scoreSum += sr.res.Props.Score
		if len(sr.res.Props.ScoreBase) > 0 {
			scorebase[sr.site] = sr.res.Props.ScoreBase
		}
		for _, e := range sr.res.Errors {
			errors = append(errors, model.ProbeError{Code: e.Code, Message: sr.site + ": " + e.Message})
		}
	}
	cRes := len(results)

	// The stored per-site scores already carry the failure penalty, so
	// the merged score is their plain mean.
	st := &model.MergedStatus{
		Status:    model.StatusFail,
		COK:       cOK,
		CRes:      cRes,
		LastTest:  latest.LastTest,
		Props:     latest.Props,
		ScoreBase: scorebase,
		Errors:    errors,
	}
	if cOK >= 1 && float64(cOK)/float64(cRes) > okFraction {
		st.Status = model.StatusOK
	}
	st.Props.Score = scoreSum / float64(cRes)

	prev, err := d.db.GetMergedStatus(ctx, id)
	if err != nil {
		d.log.Warnf("dns: loading merged status of %s: %v", id, err)
	}
	st.LastChange = st.LastTest
	if prev != nil && prev.Status == st.Status {
		st.LastChange = prev.LastChange
	}

	// Out of service downtime does not count against the record, and
	// neither does a gap longer than three cycles.
	tdif := int64(0)
	if prev != nil {
		delta := st.LastTest - prev.LastTest
		if delta > 0 && delta <= 3*int64(d.interval/time.Second) && (srv == nil || !srv.OutOfService) {
			tdif = delta
		}
	}
	a3, a30, err := d.db.UpdateAvail(ctx, id, tdif, st.Status == model.StatusOK, now)
	if err != nil {
		d.log.Warnf("dns: updating availability of %s: %v", id, err)
		return st
	}
	st.Avail3, st.Avail30 = a3, a30

	if pen := score.AvailPenalty(st.Avail3); pen > 0 {
		st.Props.Score += pen
		mb := st.ScoreBase["master"]
		if mb == nil {
			mb = model.ScoreBase{}
			st.ScoreBase["master"] = mb
		}
		mb["availability"] = model.ScoreComponent{
			Value: pen,
			Human: fmt.Sprintf("availability %.2f %%", st.Avail3),
		}
	}
	return st
}
