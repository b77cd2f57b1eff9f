package poll

import (
	"context"
	"time"

	"github.com/hessu/aprs2net-backend/internal/model"
)

// submitExpect is the status code each software returns for a plain GET
// on the HTTP submission port. The port only accepts POSTed packets, so
// the rejection code is a cheap fingerprint that the right service is
// listening.
var submitExpect = map[string]int{
	model.FlavorAprsc:  501,
	model.FlavorJavap3: 400,
	model.FlavorJavap4: 405,
}

// submitTest checks the HTTP submission port. The result is
// informational: success records the round trip time, failure records
// nothing and raises no error.
func (j *Job) submitTest(ctx context.Context, family string) {
	want, ok := submitExpect[j.info.Props.Type]
	if !ok {
		return
	}
	url := j.cfg.SubmitURL(j.server, family)
	start := time.Now()
	_, code, hdr, err := j.get(ctx, url)
	rtt := time.Since(start).Seconds()
	if err != nil {
		j.log.Debugf("%s: submit port %s: %v", j.server.ID, family, err)
		return
	}
	if sv := hdr.Get("Server"); sv != "" {
		j.log.Debugf("%s: submit port %s reports Server: %q", j.server.ID, family, sv)
		return
	}
	if code != want {
		j.log.Debugf("%s: submit port %s returned %d, expected %d", j.server.ID, family, code, want)
		return
	}
	j.log.Debugf("%s: submit port %s OK %.3f s", j.server.ID, family, rtt)
	j.scorer.SetSubmitRTT(family, rtt)
}
