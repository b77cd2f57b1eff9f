// Package nagios feeds the aprs2.net server fleet into nagios: a
// generator that renders host definitions from the portal catalog, and
// the status check the nagios plugin command runs per server.
package nagios

import (
	"fmt"
	"strings"

	"github.com/hessu/aprs2net-backend/internal/model"
)

// Nagios plugin exit codes.
const (
	StateOK       = 0
	StateWarning  = 1
	StateCritical = 2
	StateUnknown  = 3
)

// warnLoad is the listener load percentage above which a passing
// server is reported as WARNING. It matches the DNS driver's candidate
// cutoff, so operators see the pressure before rotation drops the host.
const warnLoad = 80.0

// DurStr renders a second count the way the status UI shows uptimes,
// e.g. 10d4h7m3s. Zero-valued units are skipped; a zero duration is
// rendered as 0s.
func DurStr(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	var b strings.Builder
	if d := seconds / 86400; d > 0 {
		fmt.Fprintf(&b, "%dd", d)
		seconds -= d * 86400
	}
	if h := seconds / 3600; h > 0 {
		fmt.Fprintf(&b, "%dh", h)
		seconds -= h * 3600
	}
	if m := seconds / 60; m > 0 {
		fmt.Fprintf(&b, "%dm", m)
		seconds -= m * 60
	}
	if seconds > 0 || b.Len() == 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	return b.String()
}

// Check turns a stored poll result into a nagios plugin verdict: the
// exit code and the single status line. A nil result means the server
// is not known to the store.
func Check(id string, st *model.PollResult) (int, string) {
	if st == nil {
		return StateUnknown, fmt.Sprintf("IS server not known - %s not in redis database", id)
	}

	switch st.Status {
	case model.StatusOK:
		var parts []string
		parts = append(parts, fmt.Sprintf("%d clients", st.Props.Clients))
		if st.Props.Uptime > 0 {
			parts = append(parts, "uptime "+DurStr(st.Props.Uptime))
		}
		if st.Props.Soft != "" {
			soft := st.Props.Soft
			if st.Props.Vers != "" {
				soft += " " + st.Props.Vers
			}
			parts = append(parts, soft)
		}
		if st.Props.WorstLoad > warnLoad {
			parts = append(parts, fmt.Sprintf("listener load %.0f %%", st.Props.WorstLoad))
			return StateWarning, "IS WARNING - " + strings.Join(parts, ", ")
		}
		return StateOK, "IS OK - " + strings.Join(parts, ", ")

	case model.StatusFail:
		msgs := make([]string, 0, len(st.Errors))
		for _, e := range st.Errors {
			msgs = append(msgs, e.Message)
		}
		return StateCritical, "IS CRITICAL - " + strings.Join(msgs, ", ")
	}

	return StateUnknown, fmt.Sprintf("IS UNKNOWN - %s has status %q", id, st.Status)
}
