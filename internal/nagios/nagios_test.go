package nagios

import (
	"strings"
	"testing"

	"github.com/hessu/aprs2net-backend/internal/model"
)

func TestDurStr(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0s"},
		{-5, "0s"},
		{59, "59s"},
		{60, "1m"},
		{61, "1m1s"},
		{3600, "1h"},
		{3661, "1h1m1s"},
		{86400, "1d"},
		{86460, "1d1m"},
		{90061, "1d1h1m1s"},
		{872823, "10d2h27m3s"},
	}
	for _, c := range cases {
		if got := DurStr(c.in); got != c.want {
			t.Errorf("DurStr(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCheckUnknownServer(t *testing.T) {
	code, line := Check("T2NOPE", nil)
	if code != StateUnknown {
		t.Fatalf("code = %d, want %d", code, StateUnknown)
	}
	if line != "IS server not known - T2NOPE not in redis database" {
		t.Fatalf("line = %q", line)
	}
}

func TestCheckOK(t *testing.T) {
	st := &model.PollResult{
		Status: model.StatusOK,
		Props: model.Props{
			Clients: 312,
			Uptime:  93600,
			Soft:    "aprsc",
			Vers:    "2.1.5",
		},
	}
	code, line := Check("T2ONE", st)
	if code != StateOK {
		t.Fatalf("code = %d, want %d", code, StateOK)
	}
	if line != "IS OK - 312 clients, uptime 1d2h, aprsc 2.1.5" {
		t.Fatalf("line = %q", line)
	}
}

func TestCheckWarnsOnListenerLoad(t *testing.T) {
	st := &model.PollResult{
		Status: model.StatusOK,
		Props: model.Props{
			Clients:   40,
			WorstLoad: 92,
		},
	}
	code, line := Check("T2ONE", st)
	if code != StateWarning {
		t.Fatalf("code = %d, want %d", code, StateWarning)
	}
	if !strings.HasPrefix(line, "IS WARNING - ") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, "listener load 92 %") {
		t.Fatalf("line = %q, want listener load mention", line)
	}
}

func TestCheckCritical(t *testing.T) {
	st := &model.PollResult{
		Status: model.StatusFail,
		Errors: []model.ProbeError{
			{Code: "web-get", Message: "HTTP status fetch failed"},
			{Code: "aprsis-connect", Message: "connection refused"},
		},
	}
	code, line := Check("T2ONE", st)
	if code != StateCritical {
		t.Fatalf("code = %d, want %d", code, StateCritical)
	}
	if line != "IS CRITICAL - HTTP status fetch failed, connection refused" {
		t.Fatalf("line = %q", line)
	}
}

func TestCheckUnknownStatus(t *testing.T) {
	code, line := Check("T2ONE", &model.PollResult{Status: "warming-up"})
	if code != StateUnknown {
		t.Fatalf("code = %d, want %d", code, StateUnknown)
	}
	if !strings.Contains(line, "warming-up") {
		t.Fatalf("line = %q", line)
	}
}
