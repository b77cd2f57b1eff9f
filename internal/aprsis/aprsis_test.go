package aprsis

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// fakeServer answers one APRS-IS probe. A nil respond closes the
// connection right after the greeting (or immediately when the
// greeting is empty too).
func fakeServer(t *testing.T, greeting string, respond func(login string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if greeting != "" {
			conn.Write([]byte(greeting))
		}
		if respond == nil {
			return
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		conn.Write([]byte(respond(strings.TrimRight(line, "\r\n"))))
	}()
	return ln.Addr().String()
}

func testLog() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestProbeOK(t *testing.T) {
	addr := fakeServer(t, "# aprsc 2.1.10-g123abc\r\n", func(login string) string {
		if login != "user APRS2N-ET pass -1 vers aprs2net-poll 2.0" {
			t.Errorf("unexpected login line %q", login)
		}
		return "# logresp APRS2N-ET unverified, server T2TEST\r\n"
	})

	rtt, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr != nil {
		t.Fatalf("Probe failed: %s: %s", perr.Code, perr.Message)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %v, want positive", rtt)
	}
}

func TestProbeACL(t *testing.T) {
	addr := fakeServer(t, "", nil)
	_, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr == nil || perr.Code != "acl" {
		t.Fatalf("Probe = %+v, want acl", perr)
	}
}

func TestProbeUnrecognized(t *testing.T) {
	addr := fakeServer(t, "# hello\r\n", func(string) string {
		return "something entirely different\r\n"
	})
	_, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr == nil || perr.Code != "unrecognized" {
		t.Fatalf("Probe = %+v, want unrecognized", perr)
	}
}

func TestProbeLoginMismatch(t *testing.T) {
	addr := fakeServer(t, "# hello\r\n", func(string) string {
		return "# logresp N0CALL unverified, server T2TEST\r\n"
	})
	_, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr == nil || perr.Code != "login" {
		t.Fatalf("Probe = %+v, want login", perr)
	}
}

func TestProbeVerification(t *testing.T) {
	addr := fakeServer(t, "# hello\r\n", func(string) string {
		return "# logresp APRS2N-ET verified, server T2TEST\r\n"
	})
	_, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr == nil || perr.Code != "verification" {
		t.Fatalf("Probe = %+v, want verification", perr)
	}
}

func TestProbeServerIDMismatch(t *testing.T) {
	addr := fakeServer(t, "# hello\r\n", func(string) string {
		return "# logresp APRS2N-ET unverified, server T2OTHER\r\n"
	})
	_, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr == nil || perr.Code != "serverid" {
		t.Fatalf("Probe = %+v, want serverid", perr)
	}
}

func TestProbeDefaultFilter(t *testing.T) {
	addr := fakeServer(t, "# javAPRSSrvr 4.0\r\n", func(string) string {
		return "# logresp APRS2N-ET unverified, server T2TEST, adjunct \"filter default\" filter\r\n"
	})
	_, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr == nil || perr.Code != "defaultfilter" {
		t.Fatalf("Probe = %+v, want defaultfilter", perr)
	}
}

func TestProbeSocketError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, perr := Probe(context.Background(), testLog(), addr, "T2TEST")
	if perr == nil || perr.Code != "socket" {
		t.Fatalf("Probe = %+v, want socket", perr)
	}
}

func TestPort(t *testing.T) {
	if got := Port("T2FINLAND"); got != 14580 {
		t.Errorf("Port(T2FINLAND) = %d, want 14580", got)
	}
	if got := Port("T2HUBEU"); got != 20152 {
		t.Errorf("Port(T2HUBEU) = %d, want 20152", got)
	}
}
