// Package aprsis implements the APRS-IS TCP login probe used to check
// that a server actually relays logins, not just accepts connections.
package aprsis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPort is the client-facing APRS-IS port. Hub peers accept
	// server connections on HubPort instead.
	DefaultPort = 14580
	HubPort     = 20152

	mycall       = "APRS2N-ET"
	loginVers    = "aprs2net-poll 2.0"
	probeTimeout = 5 * time.Second
)

var reLoginOK = regexp.MustCompile(`# logresp (\S+) (\S+), server ([A-Z0-9-]+)`)

// defaultFilterAdjunct appears in the login response when the server
// pushes a default filter on every client.
const defaultFilterAdjunct = `adjunct "filter default" filter`

// Error is a probe failure carrying a stable machine-readable code:
// socket, acl, unrecognized, login, verification, serverid or
// defaultfilter.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Port returns the APRS-IS port to probe for a server id.
func Port(serverID string) int {
	if strings.HasPrefix(serverID, "T2HUB") {
		return HubPort
	}
	return DefaultPort
}

// Probe connects to addr, waits for the greeting, performs an
// unverified login and validates the response. On success it returns
// the time from connect to the login response.
func Probe(ctx context.Context, log *zap.SugaredLogger, addr, serverID string) (time.Duration, *Error) {
	log.Infof("%s: APRS-IS TCP test: %s", serverID, addr)

	start := time.Now()
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, socketError(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(probeTimeout))

	br := bufio.NewReader(conn)
	greeting, err := br.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && greeting != "") {
		if errors.Is(err, io.EOF) {
			return 0, &Error{Code: "acl", Message: "server closed connection immediately without sending version string (ACL?)"}
		}
		return 0, socketError(err)
	}
	log.Debugf("%s: login prompt: %q", serverID, greeting)

	if _, err := fmt.Fprintf(conn, "user %s pass -1 vers %s\r\n", mycall, loginVers); err != nil {
		return 0, socketError(err)
	}

	resp, err := br.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && resp != "") {
		return 0, socketError(err)
	}
	rtt := time.Since(start)
	log.Debugf("%s: login response: %q", serverID, resp)

	m := reLoginOK.FindStringSubmatch(resp)
	if m == nil {
		return 0, &Error{Code: "unrecognized", Message: "APRS-IS login response line not recognized"}
	}
	if m[1] != mycall {
		return 0, &Error{Code: "login", Message: fmt.Sprintf("APRS-IS login response does not contain my callsign %s", mycall)}
	}
	if m[2] != "unverified" {
		return 0, &Error{Code: "verification", Message: fmt.Sprintf("APRS-IS login response is not 'unverified' for pass -1: got '%s'", m[2])}
	}
	if m[3] != serverID {
		return 0, &Error{Code: "serverid", Message: fmt.Sprintf("APRS-IS login response for '%s' has unexpected server ID: '%s'", serverID, m[3])}
	}
	if strings.Contains(resp, defaultFilterAdjunct) {
		return 0, &Error{Code: "defaultfilter", Message: "APRS-IS server forces a default filter on clients"}
	}

	log.Infof("%s: APRS-IS TCP OK: %s (%.3f s)", serverID, addr, rtt.Seconds())
	return rtt, nil
}

func socketError(err error) *Error {
	if errors.Is(err, syscall.EACCES) {
		return &Error{Code: "socket", Message: fmt.Sprintf("APRS-IS socket error: %v (firewalled?)", err)}
	}
	return &Error{Code: "socket", Message: fmt.Sprintf("APRS-IS socket error: %v", err)}
}
