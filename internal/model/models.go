// Package model defines the domain structs shared across the store, the
// pollers and the DNS driver.
package model

import (
	"encoding/json"
	"fmt"
)

// Software flavors as recorded in Props.Type and the probe order config.
const (
	FlavorAprsc  = "aprsc"
	FlavorJavap3 = "javap3"
	FlavorJavap4 = "javap4"
)

// Well-known rotate families referenced by the uplink topology rules.
const (
	RotateFirenet = "firenet.aprs2.net"
	RotateCore    = "rotate.aprs.net"
	RotateCWOP    = "cwop.aprs.net"
	RotateTier2   = "rotate.aprs2.net"
	RotateHubs    = "hubs.aprs2.net"
)

// Status values stored in PollResult.Status and MergedStatus.Status.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Server is one monitored server as configured on the portal.
type Server struct {
	ID           string   `json:"id"`
	Host         string   `json:"host"`
	Domain       string   `json:"domain"`
	IPv4         string   `json:"ipv4,omitempty"`
	IPv6         string   `json:"ipv6,omitempty"`
	Deleted      bool     `json:"deleted,omitempty"`
	OutOfService bool     `json:"out_of_service,omitempty"`
	Rotates      []string `json:"rotates,omitempty"`
	Country      string   `json:"country,omitempty"`
	Email        string   `json:"email,omitempty"`
	EmailAlerts  bool     `json:"email_alerts,omitempty"`
}

// FQDN returns the host name DNS records are published under.
func (s *Server) FQDN() string {
	if s.Host == "" || s.Domain == "" {
		return ""
	}
	return s.Host + "." + s.Domain
}

// MemberOf reports whether the server belongs to the given rotate.
func (s *Server) MemberOf(rotate string) bool {
	for _, r := range s.Rotates {
		if r == rotate {
			return true
		}
	}
	return false
}

// Rotate is one DNS round-robin with its member server ids.
type Rotate struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// ProbeError is one (code, message) pair produced by a failed probe. It
// serializes as a 2-element JSON array to stay compatible with the status
// records the web UI and the nagios check consume.
type ProbeError struct {
	Code    string
	Message string
}

func (e ProbeError) Error() string {
	return e.Code + ": " + e.Message
}

func (e ProbeError) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Code, e.Message})
}

func (e *ProbeError) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("model: probe error: %w", err)
	}
	e.Code, e.Message = pair[0], pair[1]
	return nil
}

// ScoreComponent is one scorebase entry: the numeric contribution and a
// human-readable explanation. Serializes as [value, text].
type ScoreComponent struct {
	Value float64
	Human string
}

func (c ScoreComponent) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{c.Value, c.Human})
}

func (c *ScoreComponent) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("model: scorebase entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("model: scorebase entry must be [value, text], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &c.Value); err != nil {
		return fmt.Errorf("model: scorebase value: %w", err)
	}
	if err := json.Unmarshal(pair[1], &c.Human); err != nil {
		return fmt.Errorf("model: scorebase text: %w", err)
	}
	return nil
}

// ScoreBase is the per-component breakdown of a server's score.
type ScoreBase map[string]ScoreComponent

// Props carries the properties extracted from a server's status page plus
// the derived rates and the score. Numeric fields that are unknown after a
// failed poll are omitted; only the identity fields survive a failure.
type Props struct {
	Type          string    `json:"type,omitempty"`
	ID            string    `json:"id,omitempty"`
	OS            string    `json:"os,omitempty"`
	Soft          string    `json:"soft,omitempty"`
	Vers          string    `json:"vers,omitempty"`
	Uptime        int64     `json:"uptime,omitempty"`
	Clients       int64     `json:"clients,omitempty"`
	ClientsMax    int64     `json:"clients_max,omitempty"`
	Connects      int64     `json:"connects,omitempty"`
	TotalBytesIn  int64     `json:"total_bytes_in,omitempty"`
	TotalBytesOut int64     `json:"total_bytes_out,omitempty"`
	UserLoad      float64   `json:"user_load,omitempty"`
	WorstLoad     float64   `json:"worst_load,omitempty"`
	RateBytesIn   float64   `json:"rate_bytes_in,omitempty"`
	RateBytesOut  float64   `json:"rate_bytes_out,omitempty"`
	RateConnects  float64   `json:"rate_connects,omitempty"`
	Score         float64   `json:"score"`
	ScoreBase     ScoreBase `json:"scorebase,omitempty"`
}

// PollResult is the per-server status record one poller stores and serves.
type PollResult struct {
	Status     string       `json:"status"`
	LastTest   int64        `json:"last_test"`
	LastChange int64        `json:"last_change,omitempty"`
	Props      Props        `json:"props"`
	Errors     []ProbeError `json:"errors,omitempty"`
	Avail3     float64      `json:"avail_3,omitempty"`
	Avail30    float64      `json:"avail_30,omitempty"`
}

// OK reports whether the record describes a passing server.
func (r *PollResult) OK() bool {
	return r != nil && r.Status == StatusOK
}

// MergedStatus is the cross-poller view the DNS driver computes. Props
// come from the most recently tested site with the score replaced by the
// merged score; ScoreBase keeps each site's breakdown side by side.
type MergedStatus struct {
	Status     string               `json:"status"`
	COK        int                  `json:"c_ok"`
	CRes       int                  `json:"c_res"`
	LastTest   int64                `json:"last_test"`
	LastChange int64                `json:"last_change,omitempty"`
	Props      Props                `json:"props"`
	ScoreBase  map[string]ScoreBase `json:"scorebase,omitempty"`
	Errors     []ProbeError         `json:"errors,omitempty"`
	Avail3     float64              `json:"avail_3,omitempty"`
	Avail30    float64              `json:"avail_30,omitempty"`
}

// OK reports whether the merged record describes a passing server.
func (m *MergedStatus) OK() bool {
	return m != nil && m.Status == StatusOK
}

// RotateState labels the outcome of one selection round for a rotate.
type RotateState string

const (
	RotateHealthy  RotateState = "Healthy"
	RotateDegraded RotateState = "Degraded"
	RotateFailed   RotateState = "Failed"
)

// RotateStatus records which members a rotate resolved to and which were
// left out, for the web UI.
type RotateStatus struct {
	State   RotateState `json:"state"`
	V4      []string    `json:"v4,omitempty"`
	V6      []string    `json:"v6,omitempty"`
	LeftOut []string    `json:"left_out,omitempty"`
	CName   string      `json:"cname,omitempty"`
	T       int64       `json:"t"`
}

// RotateStats aggregates member counters for one rotate.
type RotateStats struct {
	Clients      int64   `json:"clients"`
	ServersOK    int     `json:"servers_ok"`
	Servers      int     `json:"servers"`
	RateBytesIn  float64 `json:"rate_bytes_in"`
	RateBytesOut float64 `json:"rate_bytes_out"`
}

// ServerEntry pairs a server's config with its latest status in the
// full status payload pollers serve and the DNS driver consumes.
type ServerEntry struct {
	Config *Server     `json:"config"`
	Status *PollResult `json:"status"`
}

// ServerLog is the stored rendering of one poll's buffered log.
type ServerLog struct {
	T   int64  `json:"t"`
	Job string `json:"job"`
	Log string `json:"log"`
}

// WebConfig is the blob the web UI reads to label a poller site.
type WebConfig struct {
	SiteDescr    string `json:"site_descr"`
	PollInterval int64  `json:"poll_interval"`
}
