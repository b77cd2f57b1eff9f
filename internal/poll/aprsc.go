package poll

import (
	"context"
	"encoding/json"

	"github.com/hessu/aprs2net-backend/internal/model"
)

// aprscStatus mirrors the parts of aprsc's status.json the poller reads.
// Required fields are pointers so absence can be told apart from zero.
type aprscStatus struct {
	Server *struct {
		ServerID        *string `json:"server_id"`
		Software        *string `json:"software"`
		SoftwareVersion *string `json:"software_version"`
		OS              *string `json:"os"`
		Uptime          *int64  `json:"uptime"`
	} `json:"server"`
	Totals *struct {
		Clients     *int64 `json:"clients"`
		ClientsMax  *int64 `json:"clients_max"`
		Connects    *int64 `json:"connects"`
		TCPBytesRx  int64  `json:"tcp_bytes_rx"`
		TCPBytesTx  int64  `json:"tcp_bytes_tx"`
		UDPBytesRx  int64  `json:"udp_bytes_rx"`
		UDPBytesTx  int64  `json:"udp_bytes_tx"`
		SCTPBytesRx int64  `json:"sctp_bytes_rx"`
		SCTPBytesTx int64  `json:"sctp_bytes_tx"`
	} `json:"totals"`
	Listeners []aprscListener `json:"listeners"`
	Uplinks   []aprscUplink   `json:"uplinks"`
}

type aprscListener struct {
	Proto      *string `json:"proto"`
	Addr       string  `json:"addr"`
	Clients    *int64  `json:"clients"`
	ClientsMax *int64  `json:"clients_max"`
}

type aprscUplink struct {
	ID        string `json:"id"`
	AddrRem   string `json:"addr_rem"`
	Up        int64  `json:"up"`
	RxLast    int64  `json:"rx_last"`
	RxPackets int64  `json:"rx_packets"`
}

// pollAprsc probes for aprsc by fetching status.json.
func (j *Job) pollAprsc(ctx context.Context) Status {
	body, rtt, st := j.statusGet(ctx, "status.json", "aprsc status.json")
	if st != Alive {
		return st
	}

	var doc aprscStatus
	if err := json.Unmarshal(body, &doc); err != nil {
		return j.fail("web-json-fail", "aprsc status.json JSON parsing failed: %v", err)
	}

	info := newPageInfo(model.FlavorAprsc)
	if st := j.parseAprsc(&doc, info); st != Alive {
		return st
	}
	j.info = info
	j.httpRTT = rtt
	return Alive
}

func (j *Job) parseAprsc(doc *aprscStatus, info *pageInfo) Status {
	sv := doc.Server
	if sv == nil {
		return j.fail("web-parse-fail", `aprsc status.json does not have a "server" block`)
	}
	missing := ""
	switch {
	case sv.ServerID == nil:
		missing = "server_id"
	case sv.Software == nil:
		missing = "software"
	case sv.SoftwareVersion == nil:
		missing = "software_version"
	case sv.OS == nil:
		missing = "os"
	case sv.Uptime == nil:
		missing = "uptime"
	}
	if missing != "" {
		return j.fail("web-parse-fail", `aprsc status.json block "server" does not specify "%s"`, missing)
	}
	info.Props.ID = *sv.ServerID
	info.found("id")
	info.Props.Soft = *sv.Software
	info.found("soft")
	info.Props.Vers = *sv.SoftwareVersion
	info.found("vers")
	info.Props.OS = *sv.OS
	info.found("os")
	info.Props.Uptime = *sv.Uptime
	info.found("uptime")

	tt := doc.Totals
	if tt == nil {
		return j.fail("web-parse-fail", `aprsc status.json does not have a "totals" block`)
	}
	switch {
	case tt.Clients == nil:
		missing = "clients"
	case tt.ClientsMax == nil:
		missing = "clients_max"
	case tt.Connects == nil:
		missing = "connects"
	}
	if missing != "" {
		return j.fail("web-parse-fail", `aprsc status.json block "totals" does not specify "%s"`, missing)
	}
	info.Props.Clients = *tt.Clients
	info.found("clients")
	info.Props.ClientsMax = *tt.ClientsMax
	info.found("clients_max")
	info.Props.Connects = *tt.Connects
	info.found("connects")
	info.Props.TotalBytesIn = tt.TCPBytesRx + tt.UDPBytesRx + tt.SCTPBytesRx
	info.found("total_bytes_in")
	info.Props.TotalBytesOut = tt.TCPBytesTx + tt.UDPBytesTx + tt.SCTPBytesTx
	info.found("total_bytes_out")

	if *tt.ClientsMax <= 0 {
		return j.fail("web-parse-fail", `aprsc status.json totals "clients_max" is zero`)
	}
	uLoad := float64(*tt.Clients) / float64(*tt.ClientsMax) * 100
	worst := uLoad
	j.log.Debugf("server users %d/%d (%.1f %%)", *tt.Clients, *tt.ClientsMax, uLoad)

	if doc.Listeners == nil {
		return j.fail("web-parse-fail", `aprsc status.json does not have a "listeners" block`)
	}
	for _, l := range doc.Listeners {
		if l.Proto == nil {
			return j.fail("web-parse-fail", "aprsc status.json listener does not specify protocol")
		}
		if *l.Proto == "udp" {
			continue
		}
		if l.Clients == nil || l.ClientsMax == nil {
			return j.fail("web-parse-fail", "aprsc status.json listener does not specify number of clients")
		}
		// A listener may advertise a larger cap than the server-wide
		// limit; the smaller one is the real ceiling.
		capacity := min(*l.ClientsMax, *tt.ClientsMax)
		if capacity <= 0 {
			return j.fail("web-parse-fail", "aprsc status.json listener %q has a zero client limit", l.Addr)
		}
		load := float64(*l.Clients) / float64(capacity) * 100
		j.log.Debugf("listener %q %d/%d load %.1f %%", l.Addr, *l.Clients, *l.ClientsMax, load)
		if load > worst {
			worst = load
		}
	}
	info.Props.UserLoad = uLoad
	info.Props.WorstLoad = worst

	for _, u := range doc.Uplinks {
		info.Uplinks = append(info.Uplinks, Uplink{
			ID:        u.ID,
			AddrRem:   u.AddrRem,
			Up:        u.Up,
			RxLast:    u.RxLast,
			RxPackets: u.RxPackets,
		})
	}
	return Alive
}
