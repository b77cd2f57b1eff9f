package poll

import (
	"bytes"
	"context"
	"encoding/xml"
	"net"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/hessu/aprs2net-backend/internal/model"
)

// javap4Detail mirrors detail.xml as served by javAPRSSrvr 4. The
// emitter is a Java serializer with locale-formatted numbers, so all
// numeric attributes come in as strings and go through the loose parser.
type javap4Detail struct {
	XMLName  xml.Name
	Software struct {
		Name    string `xml:"name,attr"`
		Version string `xml:"version,attr"`
		Text    string `xml:",chardata"`
	} `xml:"software"`
	Dupe struct {
		ServerCall string `xml:"servercall"`
	} `xml:"dupeprocessor"`
	Java struct {
		OS struct {
			Name string `xml:"name,attr"`
			Text string `xml:",chardata"`
		} `xml:"os"`
		Time struct {
			Up struct {
				Millis string `xml:"millis,attr"`
			} `xml:"up"`
		} `xml:"time"`
	} `xml:"java"`
	ListenerPorts struct {
		Connections struct {
			CurrentIn string `xml:"currentin,attr"`
			Maximum   string `xml:"maximum,attr"`
		} `xml:"connections"`
	} `xml:"listenerports"`
	Clients    javap4Clients `xml:"clients"`
	ServerTime struct {
		Millis string `xml:"millis,attr"`
	} `xml:"currentservertime"`
}

type javap4Clients struct {
	Total      string `xml:"total,attr"`
	RcvdTotals struct {
		Bytes string `xml:"bytes,attr"`
	} `xml:"rcvdtotals"`
	XmtdTotals struct {
		Bytes string `xml:"bytes,attr"`
	} `xml:"xmtdtotals"`
	ClientRcv []javap4ClientRcv `xml:"clientrcv"`
}

type javap4ClientRcv struct {
	Class struct {
		Name string `xml:"name,attr"`
	} `xml:"class"`
	Upstream    string `xml:"upstream"`
	ServerCall  string `xml:"servercall"`
	IPAddress   string `xml:"ipaddress"`
	Port        string `xml:"port"`
	ConnectTime struct {
		Millis string `xml:"millis,attr"`
	} `xml:"connecttime"`
	LastReceived struct {
		Millis string `xml:"millis,attr"`
	} `xml:"lastreceived"`
	RcvdPackets string `xml:"rcvdpackets"`
}

// pollJavap4 probes for javAPRSSrvr 4 by fetching detail.xml.
func (j *Job) pollJavap4(ctx context.Context) Status {
	body, rtt, st := j.statusGet(ctx, "detail.xml", "javAPRSSrvr 4 detail.xml")
	if st != Alive {
		return st
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity
	var doc javap4Detail
	if err := dec.Decode(&doc); err != nil {
		return j.fail("web-xml-fail", "javAPRSSrvr 4 detail.xml parsing failed: %v", err)
	}
	if !strings.EqualFold(doc.XMLName.Local, "javaprssrvr") {
		j.log.Infof("%s: detail.xml root element is %q, not javaprssrvr", j.server.ID, doc.XMLName.Local)
		return NotThisType
	}

	info := newPageInfo(model.FlavorJavap4)
	if st := j.parseJavap4(&doc, info); st != Alive {
		return st
	}
	j.info = info
	j.httpRTT = rtt
	return Alive
}

func (j *Job) parseJavap4(doc *javap4Detail, info *pageInfo) Status {
	soft := doc.Software.Name
	if soft == "" {
		soft = strings.TrimSpace(doc.Software.Text)
	}
	if soft != "" {
		info.Props.Soft = soft
		info.found("soft")
	}
	if v := doc.Software.Version; v != "" {
		info.Props.Vers = v
		info.found("vers")
	}
	if id := strings.TrimSpace(doc.Dupe.ServerCall); id != "" {
		info.Props.ID = id
		info.found("id")
	}
	osName := doc.Java.OS.Name
	if osName == "" {
		osName = strings.TrimSpace(doc.Java.OS.Text)
	}
	if osName != "" {
		info.Props.OS = osName
		info.found("os")
	}
	if ms, err := parseLooseInt(doc.Java.Time.Up.Millis); err == nil {
		info.Props.Uptime = ms / 1000
		info.found("uptime")
	}
	if n, err := parseLooseInt(doc.ListenerPorts.Connections.CurrentIn); err == nil {
		info.Props.Clients = n
		info.found("clients")
	}
	if n, err := parseLooseInt(doc.ListenerPorts.Connections.Maximum); err == nil {
		info.Props.ClientsMax = n
		info.found("clients_max")
	}
	if n, err := parseLooseInt(doc.Clients.Total); err == nil {
		info.Props.Connects = n
		info.found("connects")
	}
	if n, err := parseLooseInt(doc.Clients.RcvdTotals.Bytes); err == nil {
		info.Props.TotalBytesIn = n
		info.found("total_bytes_in")
	}
	if n, err := parseLooseInt(doc.Clients.XmtdTotals.Bytes); err == nil {
		info.Props.TotalBytesOut = n
		info.found("total_bytes_out")
	}

	if info.Found["clients"] && info.Found["clients_max"] {
		if info.Props.ClientsMax <= 0 {
			return j.fail("web-parse-fail", "javAPRSSrvr 4 detail.xml reports a zero connection limit")
		}
		load := float64(info.Props.Clients) / float64(info.Props.ClientsMax) * 100
		info.Props.UserLoad = load
		info.Props.WorstLoad = load
	}

	now, nowErr := parseLooseInt(doc.ServerTime.Millis)
	for _, c := range doc.Clients.ClientRcv {
		if !strings.EqualFold(c.Class.Name, "UpstreamClientRcv") {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(c.Upstream), "true") {
			continue
		}
		up := Uplink{ID: strings.TrimSpace(c.ServerCall)}
		addr := strings.TrimSpace(c.IPAddress)
		if port := strings.TrimSpace(c.Port); port != "" && addr != "" {
			up.AddrRem = net.JoinHostPort(addr, port)
		} else {
			up.AddrRem = addr
		}
		if nowErr == nil {
			if ct, err := parseLooseInt(c.ConnectTime.Millis); err == nil {
				up.Up = (now - ct) / 1000
			}
			if lr, err := parseLooseInt(c.LastReceived.Millis); err == nil {
				up.RxLast = (now - lr) / 1000
			}
		}
		if n, err := parseLooseInt(c.RcvdPackets); err == nil {
			up.RxPackets = n
		}
		info.Uplinks = append(info.Uplinks, up)
	}
	return Alive
}
