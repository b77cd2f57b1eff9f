package poll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hessu/aprs2net-backend/internal/model"
)

var reJavap3Version = regexp.MustCompile(`javAPRSSrvr (3\.[0-9A-Za-z.]+)`)

// pollJavap3 probes for javAPRSSrvr 3 by fetching the front page. The
// 3.x series has no Server header at all, which is the only reliable
// tell; anything that does identify itself belongs to another parser.
func (j *Job) pollJavap3(ctx context.Context) Status {
	url := j.cfg.StatusURL(j.server)
	start := time.Now()
	body, code, hdr, err := j.get(ctx, url)
	rtt := time.Since(start).Seconds()
	if err != nil {
		return j.fail("web-http-fail", "front page HTTP request failed: %v", err)
	}
	j.log.Debugf("%s: front %d", j.server.ID, code)

	if sv := hdr.Get("Server"); sv != "" {
		j.log.Infof("%s: reports Server: %q, not javAPRSSrvr 3.x", j.server.ID, sv)
		return NotThisType
	}
	text := string(body)
	if !strings.Contains(text, "javAPRSSrvr 3.") && !strings.Contains(text, "Pete Loveall AE5PL") {
		return j.fail("web-parse-fail", "front page does not mention javAPRSSrvr 3 or Pete Loveall AE5PL")
	}

	info := newPageInfo(model.FlavorJavap3)
	if st := j.parseJavap3(body, info); st != Alive {
		return st
	}
	j.info = info
	j.httpRTT = rtt
	return Alive
}

// parseJavap3 walks the front page DOM. Field values sit in two-column
// table rows keyed by a label cell; the uplink list is the table under
// the Outbound Connections heading.
func (j *Job) parseJavap3(body []byte, info *pageInfo) Status {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return j.fail("web-parse-fail", "javAPRSSrvr 3 HTML parsing failed: %v", err)
	}

	var heading string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1", "h2", "h3", "h4", "b":
				if t := nodeText(n); t != "" {
					heading = t
				}
			case "table":
				label := heading
				if capt := tableCaption(n); capt != "" {
					label = capt
				}
				rows := tableRows(n)
				if strings.Contains(strings.ToLower(label), "outbound") {
					javap3Uplinks(rows, info)
				} else {
					javap3Fields(rows, info)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if m := reJavap3Version.FindStringSubmatch(string(body)); m != nil {
		info.Props.Soft = "javAPRSSrvr"
		info.found("soft")
		info.Props.Vers = m[1]
		info.found("vers")
	}
	if info.Found["clients"] && info.Found["clients_max"] && info.Props.ClientsMax > 0 {
		load := float64(info.Props.Clients) / float64(info.Props.ClientsMax) * 100
		info.Props.UserLoad = load
		info.Props.WorstLoad = load
	}
	return Alive
}

func javap3Fields(rows [][]string, info *pageInfo) {
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		label := normLabel(row[0])
		value := strings.TrimSpace(row[1])
		if value == "" {
			continue
		}
		switch {
		case label == "server id" || label == "servercall" || label == "server call":
			info.Props.ID = value
			info.found("id")
		case label == "os" || strings.Contains(label, "operating system"):
			info.Props.OS = value
			info.found("os")
		case strings.Contains(label, "uptime") || strings.Contains(label, "up time"):
			if secs, err := parseDHMS(value); err == nil {
				info.Props.Uptime = secs
				info.found("uptime")
			}
		case labelHas(label, "clients") && labelHas(label, "maximum"):
			setLooseInt(&info.Props.ClientsMax, value, info, "clients_max")
		case labelHas(label, "clients") && (labelHas(label, "current") || labelHas(label, "connected")):
			setLooseInt(&info.Props.Clients, value, info, "clients")
		case labelHas(label, "connects") || (labelHas(label, "total") && labelHas(label, "connections")):
			setLooseInt(&info.Props.Connects, value, info, "connects")
		case labelHas(label, "bytes") && (labelHas(label, "in") || labelHas(label, "received") || labelHas(label, "rcvd")):
			setLooseInt(&info.Props.TotalBytesIn, value, info, "total_bytes_in")
		case labelHas(label, "bytes") && (labelHas(label, "out") || labelHas(label, "sent") || labelHas(label, "xmtd")):
			setLooseInt(&info.Props.TotalBytesOut, value, info, "total_bytes_out")
		}
	}
}

// javap3Uplinks reads the Outbound Connections table. The first row is
// the column header; column meaning is matched by label because the
// layout has shifted between 3.x builds.
func javap3Uplinks(rows [][]string, info *pageInfo) {
	if len(rows) < 2 {
		return
	}
	col := map[string]int{}
	for i, cell := range rows[0] {
		label := normLabel(cell)
		switch {
		case labelHas(label, "server") || labelHas(label, "call") || labelHas(label, "callsign"):
			col["id"] = i
		case labelHas(label, "address") || labelHas(label, "host") || labelHas(label, "ip"):
			col["addr"] = i
		case labelHas(label, "port"):
			col["port"] = i
		case labelHas(label, "last"):
			col["last"] = i
		case strings.Contains(label, "up"):
			col["up"] = i
		case strings.Contains(label, "packet"):
			col["packets"] = i
		}
	}
	for _, row := range rows[1:] {
		cell := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		addr := cell("addr")
		if addr == "" {
			continue
		}
		up := Uplink{ID: cell("id"), AddrRem: addr}
		if port := cell("port"); port != "" {
			up.AddrRem = net.JoinHostPort(addr, port)
		}
		if v := cell("up"); v != "" {
			if secs, err := parseDHMS(v); err == nil {
				up.Up = secs
			}
		}
		if v := cell("last"); v != "" {
			if secs, err := parseDHMS(v); err == nil {
				up.RxLast = secs
			}
		}
		if v := cell("packets"); v != "" {
			if n, err := parseLooseInt(v); err == nil {
				up.RxPackets = n
			}
		}
		info.Uplinks = append(info.Uplinks, up)
	}
}

func setLooseInt(dst *int64, value string, info *pageInfo, name string) {
	if n, err := parseLooseInt(value); err == nil {
		*dst = n
		info.found(name)
	}
}

// nodeText returns the text content of a node with whitespace collapsed.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func tableCaption(table *html.Node) string {
	for c := table.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "caption" {
			return nodeText(c)
		}
	}
	return ""
}

// tableRows flattens a table into rows of cell texts.
func tableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.Data == "tr" {
				var cells []string
				for d := c.FirstChild; d != nil; d = d.NextSibling {
					if d.Type == html.ElementNode && (d.Data == "td" || d.Data == "th") {
						cells = append(cells, nodeText(d))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
				continue
			}
			walk(c)
		}
	}
	walk(table)
	return rows
}

// normLabel lowercases a label cell and strips a trailing colon.
func normLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSuffix(s, ":")
}

// labelHas reports whether the label contains word as a whole word, so
// that "bytes in" does not match the "in" inside "since".
func labelHas(label, word string) bool {
	for _, w := range strings.Fields(label) {
		if w == word {
			return true
		}
	}
	return false
}

// parseLooseInt parses an integer that may use locale thousands
// separators (comma, period, apostrophe, space or non-breaking space).
func parseLooseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("poll: empty number")
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ',', '.', '\'', ' ', ' ':
			return -1
		}
		return r
	}, s)
	n, err := strconv.ParseInt(clean, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("poll: unparseable number %q", s)
	}
	return n, nil
}

var reDHMS = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?$`)

// parseDHMS parses an uptime rendered like "132d18h34m27.215s" into
// whole seconds.
func parseDHMS(s string) (int64, error) {
	s = strings.TrimSpace(s)
	m := reDHMS.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "") {
		return 0, fmt.Errorf("poll: unparseable duration %q", s)
	}
	var total float64
	if m[1] != "" {
		d, _ := strconv.ParseFloat(m[1], 64)
		total += d * 86400
	}
	if m[2] != "" {
		h, _ := strconv.ParseFloat(m[2], 64)
		total += h * 3600
	}
	if m[3] != "" {
		mins, _ := strconv.ParseFloat(m[3], 64)
		total += mins * 60
	}
	if m[4] != "" {
		secs, _ := strconv.ParseFloat(m[4], 64)
		total += secs
	}
	return int64(total), nil
}
