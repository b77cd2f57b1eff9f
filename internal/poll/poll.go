// Package poll runs the probe battery against one server: status page
// detection and parsing, APRS-IS login checks, the submission port
// fingerprint and uplink topology validation.
package poll

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/aprsis"
	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/score"
)

const (
	probeTimeout     = 5 * time.Second
	defaultUserAgent = "aprs2net-poller/2.0"
	statusPort       = "14501"
	submitPort       = "8080"
)

// Status classifies one status-page probe attempt.
type Status int

const (
	// Alive means the parser claimed the page and extracted properties.
	Alive Status = iota
	// NotThisType means the page belongs to some other software flavor.
	NotThisType
	// Broken means the page matched this flavor but could not be used.
	Broken
)

// Uplink is one outbound peering parsed from a status page.
type Uplink struct {
	ID        string
	AddrRem   string
	Up        int64
	RxLast    int64
	RxPackets int64
}

// AprsisProbe runs one APRS-IS login check. Injectable for testing.
type AprsisProbe func(ctx context.Context, log *zap.SugaredLogger, addr, serverID string) (time.Duration, *aprsis.Error)

// Config carries the collaborators shared by all poll jobs. Endpoint
// builders are closures so tests can point probes at local fixtures.
type Config struct {
	Client       *http.Client
	UserAgent    string
	TryOrder     []string
	VersionTable *score.Table

	// LookupServer resolves a server id to its stored config, for
	// uplink family membership checks.
	LookupServer func(id string) *model.Server

	StatusURL   func(s *model.Server) string
	SubmitURL   func(s *model.Server, family string) string
	AprsisAddr  func(s *model.Server, family string) string
	AprsisProbe AprsisProbe
}

func (cfg Config) withDefaults() Config {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: probeTimeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if len(cfg.TryOrder) == 0 {
		cfg.TryOrder = []string{model.FlavorJavap3, model.FlavorAprsc, model.FlavorJavap4}
	}
	if cfg.VersionTable == nil {
		cfg.VersionTable = score.DefaultTable()
	}
	if cfg.LookupServer == nil {
		cfg.LookupServer = func(string) *model.Server { return nil }
	}
	if cfg.StatusURL == nil {
		cfg.StatusURL = func(s *model.Server) string {
			return "http://" + net.JoinHostPort(s.IPv4, statusPort) + "/"
		}
	}
	if cfg.SubmitURL == nil {
		cfg.SubmitURL = func(s *model.Server, family string) string {
			ip := s.IPv4
			if family == "ipv6" {
				ip = s.IPv6
			}
			return "http://" + net.JoinHostPort(ip, submitPort) + "/"
		}
	}
	if cfg.AprsisAddr == nil {
		cfg.AprsisAddr = func(s *model.Server, family string) string {
			ip := s.IPv4
			if family == "ipv6" {
				ip = s.IPv6
			}
			return net.JoinHostPort(ip, strconv.Itoa(aprsis.Port(s.ID)))
		}
	}
	if cfg.AprsisProbe == nil {
		cfg.AprsisProbe = aprsis.Probe
	}
	return cfg
}

// Result is the outcome of one poll round against a server.
type Result struct {
	OK      bool
	Flavor  string
	Props   model.Props
	Uplinks []Uplink
	Errors  []model.ProbeError
	HTTPRTT float64
}

// requiredProps are the properties every status page parse must yield.
var requiredProps = []string{
	"id", "os", "soft", "vers",
	"clients", "clients_max", "connects",
	"total_bytes_in", "total_bytes_out",
}

// pageInfo is what a status-page parser extracts: typed properties, a
// presence record for the required ones, and the uplink table.
type pageInfo struct {
	Props   model.Props
	Found   map[string]bool
	Uplinks []Uplink
}

func newPageInfo(flavor string) *pageInfo {
	return &pageInfo{
		Props: model.Props{Type: flavor},
		Found: make(map[string]bool),
	}
}

func (pi *pageInfo) found(name string) {
	pi.Found[name] = true
}

func (pi *pageInfo) missingProps() []string {
	var missing []string
	for _, name := range requiredProps {
		if !pi.Found[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// Job is a single poll round against one server.
type Job struct {
	cfg    Config
	log    *zap.SugaredLogger
	server *model.Server
	addrs  model.AddressMap
	cached string

	scorer  *score.Score
	info    *pageInfo
	httpRTT float64
	errors  []model.ProbeError
}

// New prepares a poll round. cached is the flavor detected on the
// previous round, or empty.
func New(cfg Config, log *zap.SugaredLogger, server *model.Server, addrs model.AddressMap, cached string) *Job {
	if addrs == nil {
		addrs = model.AddressMap{}
	}
	return &Job{
		cfg:    cfg.withDefaults(),
		log:    log,
		server: server,
		addrs:  addrs,
		cached: cached,
		scorer: score.New(),
	}
}

// fail records one probe error and reports the page Broken.
func (j *Job) fail(code, format string, args ...any) Status {
	msg := fmt.Sprintf(format, args...)
	j.log.Infof("%s: polling error: %s", j.server.ID, msg)
	j.errors = append(j.errors, model.ProbeError{Code: code, Message: msg})
	return Broken
}

// Run executes the full probe ladder and scores the outcome.
func (j *Job) Run(ctx context.Context) *Result {
	j.log.Infof("polling %s", j.server.ID)
	j.log.Debugf("config: %+v", j.server)

	flavor, st := j.detect(ctx)
	if st == NotThisType {
		st = j.fail("web-undetermined", "could not determine server software type")
	}
	if st == Alive {
		j.log.Debugf("%s: HTTP %s OK %.3f s", j.server.ID, flavor, j.httpRTT)
		st = j.validate()
	}
	if st == Alive {
		j.serviceTests(ctx)
	}

	if j.info != nil {
		j.scorer.SetHTTPRTT(j.httpRTT)
		j.scorer.SetWorstLoad(j.info.Props.WorstLoad)
		if j.info.Found["uptime"] {
			j.scorer.SetUptime(float64(j.info.Props.Uptime))
		}
		if pen, human := j.cfg.VersionTable.Penalty(j.info.Props.Soft, j.info.Props.Vers); pen > 0 {
			j.scorer.SetVersionPenalty(pen, human)
		}
	}
	total, base := j.scorer.Compute()

	res := &Result{
		OK:      len(j.errors) == 0,
		Errors:  j.errors,
		HTTPRTT: j.httpRTT,
	}
	if j.info != nil {
		res.Flavor = j.info.Props.Type
		res.Props = j.info.Props
		res.Uplinks = j.info.Uplinks
	}
	res.Props.Score = total
	res.Props.ScoreBase = base
	return res
}

// detect walks the flavor order until a parser claims the page. The
// flavor cached from the previous round is tried first; javAPRSSrvr 3
// stays ahead of the rest in the default order because it is identified
// only by the absence of the Server header.
func (j *Job) detect(ctx context.Context) (string, Status) {
	for _, flavor := range j.tryOrder() {
		var st Status
		switch flavor {
		case model.FlavorAprsc:
			st = j.pollAprsc(ctx)
		case model.FlavorJavap4:
			st = j.pollJavap4(ctx)
		case model.FlavorJavap3:
			st = j.pollJavap3(ctx)
		default:
			continue
		}
		if st == NotThisType {
			continue
		}
		return flavor, st
	}
	return "", NotThisType
}

func (j *Job) tryOrder() []string {
	if j.cached == "" {
		return j.cfg.TryOrder
	}
	order := make([]string, 0, len(j.cfg.TryOrder)+1)
	order = append(order, j.cached)
	for _, f := range j.cfg.TryOrder {
		if f != j.cached {
			order = append(order, f)
		}
	}
	return order
}

// validate checks the parsed page for required properties and the
// expected server id.
func (j *Job) validate() Status {
	if missing := j.info.missingProps(); len(missing) > 0 {
		return j.fail("web-props", "status page is missing required properties: %s", strings.Join(missing, ", "))
	}
	if got := j.info.Props.ID; got != j.server.ID {
		return j.fail("id-mismatch", "server reports id %q, expected %q", got, j.server.ID)
	}
	return Alive
}

// serviceTests runs the probes that need a working status page first:
// APRS-IS logins per address family, the submission port fingerprint and
// the uplink topology checks.
func (j *Job) serviceTests(ctx context.Context) {
	j.aprsisTest(ctx, "ipv4")
	if j.server.IPv6 != "" {
		j.aprsisTest(ctx, "ipv6")
	}
	j.submitTest(ctx, "ipv4")
	if j.server.IPv6 != "" {
		j.submitTest(ctx, "ipv6")
	}
	j.checkUplinks()
}

func (j *Job) aprsisTest(ctx context.Context, family string) {
	addr := j.cfg.AprsisAddr(j.server, family)
	rtt, aerr := j.cfg.AprsisProbe(ctx, j.log, addr, j.server.ID)
	if aerr != nil {
		prefix := "IS4-"
		if family == "ipv6" {
			prefix = "IS6-"
		}
		j.fail(prefix+aerr.Code, "%s", aerr.Message)
		return
	}
	j.log.Debugf("%s: APRS-IS %s login OK %.3f s", j.server.ID, family, rtt.Seconds())
	j.scorer.SetAprsisRTT(family, rtt.Seconds())
}

// get fetches one URL with the probe client, returning the body, the
// status code and the response headers.
func (j *Job) get(ctx context.Context, url string) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("User-Agent", j.cfg.UserAgent)
	resp, err := j.cfg.Client.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, err
	}
	return body, resp.StatusCode, resp.Header, nil
}

// statusGet fetches a path below the status page URL. 404 means the
// flavor is not this one; transport errors and other non-200 statuses
// are Broken.
func (j *Job) statusGet(ctx context.Context, path, what string) ([]byte, float64, Status) {
	url := j.cfg.StatusURL(j.server) + path
	start := time.Now()
	body, code, _, err := j.get(ctx, url)
	rtt := time.Since(start).Seconds()
	if err != nil {
		j.fail("web-http-fail", "%s HTTP request failed: %v", what, err)
		return nil, 0, Broken
	}
	j.log.Debugf("%s: %s %d", j.server.ID, path, code)
	if code == http.StatusNotFound {
		return nil, 0, NotThisType
	}
	if code != http.StatusOK {
		j.fail("web-http-fail", "%s returned status %d", what, code)
		return nil, 0, Broken
	}
	return body, rtt, Alive
}
