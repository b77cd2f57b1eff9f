package nagios

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/netutil"
	"github.com/hessu/aprs2net-backend/internal/scanloop"
)

const defaultInterval = 120 * time.Second

// portalServer is one entry of the portal's servers.json payload.
type portalServer struct {
	Host         string `json:"host"`
	Domain       string `json:"domain"`
	IPv4         string `json:"ipv4"`
	IPv6         string `json:"ipv6"`
	Deleted      bool   `json:"deleted"`
	OutOfService bool   `json:"out_of_service"`
	Email        string `json:"email"`
	EmailAlerts  bool   `json:"email_alerts"`
}

// GeneratorConfig wires the nagios configuration generator.
type GeneratorConfig struct {
	Log     *zap.SugaredLogger
	Fetcher *netutil.Fetcher

	// ServersURL is the portal's servers.json.
	ServersURL string

	// LoginURL receives the portal credentials when User and Pass are
	// set. Empty defaults to /login on the portal host.
	LoginURL string
	User     string
	Pass     string

	// OutPath is the nagios configuration file to maintain. The file
	// is replaced atomically via a rename.
	OutPath string

	// IgnoredPrefixes drops poll-infrastructure entries from the
	// generated config.
	IgnoredPrefixes []string

	Interval time.Duration
}

// Generator periodically renders the portal catalog into a nagios host
// configuration file.
type Generator struct {
	log        *zap.SugaredLogger
	fetcher    *netutil.Fetcher
	serversURL string
	loginURL   string
	user, pass string
	outPath    string
	ignored    []string
	interval   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGenerator creates a Generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	loginURL := cfg.LoginURL
	if loginURL == "" {
		loginURL = deriveLoginURL(cfg.ServersURL)
	}
	return &Generator{
		log:        cfg.Log,
		fetcher:    cfg.Fetcher,
		serversURL: cfg.ServersURL,
		loginURL:   loginURL,
		user:       cfg.User,
		pass:       cfg.Pass,
		outPath:    cfg.OutPath,
		ignored:    cfg.IgnoredPrefixes,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// deriveLoginURL points at /login on the same portal the catalog comes
// from.
func deriveLoginURL(serversURL string) string {
	u, err := url.Parse(serversURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/login"
}

// Start launches the refresh loop.
func (g *Generator) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		scanloop.Run(g.stopCh, g.interval, 0, g.refreshSafe)
	}()
}

// Stop shuts the refresh loop down.
func (g *Generator) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *Generator) refreshSafe() {
	defer func() {
		if r := recover(); r != nil {
			g.log.Errorf("nagios: refresh crashed: %v", r)
		}
	}()
	if err := g.Refresh(context.Background()); err != nil {
		g.log.Warnf("nagios: %v", err)
	}
}

// Refresh fetches the catalog and rewrites the nagios configuration
// when the payload changed since the last successful write.
func (g *Generator) Refresh(ctx context.Context) error {
	if g.user != "" && g.pass != "" {
		if err := g.fetcher.Login(ctx, g.loginURL, g.user, g.pass); err != nil {
			return fmt.Errorf("nagios: portal login: %w", err)
		}
	}

	body, changed, err := g.fetcher.Fetch(ctx, g.serversURL)
	if err != nil {
		return fmt.Errorf("nagios: portal fetch: %w", err)
	}
	if !changed {
		g.log.Debugf("nagios: portal catalog unchanged")
		return nil
	}

	servers, err := ParseServers(body, g.ignored)
	if err != nil {
		g.fetcher.Forget(g.serversURL)
		return err
	}
	conf := BuildConfig(servers)
	if err := writeAtomic(g.outPath, conf); err != nil {
		g.fetcher.Forget(g.serversURL)
		return fmt.Errorf("nagios: %w", err)
	}
	g.log.Infof("nagios: wrote %d hosts to %s", len(servers), g.outPath)
	return nil
}

// ParseServers decodes the servers.json payload into monitorable
// servers: ignored id prefixes, deleted entries and servers without an
// IPv4 address are dropped, and the rest come back sorted by id.
func ParseServers(body []byte, ignoredPrefixes []string) ([]*model.Server, error) {
	var payload map[string]portalServer
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("nagios: portal JSON: %w", err)
	}

	out := make([]*model.Server, 0, len(payload))
	for rawID, ps := range payload {
		if hasAnyPrefix(rawID, ignoredPrefixes) {
			continue
		}
		id := strings.ToUpper(strings.TrimSpace(rawID))
		if id == "" || ps.IPv4 == "" || ps.Deleted {
			continue
		}
		out = append(out, &model.Server{
			ID:           id,
			Host:         ps.Host,
			Domain:       ps.Domain,
			IPv4:         ps.IPv4,
			IPv6:         ps.IPv6,
			OutOfService: ps.OutOfService,
			Email:        ps.Email,
			EmailAlerts:  ps.EmailAlerts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// BuildConfig renders nagios object definitions for the servers: a
// host per server, a sysop contact and contact group for those with
// alerting enabled, and one hostgroup covering the fleet.
func BuildConfig(servers []*model.Server) string {
	var b strings.Builder
	ids := make([]string, 0, len(servers))

	for _, srv := range servers {
		groups := []string{"t2-obsessed"}
		if srv.EmailAlerts && srv.Email != "" {
			fmt.Fprintf(&b, "define contact {\n")
			fmt.Fprintf(&b, "    contact_name sysop_%s\n", srv.ID)
			fmt.Fprintf(&b, "    alias Sysop of %s\n", srv.ID)
			fmt.Fprintf(&b, "    service_notification_period 24x7\n")
			fmt.Fprintf(&b, "    host_notification_period 24x7\n")
			fmt.Fprintf(&b, "    service_notification_options w,u,c,r\n")
			fmt.Fprintf(&b, "    host_notification_options d,r\n")
			fmt.Fprintf(&b, "    service_notification_commands notify-service-by-email\n")
			fmt.Fprintf(&b, "    host_notification_commands notify-host-by-email\n")
			fmt.Fprintf(&b, "    email %s\n", srv.Email)
			fmt.Fprintf(&b, "}\n\n")

			fmt.Fprintf(&b, "define contactgroup {\n")
			fmt.Fprintf(&b, "    contactgroup_name sysops_%s\n", srv.ID)
			fmt.Fprintf(&b, "    alias Sysops of %s\n", srv.ID)
			fmt.Fprintf(&b, "    members sysop_%s\n", srv.ID)
			fmt.Fprintf(&b, "}\n\n")

			groups = append(groups, "sysops_"+srv.ID)
		}

		fmt.Fprintf(&b, "define host {\n")
		fmt.Fprintf(&b, "    use t2server-host\n")
		fmt.Fprintf(&b, "    host_name %s\n", srv.ID)
		fmt.Fprintf(&b, "    address %s\n", srv.IPv4)
		fmt.Fprintf(&b, "    contact_groups %s\n", strings.Join(groups, ","))
		fmt.Fprintf(&b, "}\n\n")

		ids = append(ids, srv.ID)
	}

	fmt.Fprintf(&b, "define hostgroup {\n")
	fmt.Fprintf(&b, "    hostgroup_name t2-is-servers\n")
	fmt.Fprintf(&b, "    alias T2 APRS-IS servers\n")
	fmt.Fprintf(&b, "    members %s\n", strings.Join(ids, ","))
	fmt.Fprintf(&b, "}\n")
	return b.String()
}

// writeAtomic replaces path with content via a temporary file and a
// rename, so nagios never reads a half-written configuration.
func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
