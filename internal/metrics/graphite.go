package metrics

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	graphiteQueueSize      = 500
	graphiteConnectTimeout = 10 * time.Second
	graphiteWriteTimeout   = 10 * time.Second
)

type sample struct {
	path  string
	value float64
	t     int64
}

// Graphite ships metrics to a Carbon relay in the plaintext protocol.
// Send never blocks; when the relay is slow or down the queue fills up
// and the newest samples are dropped.
type Graphite struct {
	addr   string
	prefix string
	log    *zap.SugaredLogger

	queue  chan sample
	stopCh chan struct{}
	wg     sync.WaitGroup

	// conn is owned by the run goroutine.
	conn net.Conn
}

// NewGraphite creates a sender for the given relay address. An empty
// address disables the sender; Send becomes a no-op. A non-empty
// prefix is prepended to every metric path with a dot separator.
func NewGraphite(addr, prefix string, log *zap.SugaredLogger) *Graphite {
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return &Graphite{
		addr:   addr,
		prefix: prefix,
		log:    log,
		queue:  make(chan sample, graphiteQueueSize),
		stopCh: make(chan struct{}),
	}
}

// Enabled reports whether a relay address is configured.
func (g *Graphite) Enabled() bool {
	return g.addr != ""
}

// Start launches the background sender.
func (g *Graphite) Start() {
	if !g.Enabled() {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run()
	}()
}

// Stop shuts the sender down. Queued samples that have not been written
// yet are discarded.
func (g *Graphite) Stop() {
	if !g.Enabled() {
		return
	}
	close(g.stopCh)
	g.wg.Wait()
}

// Send queues one sample with the current timestamp.
func (g *Graphite) Send(path string, value float64) {
	if !g.Enabled() {
		return
	}
	s := sample{path: path, value: value, t: time.Now().Unix()}
	select {
	case g.queue <- s:
	default:
		g.log.Infof("graphite: queue full, dropping %s", path)
	}
}

func (g *Graphite) run() {
	defer func() {
		if g.conn != nil {
			g.conn.Close()
		}
	}()
	for {
		select {
		case <-g.stopCh:
			return
		case s := <-g.queue:
			g.write(s)
		}
	}
}

func (g *Graphite) write(s sample) {
	if g.conn == nil {
		conn, err := net.DialTimeout("tcp", g.addr, graphiteConnectTimeout)
		if err != nil {
			g.log.Infof("graphite: connect %s: %v", g.addr, err)
			return
		}
		g.log.Debugf("graphite: connected to %s", g.addr)
		g.conn = conn
	}
	g.conn.SetWriteDeadline(time.Now().Add(graphiteWriteTimeout))
	line := fmt.Sprintf("%s%s %s %d\n", g.prefix, s.path, strconv.FormatFloat(s.value, 'f', -1, 64), s.t)
	if _, err := g.conn.Write([]byte(line)); err != nil {
		g.log.Infof("graphite: write failed, reconnecting: %v", err)
		g.conn.Close()
		g.conn = nil
	}
}
