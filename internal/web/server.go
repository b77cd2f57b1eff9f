package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/store"
)

const defaultMaxWait = 60 * time.Second

// Config wires the status web server.
type Config struct {
	DB     *store.DB
	Log    *zap.SugaredLogger
	Listen string

	// SiteDescr and PollInterval are stored at startup so the UI can
	// label the site.
	SiteDescr    string
	PollInterval time.Duration

	// MaxWait bounds how long an upd long-poll is held open.
	MaxWait time.Duration
}

// Server wraps the HTTP server, the mux and the event queue fed from
// the status channel.
type Server struct {
	db           *store.DB
	log          *zap.SugaredLogger
	evq          *EventQueue
	httpServer   *http.Server
	mux          *http.ServeMux
	siteDescr    string
	pollInterval time.Duration

	sub store.Subscription
	wg  sync.WaitGroup
}

// New creates the server with all routes wired.
func New(cfg Config) *Server {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	s := &Server{
		db:           cfg.DB,
		log:          cfg.Log,
		evq:          NewEventQueue(defaultKeepEvents),
		siteDescr:    cfg.SiteDescr,
		pollInterval: cfg.PollInterval,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", getOnly(HandleHealthz()))
	mux.Handle("/api/full", getOnly(HandleFull(cfg.DB, s.evq, cfg.Log)))
	mux.Handle("/api/upd", getOnly(HandleUpd(s.evq, maxWait)))
	s.mux = mux
	s.httpServer = &http.Server{Addr: cfg.Listen, Handler: mux}
	return s
}

// Start stores the site config, subscribes to status events and begins
// serving. It returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	if err := s.db.SetWebConfig(ctx, &model.WebConfig{
		SiteDescr:    s.siteDescr,
		PollInterval: int64(s.pollInterval / time.Second),
	}); err != nil {
		return fmt.Errorf("web: storing site config: %w", err)
	}

	sub, err := s.db.SubscribeStatus(ctx)
	if err != nil {
		return fmt.Errorf("web: subscribing to status events: %w", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go s.consume()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		sub.Close()
		return fmt.Errorf("web: listen: %w", err)
	}
	s.log.Infof("web: listening on %s", ln.Addr())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("web: server: %v", err)
		}
	}()
	return nil
}

// consume feeds the event queue from the status subscription until the
// subscription is closed.
func (s *Server) consume() {
	defer s.wg.Done()
	for msg := range s.sub.Messages() {
		if !json.Valid([]byte(msg)) {
			s.log.Warnf("web: dropping malformed status event")
			continue
		}
		s.evq.Append(json.RawMessage(msg))
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.sub != nil {
		s.sub.Close()
	}
	s.wg.Wait()
	return err
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// getOnly restricts a route to GET and HEAD requests, standing in for
// the "GET /path" ServeMux method patterns that need Go 1.22.
func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}
