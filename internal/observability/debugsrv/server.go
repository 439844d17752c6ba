// Package debugsrv is the optional operator HTTP endpoint: liveness,
// schedule and runtime snapshots, and net/http/pprof.
package debugsrv

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "cronosphere/pkg/logx"
)

// Config controls the debug server. An empty Addr disables it.
//
// Security:
//   - Prefer binding to localhost.
//   - A non-loopback address needs Token, or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
}

// Sources feed the endpoints. Any of them may be nil.
type Sources struct {
	Ping      func(ctx context.Context) error
	Schedules func() any
	Runtime   func() any
}

type Server struct {
	cfg Config
	src Sources
	log logx.Logger
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, src: src, log: log.With(logx.String("comp", "debug"))}
}

// CheckAddr rejects an unauthenticated bind outside loopback.
func CheckAddr(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.Wrapf(err, "debug.addr %q", addr)
	}
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(addr) {
		return errors.Newf("debug.addr %q is not loopback: set debug.token or debug.allow_insecure", addr)
	}
	return nil
}

// Handler builds the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(s.healthz))
	mux.HandleFunc("/debug/schedules", wrap(s.jsonOf(s.src.Schedules)))
	mux.HandleFunc("/debug/runtime", wrap(s.jsonOf(s.src.Runtime)))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.src.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.src.Ping(ctx); err != nil {
			http.Error(w, "storage: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) jsonOf(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(fn()); err != nil {
			s.log.Warn("debug encode failed", logx.String("path", r.URL.Path), logx.Err(err))
		}
	}
}

// Serve listens on the configured address until ctx is done. It is meant to
// run under supervisor.GoRestart.
func (s *Server) Serve(ctx context.Context) error {
	if err := CheckAddr(s.cfg); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.Addr))
	if err != nil {
		return errors.Wrap(err, "debug listen")
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false // all interfaces
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
