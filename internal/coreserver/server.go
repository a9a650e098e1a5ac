package coreserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"habridge/internal/haclient"
	"habridge/internal/haconfig"
	"habridge/internal/setup"
	"habridge/internal/store"
)

// DefaultPlainAddr and DefaultTLSAddr are spec.md §4.5's listener
// defaults.
const (
	DefaultPlainAddr = ":8000"
	DefaultTLSAddr   = ":9443"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Server is the Core Server, spec.md §4.5: two TCP listeners (plain and
// TLS) accepting Core sessions, a per-connection dispatcher, and event
// fan-out from the Entity Store.
type Server struct {
	logger *zap.Logger

	store         *store.Store
	client        *haclient.Client
	setupMachine  *setup.Machine
	metadata      MetadataProvider
	appVersion    string
	apiVersion    string
	deviceState   func() string
	onStandby     func(standby bool)
	tracing       haconfig.MsgTracing

	heartbeatInterval time.Duration
	pongTimeout       time.Duration

	plainAddr string
	tlsAddr   string
	tlsConfig *tls.Config

	mu       sync.Mutex
	sessions map[string]*Session

	plainSrv *http.Server
	tlsSrv   *http.Server
}

// Options configures a new Server.
type Options struct {
	PlainAddr         string
	TLSAddr           string
	TLSConfig         *tls.Config // nil disables the TLS listener
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	AppVersion        string
	APIVersion        string
	Tracing           haconfig.MsgTracing
	OnStandby         func(standby bool) // spec.md §4.6 enter_standby/exit_standby; nil disables
}

// New constructs a Server. deviceState reports the Supervisor's device
// state (NORMAL or STANDBY) for get_device_state.
func New(st *store.Store, client *haclient.Client, setupMachine *setup.Machine, metadata MetadataProvider, deviceState func() string, logger *zap.Logger, opts Options) *Server {
	if opts.PlainAddr == "" {
		opts.PlainAddr = DefaultPlainAddr
	}
	if opts.TLSAddr == "" {
		opts.TLSAddr = DefaultTLSAddr
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "0.0.0"
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "0.24.0"
	}
	return &Server{
		logger:            logger.Named("coreserver"),
		store:             st,
		client:            client,
		setupMachine:      setupMachine,
		metadata:          metadata,
		appVersion:        opts.AppVersion,
		apiVersion:        opts.APIVersion,
		deviceState:       deviceState,
		onStandby:         opts.OnStandby,
		tracing:           opts.Tracing,
		heartbeatInterval: opts.HeartbeatInterval,
		pongTimeout:       opts.PongTimeout,
		plainAddr:         opts.PlainAddr,
		tlsAddr:           opts.TLSAddr,
		tlsConfig:         opts.TLSConfig,
		sessions:          make(map[string]*Session),
	}
}

// Run starts both listeners and blocks until ctx is cancelled, matching
// the graceful-shutdown pattern of the teacher's cmd/main.go signal
// handling — here promoted into the server itself so the Supervisor just
// awaits ctx.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.plainSrv = &http.Server{Addr: s.plainAddr, Handler: mux}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("core server listening (plain)", zap.String("addr", s.plainAddr))
		if err := s.plainSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("plain listener: %w", err)
		}
	}()

	if s.tlsConfig != nil {
		s.tlsSrv = &http.Server{Addr: s.tlsAddr, Handler: mux, TLSConfig: s.tlsConfig}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("core server listening (tls)", zap.String("addr", s.tlsAddr))
			ln, err := net.Listen("tcp", s.tlsAddr)
			if err != nil {
				errCh <- fmt.Errorf("tls listener: %w", err)
				return
			}
			tlsLn := tls.NewListener(ln, s.tlsConfig)
			if err := s.tlsSrv.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("tls listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.shutdown()
	case err := <-errCh:
		s.shutdown()
		return err
	}
	wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.plainSrv != nil {
		s.plainSrv.Shutdown(shutdownCtx)
	}
	if s.tlsSrv != nil {
		s.tlsSrv.Shutdown(shutdownCtx)
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("core websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(context.Background(), conn, s)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("core session connected", zap.String("session", sess.id), zap.String("remote", r.RemoteAddr))

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		s.logger.Info("core session disconnected", zap.String("session", sess.id))
	}()

	sess.run()
}

// SessionCount returns the number of currently connected Core Sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
