package mqttd

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttd/packet"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown. Polling starts with a small
// interval and backs off to the max.
const shutdownPollIntervalMax = 500 * time.Millisecond

// A ConnState represents the state of an accepted connection. It's used by the optional
// Server.ConnState hook.
type ConnState int

const (
	// ConnNew is a connection that was just accepted.
	ConnNew ConnState = iota

	// ConnActive is a connection past the TLS handshake, serving the MQTT handshake or
	// an established session.
	ConnActive

	// ConnClosed is a closed connection. This is a terminal state.
	ConnClosed
)

func (c ConnState) String() string {
	switch c {
	case ConnNew:
		return "new"
	case ConnActive:
		return "active"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// A Server accepts connections and serves each with the App's handlers.
type Server struct {
	// TLSConfig optionally provides a TLS configuration for use by ServeTLS and
	// ListenAndServeTLS. It is cloned there.
	TLSConfig *tls.Config

	// ConnState specifies an optional callback function that is
	// called when a client connection changes state.
	ConnState func(net.Conn, ConnState)

	// ConnContext optionally specifies a function that modifies
	// the context used for a new connection c.
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	app *App
	ctx context.Context

	inShutdown atomic.Bool // true when server is in shutdown

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*conn]struct{}
	sessions      map[string]*Session
	listenerGroup sync.WaitGroup
}

// NewServer returns a Server that shuts down when ctx is done.
func NewServer(ctx context.Context, app *App) *Server {
	s := &Server{
		app:        app,
		ctx:        ctx,
		activeConn: make(map[*conn]struct{}),
		listeners:  make(map[*net.Listener]struct{}),
		sessions:   make(map[string]*Session),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			app.opts.Logger.Warn("shutdown", "err", err)
		}
	}()
	return s
}

// Shutdown stops accepting, asks every session to close with server shutting down
// (0x8B) and waits until all connections are gone or ctx ends. Remaining connections
// are then closed abruptly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()

	for _, sess := range s.snapshot() {
		_ = sess.Sink().Close(packet.ErrServerShuttingDown)
	}

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		// Add 10% jitter.
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10)))
		// Double and clamp for next time.
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		if s.quiescent() {
			return lnerr
		}
		select {
		case <-ctx.Done():
			s.closeConns()
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// quiescent reports whether every connection is gone. Connections that never got past
// ConnNew within five seconds are closed.
func (s *Server) quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.activeConn {
		st, unixSec := c.getState()
		if st == ConnNew && unixSec < time.Now().Unix()-5 {
			_ = c.rwc.Close()
		}
	}
	return len(s.activeConn) == 0
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.activeConn {
		_ = c.rwc.Close()
	}
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) newConn(rwc net.Conn) *conn {
	return &conn{server: s, rwc: rwc}
}

// Serve accepts incoming connections on the Listener l, creating a new service goroutine
// for each. The App's MaxConnections and AcceptRate options bound the acceptor.
//
// Serve always returns a non-nil error and closes l. After Shutdown the returned error
// is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	opts := s.app.opts
	if opts.MaxConnections > 0 {
		l = netutil.LimitListener(l, opts.MaxConnections)
	}
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	limiter := rate.NewLimiter(opts.AcceptRate, max(opts.AcceptBurst, 1))
	for {
		if err := limiter.Wait(s.ctx); err != nil {
			return ErrServerClosed
		}
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		s.handle(rw)
	}
}

func (s *Server) handle(rw net.Conn) {
	connCtx := s.ctx
	if cc := s.ConnContext; cc != nil {
		connCtx = cc(connCtx, rw)
		if connCtx == nil {
			panic("ConnContext returned nil")
		}
	}
	c := s.newConn(rw)
	c.setState(ConnNew, true) // before Serve can return
	go c.serve(connCtx)
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		stat.ActiveConnections.Inc()
		s.activeConn[c] = struct{}{}
	} else {
		stat.ActiveConnections.Dec()
		delete(s.activeConn, c)
	}
}

func (s *Server) trackSession(sess *Session, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[sess.ID()] = sess
	} else {
		delete(s.sessions, sess.ID())
	}
}

func (s *Server) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Session looks up an established session by its id.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns the established sessions ordered by client id.
func (s *Server) Sessions() []SessionInfo {
	sessions := s.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners.
//
// We store a pointer to interface in the map set, in case the
// net.Listener is not comparable.
//
// It reports whether the server is still up (not Shutdown).
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) listen(rawURL string) (net.Listener, *url.URL, error) {
	if s.shuttingDown() {
		return nil, nil, ErrServerClosed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, nil, err
	}
	s.app.opts.Logger.Info("mqtt serve", "url", rawURL)
	return ln, u, nil
}

// ListenAndServe listens on the host of the URL option, mqtt://0.0.0.0:1883 style.
func (s *Server) ListenAndServe(opts ...Option) error {
	ln, _, err := s.listen(s.urlOf(opts))
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) urlOf(opts []Option) string {
	options := s.app.opts
	for _, o := range opts {
		o(&options)
	}
	return options.URL
}

func (s *Server) tlsConfig(certFile, keyFile string) (*tls.Config, error) {
	config := &tls.Config{}
	if s.TLSConfig != nil {
		config = s.TLSConfig.Clone()
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		config.Certificates = append(config.Certificates, cert)
	}
	if len(config.Certificates) == 0 && config.GetCertificate == nil {
		return nil, errors.New("mqttd: no TLS certificate")
	}
	return config, nil
}

func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	config, err := s.tlsConfig(certFile, keyFile)
	if err != nil {
		return err
	}
	return s.Serve(tls.NewListener(l, config))
}

func (s *Server) ListenAndServeTLS(certFile, keyFile string, opts ...Option) error {
	ln, _, err := s.listen(s.urlOf(opts))
	if err != nil {
		return err
	}
	return s.ServeTLS(ln, certFile, keyFile)
}

// ListenAndServeWebsocket serves MQTT over WebSocket on the URL option, ws://host/path.
// With certFile and keyFile set it serves wss. The path defaults to /mqtt.
func (s *Server) ListenAndServeWebsocket(certFile, keyFile string, opts ...Option) error {
	ln, u, err := s.listen(s.urlOf(opts))
	if err != nil {
		return err
	}
	if certFile != "" || keyFile != "" {
		config, err := s.tlsConfig(certFile, keyFile)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, config)
	}
	path := u.Path
	if path == "" {
		path = "/mqtt"
	}
	mux := http.NewServeMux()
	mux.Handle(path, websocketHandler(func(rw net.Conn) {
		c := s.newConn(rw)
		c.setState(ConnNew, true)
		c.serve(s.ctx)
	}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: s.app.opts.HandshakeTimeout}

	if !s.trackListener(&ln, true) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(&ln, false)
	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !s.shuttingDown() {
		return err
	}
	return ErrServerClosed
}
