// Package relay runs a local HTTP/HTTPS forwarding proxy that sandboxed
// processes use to reach the network through the host.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/network"
)

// DefaultAddr is where the relay listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:8118"

// State is the lifecycle state of the relay: Stopped, Running or Failed.
type State interface {
	String() string
	isState()
}

type (
	Stopped struct{}
	Running struct{ Addr string }
	Failed  struct{ Message string }
)

func (Stopped) String() string   { return "stopped" }
func (s Running) String() string { return "running on " + s.Addr }
func (s Failed) String() string  { return "failed: " + s.Message }

func (Stopped) isState() {}
func (Running) isState() {}
func (Failed) isState()  {}

// hopHeaders are stripped from forwarded requests and responses.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Server is a forwarding proxy. Plain HTTP requests in absolute form are
// forwarded to the origin; CONNECT opens a raw tunnel.
type Server struct {
	addr        string
	policy      *network.Policy
	dialTimeout time.Duration
	log         zerolog.Logger
	transport   *http.Transport

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	state   State
	tunnels map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// NewServer creates a relay listening on addr. A nil policy allows every host.
func NewServer(addr string, policy *network.Policy, dialTimeout time.Duration, log zerolog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	return &Server{
		addr:        addr,
		policy:      policy,
		dialTimeout: dialTimeout,
		log:         log.With().Str("component", "relay").Logger(),
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		state:   Stopped{},
		tunnels: make(map[net.Conn]struct{}),
	}
}

// Start begins listening. Starting a running relay is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.state = Failed{Message: err.Error()}
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.state = Running{Addr: ln.Addr().String()}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("relay stopped unexpectedly")
			s.mu.Lock()
			s.state = Failed{Message: err.Error()}
			s.mu.Unlock()
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	return nil
}

// Stop closes the listener, waits briefly for in-flight requests and tears
// down open tunnels. Stopping a stopped relay is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	if srv == nil {
		s.mu.Unlock()
		return nil
	}
	s.srv = nil
	s.ln = nil
	s.state = Stopped{}
	for conn := range s.tunnels {
		conn.Close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)

	s.wg.Wait()
	s.transport.CloseIdleConnections()
	s.log.Info().Msg("relay stopped")
	return err
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the proxy URL to hand to clients.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return "http://" + s.ln.Addr().String()
	}
	return "http://" + s.addr
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleForward(w, r)
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		http.Error(w, "absolute URI required", http.StatusBadRequest)
		return
	}
	if !s.policy.Allows(r.URL.Host) {
		s.log.Warn().Str("host", r.URL.Host).Msg("blocked by network policy")
		http.Error(w, "destination not allowed", http.StatusForbidden)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Close = false
	removeHopHeaders(out.Header)

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.log.Debug().Err(err).Str("url", r.URL.String()).Msg("forward failed")
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug().Err(err).Msg("response copy interrupted")
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	if !s.policy.Allows(target) {
		s.log.Warn().Str("host", target).Msg("blocked by network policy")
		http.Error(w, "destination not allowed", http.StatusForbidden)
		return
	}

	upstream, err := net.DialTimeout("tcp", target, s.dialTimeout)
	if err != nil {
		http.Error(w, "dial failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}
	client, rw, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if !s.track(client, upstream) {
		client.Close()
		upstream.Close()
		return
	}
	defer s.wg.Done()
	defer s.untrack(client, upstream)

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	s.log.Debug().Str("target", target).Msg("tunnel open")
	bridge(client, rw.Reader, upstream)
	s.log.Debug().Str("target", target).Msg("tunnel closed")
}

// track registers tunnel connections so Stop can close them. It returns false
// once the relay is stopping.
func (s *Server) track(conns ...net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return false
	}
	for _, c := range conns {
		s.tunnels[c] = struct{}{}
	}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conns ...net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range conns {
		delete(s.tunnels, c)
	}
}

// bridge copies bytes both ways until either direction ends, then closes both
// connections. Bytes the HTTP server already buffered from the client are
// sent upstream first.
func bridge(client net.Conn, buffered *bufio.Reader, upstream net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	var fromClient io.Reader = client
	if buffered != nil && buffered.Buffered() > 0 {
		fromClient = io.MultiReader(io.LimitReader(buffered, int64(buffered.Buffered())), client)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		_, _ = io.Copy(upstream, fromClient)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		_, _ = io.Copy(client, upstream)
	}()
	wg.Wait()
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
