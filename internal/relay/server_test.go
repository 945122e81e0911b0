package relay

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/network"
)

func startRelay(t *testing.T, policy *network.Policy) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", policy, 5*time.Second, zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func proxiedClient(t *testing.T, s *Server) *http.Client {
	t.Helper()
	u, err := url.Parse(s.URL())
	require.NoError(t, err)
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}, Timeout: 5 * time.Second}
}

// echoServer accepts TCP connections and echoes bytes back.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func openTunnel(t *testing.T, s *Server, target string) (net.Conn, *bufio.Reader) {
	t.Helper()
	u, err := url.Parse(s.URL())
	require.NoError(t, err)

	conn, err := net.Dial("tcp", u.Host)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return conn, br
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, 0, zerolog.Nop())
	assert.Equal(t, Stopped{}, s.State())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")
	running, ok := s.State().(Running)
	require.True(t, ok)
	assert.Equal(t, "http://"+running.Addr, s.URL())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "second stop is a no-op")
	assert.Equal(t, Stopped{}, s.State())
}

func TestServerStartFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer(ln.Addr().String(), nil, 0, zerolog.Nop())
	require.Error(t, s.Start())
	_, failed := s.State().(Failed)
	assert.True(t, failed)
}

func TestForwardStripsHopHeaders(t *testing.T) {
	var got http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "hello from origin")
	}))
	defer origin.Close()

	s := startRelay(t, nil)
	req, err := http.NewRequest(http.MethodGet, origin.URL+"/path?q=1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Keep", "1")
	req.Header.Set("X-Drop", "1")
	req.Header.Set("Connection", "X-Drop")
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")

	resp, err := proxiedClient(t, s).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "hello from origin", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))

	assert.Equal(t, "1", got.Get("X-Keep"))
	assert.Empty(t, got.Get("X-Drop"))
	assert.Empty(t, got.Get("Proxy-Authorization"))
}

func TestForwardRequiresAbsoluteURI(t *testing.T) {
	s := startRelay(t, nil)

	resp, err := http.Get(s.URL() + "/relative")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestForwardBlockedByPolicy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked request reached origin")
	}))
	defer origin.Close()

	s := startRelay(t, network.Parse([]string{"github"}))
	resp, err := proxiedClient(t, s).Get(origin.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConnectTunnel(t *testing.T) {
	echo := echoServer(t)
	s := startRelay(t, nil)

	conn, br := openTunnel(t, s, echo.Addr().String())

	_, err := io.WriteString(conn, "ping\n")
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}

func TestConnectBlockedByPolicy(t *testing.T) {
	echo := echoServer(t)
	s := startRelay(t, network.Parse([]string{"none"}))

	u, _ := url.Parse(s.URL())
	conn, err := net.Dial("tcp", u.Host)
	require.NoError(t, err)
	defer conn.Close()

	target := echo.Addr().String()
	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConnectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	s := startRelay(t, nil)
	u, _ := url.Parse(s.URL())
	conn, err := net.Dial("tcp", u.Host)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", dead, dead)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStopClosesOpenTunnels(t *testing.T) {
	echo := echoServer(t)
	s := NewServer("127.0.0.1:0", nil, 5*time.Second, zerolog.Nop())
	require.NoError(t, s.Start())

	conn, br := openTunnel(t, s, echo.Addr().String())

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop blocked on an open tunnel")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := br.ReadString('\n')
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "timeout"), "tunnel should be closed, not idle: %v", err)
}
