package proxyhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/record"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

type stubConfigStore struct {
	rows map[string][]byte
}

func (s *stubConfigStore) GetConfig(_ context.Context, typ string) (*record.ConfigRow, error) {
	raw, ok := s.rows[typ]
	if !ok {
		return nil, record.ErrNotFound
	}
	return &record.ConfigRow{Type: typ, Config: raw}, nil
}

func (s *stubConfigStore) PutConfig(_ context.Context, typ string, config []byte) error {
	s.rows[typ] = config
	return nil
}

func (s *stubConfigStore) ListMatchRules(context.Context, string) ([]record.MatchRule, error) {
	return nil, nil
}

func newTrafficManager(t *testing.T, trafficConfig string) *trafficcfg.Manager {
	t.Helper()
	store := &stubConfigStore{rows: map[string][]byte{}}
	if trafficConfig != "" {
		store.rows[record.ConfigTraffic] = []byte(trafficConfig)
	}
	m := trafficcfg.NewManager(store, slog.Default())
	if err := m.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll() error: %v", err)
	}
	return m
}

func TestHostOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"api.example.com:443", "api.example.com"},
		{"api.example.com", "api.example.com"},
		{"10.0.0.5:8080", "10.0.0.5"},
		{"[::1]:443", "::1"},
	}
	for _, tc := range tests {
		if got := hostOnly(tc.in); got != tc.want {
			t.Errorf("hostOnly(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWithDefaultPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"api.example.com", "api.example.com:443"},
		{"api.example.com:8443", "api.example.com:8443"},
		{"::1", "[::1]:443"},
	}
	for _, tc := range tests {
		if got := withDefaultPort(tc.in, 443); got != tc.want {
			t.Errorf("withDefaultPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestShouldIntercept(t *testing.T) {
	t.Parallel()

	const valid = `{
		"monitor": {"source": "header", "key": "X-App-Platform", "pattern": "ios|android"},
		"domains": [{"domain": "api.example.com", "secure": true}]
	}`
	const brokenMonitor = `{
		"monitor": {"source": "header", "key": "X-App-Platform", "pattern": "("},
		"domains": [{"domain": "api.example.com", "secure": true}]
	}`

	tests := []struct {
		name   string
		config string
		host   string
		want   bool
	}{
		{"monitored domain", valid, "api.example.com", true},
		{"unmatched host", valid, "other.example.net", false},
		{"broken monitor pattern disables interception", brokenMonitor, "api.example.com", false},
		{"no traffic config", "", "api.example.com", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := NewConnectDispatcher(newTrafficManager(t, tc.config), nil, nil, 0, slog.Default())
			if got := d.shouldIntercept(tc.host); got != tc.want {
				t.Errorf("shouldIntercept(%q) = %v, want %v", tc.host, got, tc.want)
			}
		})
	}
}

func TestHandleConnectBlindTunnel(t *testing.T) {
	defer goleak.VerifyNone(t)

	// The origin the tunnel relays to.
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer target.Close()
	go func() {
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil || line != "ping\n" {
			return
		}
		_, _ = conn.Write([]byte("pong\n"))
	}()

	// The domain rule matches the target, but the broken monitor pattern
	// leaves monitoring disabled, so the CONNECT must be blind-tunneled.
	manager := newTrafficManager(t, `{
		"monitor": {"source": "header", "key": "X-App-Platform", "pattern": "("},
		"domains": [{"domain": "127.0.0.1", "secure": true}]
	}`)
	d := NewConnectDispatcher(manager, nil, nil, 0, slog.Default())
	var tunnels atomic.Int64
	d.OnTunnel(func() { tunnels.Add(1) })

	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.HandleConnect(w, r)
		close(done)
	}))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	targetAddr := target.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if !strings.Contains(status, "200") {
		t.Fatalf("CONNECT response = %q, want 200 Connection Established", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read CONNECT headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	reply, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if reply != "pong\n" {
		t.Errorf("tunnel relayed %q, want %q", reply, "pong\n")
	}

	conn.Close()
	<-done
	if got := tunnels.Load(); got != 1 {
		t.Errorf("tunnel callback fired %d times, want 1", got)
	}
}

func readWritten(t *testing.T, write func(net.Conn)) *http.Response {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		write(server)
		server.Close()
	}()
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("ReadResponse() error: %v", err)
	}
	t.Cleanup(func() {
		resp.Body.Close()
		client.Close()
	})
	return resp
}

func TestWriteResponse(t *testing.T) {
	t.Parallel()

	rc := pipeline.NewResponseContext("req-1")
	rc.Status = 201
	rc.Body = []byte(`{"created":true}`)
	rc.Header.Set("Content-Type", "application/json")
	rc.Header.Set("Content-Length", "999") // stale, must be recomputed
	rc.Header.Set("Connection", "keep-alive")
	rc.Header.Add("Set-Cookie", "a=1")
	rc.Header.Add("Set-Cookie", "b=2")

	resp := readWritten(t, func(conn net.Conn) {
		if err := writeResponse(conn, rc); err != nil {
			t.Errorf("writeResponse() error: %v", err)
		}
	})

	if resp.StatusCode != 201 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"created":true}` {
		t.Errorf("body = %q", body)
	}
	if resp.ContentLength != int64(len(rc.Body)) {
		t.Errorf("Content-Length = %d, want %d", resp.ContentLength, len(rc.Body))
	}
	if resp.Header.Get("Connection") != "close" {
		t.Errorf("Connection = %q, want close", resp.Header.Get("Connection"))
	}
	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) != 2 {
		t.Errorf("Set-Cookie = %v, both values must survive", cookies)
	}
}

func TestWriteMinimalError(t *testing.T) {
	t.Parallel()

	resp := readWritten(t, func(conn net.Conn) {
		writeMinimalError(conn, "malformed request")
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	var body struct {
		Error     string `json:"error"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body.Error != "malformed request" || body.Timestamp == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestBufferedConnReplaysHijackedBytes(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	go func() {
		_, _ = server.Write([]byte("socket"))
		server.Close()
	}()

	buffered := bufio.NewReader(strings.NewReader("hijacked-"))
	if _, err := buffered.Peek(9); err != nil {
		t.Fatalf("Peek() error: %v", err)
	}
	conn := &bufferedConn{Conn: client, buffered: buffered}

	got, err := io.ReadAll(conn)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if string(got) != "hijacked-socket" {
		t.Errorf("read %q, want buffered bytes before socket bytes", got)
	}
}

func TestWriteResponseWriter(t *testing.T) {
	t.Parallel()

	rc := pipeline.NewResponseContext("req-1")
	rc.Status = 404
	rc.Body = []byte(`{"error":"missing"}`)
	rc.Header.Set("Content-Type", "application/json; charset=utf-8")
	rc.Header.Set("Content-Length", "3") // stale

	w := httptest.NewRecorder()
	writeResponseWriter(w, rc)

	if w.Code != 404 {
		t.Errorf("status = %d", w.Code)
	}
	if w.Body.String() != `{"error":"missing"}` {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("Content-Length") != "" {
		t.Error("stale Content-Length copied through")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	if got := clientIP("192.0.2.1:1234"); got != "192.0.2.1" {
		t.Errorf("clientIP = %q", got)
	}
}
