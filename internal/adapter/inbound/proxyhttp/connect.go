package proxyhttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
	"github.com/dproxy-io/dproxy/internal/service"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// ConnectDispatcher handles CONNECT requests: monitored hosts are
// TLS-intercepted, everything else is blind-tunneled.
type ConnectDispatcher struct {
	config   *trafficcfg.Manager
	certs    *CertCache
	svc      *service.ProxyService
	timeout  time.Duration
	onTunnel func()
	logger   *slog.Logger
}

// NewConnectDispatcher wires the CONNECT path.
func NewConnectDispatcher(config *trafficcfg.Manager, certs *CertCache, svc *service.ProxyService, timeout time.Duration, logger *slog.Logger) *ConnectDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ConnectDispatcher{
		config:  config,
		certs:   certs,
		svc:     svc,
		timeout: timeout,
		logger:  logger,
	}
}

// OnTunnel registers a callback invoked once per established blind
// tunnel. Feeds the tunnel counter.
func (d *ConnectDispatcher) OnTunnel(fn func()) { d.onTunnel = fn }

// HandleConnect dispatches one CONNECT request. The host's monitored
// status decides between interception and the blind tunnel.
func (d *ConnectDispatcher) HandleConnect(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	if d.shouldIntercept(host) {
		d.intercept(w, r, host)
		return
	}
	d.tunnel(w, r)
}

// shouldIntercept reports whether a CONNECT target is TLS-intercepted.
// Without a valid monitor rule every CONNECT is blind-tunneled, even
// when the host matches a domain pattern.
func (d *ConnectDispatcher) shouldIntercept(host string) bool {
	return d.config.IsMonitoringEnabled() && d.config.IsMonitoredDomain(host)
}

// tunnel relays raw bytes between the client and the target with no
// decryption.
func (d *ConnectDispatcher) tunnel(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		d.logger.Error("response writer does not support hijacking")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	targetConn, err := net.DialTimeout("tcp", withDefaultPort(r.Host, 443), 10*time.Second)
	if err != nil {
		d.logger.Warn("tunnel dial failed", "host", r.Host, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		d.logger.Error("hijack failed for tunnel", "error", err)
		targetConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		d.logger.Warn("writing CONNECT response failed", "error", err)
		clientConn.Close()
		targetConn.Close()
		return
	}

	d.logger.Debug("tunnel established", "host", r.Host)
	if d.onTunnel != nil {
		d.onTunnel()
	}

	// Bytes the client pipelined behind the CONNECT line must reach the
	// target too.
	client := io.Reader(clientConn)
	if n := clientBuf.Reader.Buffered(); n > 0 {
		client = io.MultiReader(io.LimitReader(clientBuf.Reader, int64(n)), clientConn)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, client)
		if tc, ok := targetConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, targetConn)
		if tc, ok := clientConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	wg.Wait()
	clientConn.Close()
	targetConn.Close()
}

// intercept upgrades the client side of a CONNECT to TLS with a minted
// certificate and serves the decrypted requests through the pipeline.
// The 200 is written before the upgrade; a client that fires its
// ClientHello immediately must not race the response.
func (d *ConnectDispatcher) intercept(w http.ResponseWriter, r *http.Request, host string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		d.logger.Error("response writer does not support hijacking")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		d.logger.Error("hijack failed for intercept", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		d.logger.Warn("writing CONNECT response failed", "host", host, "error", err)
		clientConn.Close()
		return
	}

	cert, err := d.certs.GetCert(host)
	if err != nil {
		// The 200 is already out; there is no tunnel to fall back to.
		d.logger.Error("leaf certificate unavailable", "host", host, "error", err)
		clientConn.Close()
		return
	}

	// Preserve any bytes read past the CONNECT request before the
	// hijack; they belong to the TLS handshake.
	raw := net.Conn(clientConn)
	if n := clientBuf.Reader.Buffered(); n > 0 {
		raw = &bufferedConn{Conn: clientConn, buffered: clientBuf.Reader}
	}

	tlsConn := tls.Server(raw, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	})
	hsCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		d.logger.Warn("TLS handshake failed", "host", host, "error", err)
		tlsConn.Close()
		return
	}

	d.logger.Debug("TLS intercept established", "host", host)
	d.serveIntercepted(tlsConn, r.Host)
}

// serveIntercepted parses decrypted HTTP/1.1 requests off the TLS stream
// sequentially. Every response goes out with Connection: close and the
// stream ends after the first exchange; interception does not keep
// connections alive.
func (d *ConnectDispatcher) serveIntercepted(tlsConn *tls.Conn, connectTarget string) {
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	inner, err := http.ReadRequest(reader)
	if err != nil {
		if err != io.EOF {
			d.logger.Debug("reading intercepted request failed",
				"target", connectTarget, "error", err)
			writeMinimalError(tlsConn, "malformed request")
		}
		return
	}
	defer inner.Body.Close()

	inner.URL.Scheme = "https"
	if inner.Host == "" {
		inner.Host = connectTarget
	}
	inner.URL.Host = inner.Host
	if inner.URL.Path == "" {
		inner.URL.Path = "/"
	}

	body, err := io.ReadAll(io.LimitReader(inner.Body, maxRequestBody))
	if err != nil {
		d.logger.Debug("reading intercepted body failed",
			"target", connectTarget, "error", err)
		writeMinimalError(tlsConn, "malformed request body")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req := pipeline.NewRequestContext(inner, body, uuid.NewString())
	req.Current.Scheme = "https"
	req.Original.Scheme = "https"
	resp := d.svc.Process(ctx, req)

	if err := writeResponse(tlsConn, resp); err != nil {
		d.logger.Debug("writing intercepted response failed",
			"target", connectTarget, "error", err)
	}
}

// bufferedConn replays bytes left in the hijacked reader before reading
// from the socket.
type bufferedConn struct {
	net.Conn
	buffered *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.buffered.Buffered() > 0 {
		return c.buffered.Read(p)
	}
	return c.Conn.Read(p)
}

// writeResponse serializes a response context as HTTP/1.1 with
// Connection: close.
func writeResponse(conn net.Conn, resp *pipeline.ResponseContext) error {
	statusText := http.StatusText(resp.Status)
	if statusText == "" {
		statusText = "Unknown"
	}
	var err error
	if _, err = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", resp.Status, statusText); err != nil {
		return err
	}
	for key, values := range resp.Header {
		if key == "Content-Length" || key == "Connection" {
			continue
		}
		for _, v := range values {
			if _, err = fmt.Fprintf(conn, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	if _, err = fmt.Fprintf(conn, "Content-Length: %d\r\nConnection: close\r\n\r\n", len(resp.Body)); err != nil {
		return err
	}
	_, err = conn.Write(resp.Body)
	return err
}

// writeMinimalError emits the bare 502 used when no request context
// exists yet.
func writeMinimalError(conn net.Conn, message string) {
	body, _ := json.Marshal(map[string]string{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	_, _ = fmt.Fprintf(conn,
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: application/json; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		len(body))
	_, _ = conn.Write(body)
}

func hostOnly(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}

func withDefaultPort(hostPort string, def int) string {
	if _, _, err := net.SplitHostPort(hostPort); err == nil {
		return hostPort
	}
	return net.JoinHostPort(hostPort, strconv.Itoa(def))
}
