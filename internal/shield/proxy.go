package shield

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/axial/internal/metrics"
	"go.uber.org/zap"
)

// DefaultProxyAddr is the boundary proxy's default listen address.
const DefaultProxyAddr = "127.0.0.1:8899"

// maxScrubBody caps how much of a text/plain request body is buffered for
// redaction.
const maxScrubBody = 10 << 20

// Decision records one proxy verdict.
type Decision struct {
	Time    time.Time `json:"time"`
	Method  string    `json:"method"`
	Host    string    `json:"host"`
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
}

// Proxy is a forward HTTP proxy that enforces the shield at the network
// boundary. CONNECT tunnels are opened only to allow-listed hosts; plain
// requests are validated the same way and have text/plain bodies redacted
// before they leave.
type Proxy struct {
	shield *Shield
	addr   string

	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	upstream   *http.Client
	onDecision func(Decision)
	logger     *zap.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithProxyLogger sets the proxy's logger.
func WithProxyLogger(logger *zap.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = logger }
}

// WithDecisionHook registers fn to be called for every allow or block
// verdict. fn runs on the connection's goroutine and should return quickly.
func WithDecisionHook(fn func(Decision)) ProxyOption {
	return func(p *Proxy) { p.onDecision = fn }
}

// WithDialer replaces the dialer used for CONNECT targets.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) ProxyOption {
	return func(p *Proxy) { p.dial = dial }
}

// WithUpstreamClient replaces the client used to forward plain requests.
func WithUpstreamClient(c *http.Client) ProxyOption {
	return func(p *Proxy) { p.upstream = c }
}

// NewProxy returns a proxy that will listen on addr.
func NewProxy(s *Shield, addr string, opts ...ProxyOption) *Proxy {
	if addr == "" {
		addr = DefaultProxyAddr
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	p := &Proxy{
		shield: s,
		addr:   addr,
		dial:   d.DialContext,
		upstream: &http.Client{
			// Never chain through an environment proxy, and hand redirects
			// back to the client so each hop is validated again.
			Transport: &http.Transport{Proxy: nil, DialContext: d.DialContext},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ListenAndServe accepts connections until ctx is cancelled, then shuts the
// server down. Each connection is served on its own goroutine.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", p.addr, err)
	}
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.mu.Lock()
	p.ln, p.srv = ln, srv
	p.mu.Unlock()

	p.logger.Info("shield proxy listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("proxy shutdown: %w", err)
		}
		return nil
	}
}

// Addr returns the bound address once listening, the configured one before.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln != nil {
		return p.ln.Addr().String()
	}
	return p.addr
}

// Shutdown stops accepting connections. Established tunnels are left to
// finish on their own.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	host := hostOnly(target)
	if !p.admit(w, r.Method, host) {
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(host, "443")
	}

	upstream, err := p.dial(r.Context(), "tcp", target)
	if err != nil {
		metrics.RecordProxyRequest(r.Method, "error")
		p.logger.Warn("proxy dial failed", zap.String("target", target), zap.Error(err))
		http.Error(w, "SHIELD: upstream unreachable", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	relay(client, buf.Reader, upstream)
	p.logger.Debug("tunnel closed", zap.String("target", target))
}

// relay copies bytes in both directions until either side finishes, then
// closes both connections. clientReader drains anything the server already
// buffered from the client before reading the connection itself.
func relay(client net.Conn, clientReader io.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, clientReader) //nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream) //nolint:errcheck
		done <- struct{}{}
	}()
	<-done
	client.Close()
	upstream.Close()
	<-done
}

func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		metrics.RecordProxyRequest(r.Method, "error")
		http.Error(w, "SHIELD: proxy requests must use an absolute URL", http.StatusBadRequest)
		return
	}
	if !p.admit(w, r.Method, r.URL.Hostname()) {
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	if isPlainText(r.Header.Get("Content-Type")) && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxScrubBody+1))
		if err != nil {
			http.Error(w, "SHIELD: read request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxScrubBody {
			http.Error(w, "SHIELD: text body too large to scrub", http.StatusRequestEntityTooLarge)
			return
		}
		scrubbed := p.shield.Redact(string(body))
		out.Body = io.NopCloser(strings.NewReader(scrubbed))
		out.ContentLength = int64(len(scrubbed))
		out.Header.Set("Content-Length", strconv.Itoa(len(scrubbed)))
	}

	resp, err := p.upstream.Do(out)
	if err != nil {
		metrics.RecordProxyRequest(r.Method, "error")
		p.logger.Warn("proxy forward failed", zap.String("url", r.URL.Redacted()), zap.Error(err))
		http.Error(w, "SHIELD: upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// admit validates host and writes the block response when it is rejected.
func (p *Proxy) admit(w http.ResponseWriter, method, host string) bool {
	err := p.shield.ValidateRequest(host)
	d := Decision{Time: time.Now().UTC(), Method: method, Host: host, Allowed: err == nil}
	if err != nil {
		d.Reason = err.Error()
	}
	if p.onDecision != nil {
		p.onDecision(d)
	}

	if err == nil {
		metrics.RecordProxyRequest(method, "allow")
		return true
	}

	metrics.RecordProxyRequest(method, "block")
	p.logger.Info("proxy blocked request", zap.String("method", method), zap.String("host", host), zap.Error(err))

	msg := "SHIELD BLOCK: Domain not allowed"
	if errors.Is(err, ErrKillSwitchActive) {
		msg = "SHIELD BLOCK: Kill switch active"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusForbidden)
	io.WriteString(w, msg) //nolint:errcheck
	return false
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

func isPlainText(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/plain"
}

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
