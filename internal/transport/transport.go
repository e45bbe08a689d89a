// Package transport implements the provider HTTP/SSE transport (§4.6):
// base-URL normalization, auth resolution, header construction, endpoint
// selection, retry with backoff, a single 401-triggered refresh-and-
// replay, and shape-assertion fail-fast. The shared *http.Client is built
// exactly like the teacher's provider/openai.New (dnscache resolver,
// tuned http.Transport, HTTP/2).
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/provider/sseutil"
	"github.com/routecodex/routecodex/internal/snapshot"
)

// endpointByProviderType is the fixed path table from §4.6.
var endpointByProviderType = map[routecodex.ProviderType]string{
	routecodex.ProviderOpenAI:    "/v1/chat/completions",
	routecodex.ProviderGLM:       "/v1/chat/completions",
	routecodex.ProviderQwen:      "/v1/chat/completions",
	routecodex.ProviderIFlow:     "/v1/chat/completions",
	routecodex.ProviderLMStudio:  "/v1/chat/completions",
	routecodex.ProviderResponses: "/v1/responses",
	routecodex.ProviderAnthropic: "/v1/messages",
	routecodex.ProviderGemini:    "/v1beta/models",
}

// accidentalSuffixes are path suffixes a misconfigured BaseURL may carry
// that the endpoint table above already supplies.
var accidentalSuffixes = []string{"/chat/completions", "/messages", "/responses", "/v1"}

// DefaultMaxAttempts and DefaultBaseDelay govern the transport's retry
// policy (§4.6) when a Request does not override them.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// propagatedHeaders is the whitelist of caller-supplied headers forwarded
// upstream verbatim; everything else (and anything "__"-prefixed, and
// Authorization) is dropped per invariant #7.
var propagatedHeaders = map[string]bool{
	"user-agent":      true,
	"x-request-id":    true,
	"x-client-id":     true,
	"x-forwarded-for": true,
}

// TokenSource is the subset of oauthmanager.Manager the transport needs:
// a concurrent-safe token getter and an explicit single-shot refresh used
// for the 401 recovery path. oauthmanager.Manager satisfies this
// interface directly.
type TokenSource interface {
	GetToken(ctx context.Context, providerID, alias string) (string, error)
	Refresh(ctx context.Context, providerID, alias string) (*routecodex.TokenStorage, error)
}

// Request is everything the transport needs to place one outbound call.
type Request struct {
	RequestID        string
	ProviderID       string
	KeyAlias         string
	ProviderType     routecodex.ProviderType
	ProviderProtocol routecodex.Protocol
	BaseURL          string

	// Auth resolution chain, in priority order (§4.6 step 2): an
	// explicit per-request override, the OAuth manager (via Tokens),
	// a configured static key, then environment fallback.
	AuthOverride string
	StaticAPIKey string
	EnvVarNames  []string // e.g. {"OPENAI_API_KEY"}
	AuthPrefix   string    // defaults to "Bearer "

	Body          []byte
	Stream        bool
	ClientHeaders http.Header
	ExtraHeaders  map[string]string // per-provider custom headers

	MaxAttempts int
	BaseDelay   time.Duration
}

// Response is the transport's result for a non-streaming call, or the
// carrier for a streaming one.
type Response struct {
	StatusCode int
	Body       []byte
	SSE        *SSEStream // non-nil when the upstream call was a stream
}

// SSECarrierKey is the payload key a pipeline uses to recognize a
// streaming transport result that must not be reshaped further (§4.6:
// "the pipeline downstream knows not to reshape it").
const SSECarrierKey = "__sse_responses"

// SSEStream wraps an upstream SSE response body, yielding parsed
// event/data pairs via Next until "[DONE]" or EOF.
type SSEStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// NewSSEStreamFromReader builds an SSEStream over an arbitrary
// io.ReadCloser, for callers (pipeline nodes, tests) that need to drive
// one without going through Transport.Send.
func NewSSEStreamFromReader(body io.ReadCloser) *SSEStream {
	return &SSEStream{body: body, scanner: sseutil.NewScanner(body)}
}

// Next reads the next SSE event from the stream. ok is false once the
// stream is exhausted (including after a "[DONE]" sentinel); err is
// non-nil only on a genuine read failure.
func (s *SSEStream) Next() (event, data string, ok bool, err error) {
	if s.done {
		return "", "", false, nil
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		ev, d, lineOK := sseutil.ParseSSELine(line)
		if !lineOK {
			continue
		}
		if d == "[DONE]" {
			s.done = true
			return "", "", false, nil
		}
		return ev, d, true, nil
	}
	s.done = true
	return "", "", false, s.scanner.Err()
}

// Close releases the underlying response body.
func (s *SSEStream) Close() error {
	s.done = true
	return s.body.Close()
}

// Transport sends processed requests to upstream providers.
type Transport struct {
	client   *http.Client
	tokens   TokenSource
	snapshot snapshot.Writer
}

// Option configures a Transport.
type Option func(*Transport)

// WithTokenSource wires an OAuth manager for token resolution and the
// 401 recovery path.
func WithTokenSource(ts TokenSource) Option {
	return func(t *Transport) { t.tokens = ts }
}

// WithSnapshotWriter wires a non-blocking snapshot notifier; defaults to
// snapshot.NoopWriter.
func WithSnapshotWriter(w snapshot.Writer) Option {
	return func(t *Transport) { t.snapshot = w }
}

// New builds a Transport with a shared *http.Client tuned like the
// teacher's provider/openai.New: dnscache-backed dialer, HTTP/2,
// connection pooling.
func New(resolver *dnscache.Resolver, opts ...Option) *Transport {
	rt := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		rt.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	t := &Transport{
		client:   &http.Client{Transport: rt},
		snapshot: snapshot.NoopWriter{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// normalizeBaseURL drops an accidental protocol-specific suffix from
// base (§4.6 step 1) and then a trailing "/v1", e.g. a configured
// "https://api.x.com/v1/chat/completions" becomes
// "https://api.x.com" so the endpoint table's path isn't doubled up.
func normalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	for _, suffix := range accidentalSuffixes {
		if strings.HasSuffix(base, suffix) && suffix != "/v1" {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	return strings.TrimSuffix(base, "/v1")
}

func (r *Request) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (r *Request) baseDelay() time.Duration {
	if r.BaseDelay > 0 {
		return r.BaseDelay
	}
	return DefaultBaseDelay
}

func (r *Request) authPrefix() string {
	if r.AuthPrefix != "" {
		return r.AuthPrefix
	}
	return "Bearer "
}

// resolveAuthToken implements the priority chain in §4.6 step 2.
func (t *Transport) resolveAuthToken(ctx context.Context, r *Request) (string, error) {
	if r.AuthOverride != "" {
		return r.AuthOverride, nil
	}
	if t.tokens != nil {
		tok, err := t.tokens.GetToken(ctx, r.ProviderID, r.KeyAlias)
		if err == nil && tok != "" {
			return tok, nil
		}
	}
	if r.StaticAPIKey != "" {
		return r.StaticAPIKey, nil
	}
	for _, name := range r.EnvVarNames {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, nil
		}
	}
	return "", nil
}

func (t *Transport) buildHeaders(ctx context.Context, r *Request) (http.Header, error) {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if r.Stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}

	token, err := t.resolveAuthToken(ctx, r)
	if err != nil {
		return nil, err
	}
	if token != "" {
		h.Set("Authorization", r.authPrefix()+token)
	}

	for k, v := range r.ExtraHeaders {
		h.Set(k, v)
	}

	for k, values := range r.ClientHeaders {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, "__") || lower == "authorization" {
			continue
		}
		if !propagatedHeaders[lower] {
			continue
		}
		for _, v := range values {
			h.Add(k, v)
		}
	}

	return h, nil
}

// assertShape implements the §4.6 fail-fast shape assertions per
// provider protocol.
func assertShape(protocol routecodex.Protocol, body []byte) error {
	root := gjson.ParseBytes(body)
	ok := false
	switch protocol {
	case routecodex.ProtocolOpenAIChat:
		ok = root.Get("messages").Exists()
	case routecodex.ProtocolOpenAIResponses:
		ok = root.Get("input").Exists() || root.Get("instructions").Exists() ||
			root.Get("output").Exists() || root.Get(SSECarrierKey).Exists()
	case routecodex.ProtocolAnthropicMessages:
		ok = root.Get("messages").Exists() || root.Get("content").Exists()
	case routecodex.ProtocolGeminiChat:
		ok = root.Get("messages").Exists() || root.Get("content").Exists() || root.Get("candidates").Exists()
	default:
		ok = true
	}
	if !ok {
		return routecodex.NewError(routecodex.CodeCompatProtocolDrift,
			fmt.Sprintf("request for %s is missing its required shape", protocol)).
			WithDetail("protocol", string(protocol))
	}
	return nil
}

func isRetryableStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

// Send places one outbound call, retrying per §4.6's policy and
// performing the single 401-triggered refresh-and-replay.
func (t *Transport) Send(ctx context.Context, r *Request) (*Response, error) {
	if err := assertShape(r.ProviderProtocol, r.Body); err != nil {
		return nil, err
	}

	base := normalizeBaseURL(r.BaseURL)
	path, ok := endpointByProviderType[r.ProviderType]
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeUnsupportedProviderType, "unknown provider type "+string(r.ProviderType))
	}
	url := base + path

	attemptedRefresh := false
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts(); attempt++ {
		headers, err := t.buildHeaders(ctx, r)
		if err != nil {
			return nil, err
		}

		t.notifySnapshot(r, snapshot.PhaseProviderRequest, headers, r.Body)

		resp, err := t.do(ctx, url, headers, r.Body)
		if err != nil {
			lastErr = err
			if attempt < r.maxAttempts() {
				if waitErr := t.backoff(ctx, attempt, r.baseDelay()); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("transport: request failed after %d attempts: %w", attempt, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !attemptedRefresh && t.tokens != nil {
			attemptedRefresh = true
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if _, refreshErr := t.tokens.Refresh(ctx, r.ProviderID, r.KeyAlias); refreshErr == nil {
				attempt--
				continue // replay with fresh headers, no attempt/backoff cost
			}
			// Refresh failed: fall through and surface the original 401.
			return t.finalize(r, &http.Response{StatusCode: http.StatusUnauthorized, Body: io.NopCloser(strings.NewReader(""))})
		}

		if isRetryableStatus(resp.StatusCode) && attempt < r.maxAttempts() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if waitErr := t.backoff(ctx, attempt, r.baseDelay()); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return t.finalize(r, resp)
	}

	return nil, fmt.Errorf("transport: exhausted retries: %w", lastErr)
}

func (t *Transport) do(ctx context.Context, url string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header = headers
	return t.client.Do(req)
}

func (t *Transport) backoff(ctx context.Context, attempt int, base time.Duration) error {
	delay := time.Duration(attempt) * base
	jitter := time.Duration(rand.Int64N(int64(base)))
	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) finalize(r *Request, resp *http.Response) (*Response, error) {
	if r.Stream && resp.StatusCode == http.StatusOK {
		t.notifySnapshot(r, snapshot.PhaseProviderResponse, resp.Header, nil)
		return &Response{
			StatusCode: resp.StatusCode,
			SSE:        NewSSEStreamFromReader(resp.Body),
		}, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("transport: read response body: %w", err)
	}

	phase := snapshot.PhaseProviderResponse
	if resp.StatusCode >= 400 {
		phase = snapshot.PhaseProviderError
	}
	t.notifySnapshot(r, phase, resp.Header, body)

	if resp.StatusCode >= 400 {
		apiErr := provider.ParseAPIError(r.ProviderID, resp.StatusCode, body)
		return nil, routecodex.NewError(routecodex.UpstreamHTTPCode(resp.StatusCode), "upstream returned an error").
			WithStatus(resp.StatusCode).WithDetail("body", truncate(body, 2048)).WithCause(apiErr)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (t *Transport) notifySnapshot(r *Request, phase snapshot.Phase, headers http.Header, body []byte) {
	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			hdrs[k] = v[0]
		}
	}
	t.snapshot.Notify(snapshot.Envelope{
		RequestID: r.RequestID,
		Protocol:  string(r.ProviderProtocol),
		Phase:     phase,
		Headers:   hdrs,
		Body:      body,
	})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
