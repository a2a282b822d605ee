package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"harvestline/internal/config"
)

const (
	apiPrefix      = "/rest/api/3/"
	scopeName      = "harvestline/upstream"
	defaultTimeout = 30 * time.Second
)

// AllowList is the set of (endpoint, method) pairs the client may call.
type AllowList struct {
	rules map[string]map[string]bool
}

func NewAllowList(rules []config.AllowRule) AllowList {
	a := AllowList{rules: map[string]map[string]bool{}}
	for _, r := range rules {
		ep := normalizeEndpoint(r.Endpoint)
		if a.rules[ep] == nil {
			a.rules[ep] = map[string]bool{}
		}
		for _, m := range r.Methods {
			a.rules[ep][strings.ToUpper(m)] = true
		}
	}
	return a
}

func (a AllowList) Permits(method, endpoint string) bool {
	return a.rules[normalizeEndpoint(endpoint)][strings.ToUpper(method)]
}

// Describe lists the permitted pairs as "METHOD endpoint", sorted.
func (a AllowList) Describe() []string {
	var out []string
	for ep, methods := range a.rules {
		for m := range methods {
			out = append(out, m+" "+ep)
		}
	}
	sort.Strings(out)
	return out
}

type Options struct {
	BaseURL    string
	Email      string
	Token      string
	Timeout    time.Duration
	AllowList  []config.AllowRule
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// PageDelay is the pause between continuation pages of a bulk fetch.
	PageDelay time.Duration
}

// Client issues authenticated requests to the upstream tracker API.
type Client struct {
	baseURL   string
	email     string
	token     string
	timeout   time.Duration
	allow     AllowList
	http      *http.Client
	log       zerolog.Logger
	pageDelay time.Duration

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	m := otel.Meter(scopeName)
	requests, _ := m.Int64Counter("harvestline.upstream.requests",
		metric.WithDescription("Upstream API requests by endpoint, method and status"),
	)
	latency, _ := m.Float64Histogram("harvestline.upstream.duration",
		metric.WithDescription("Upstream API request duration"),
		metric.WithUnit("ms"),
	)
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		email:     opts.Email,
		token:     opts.Token,
		timeout:   timeout,
		allow:     NewAllowList(opts.AllowList),
		http:      httpClient,
		log:       opts.Logger,
		pageDelay: opts.PageDelay,
		requests:  requests,
		latency:   latency,
	}
}

// NewFromConfig builds a client from the upstream config section.
func NewFromConfig(cfg config.Upstream, pageDelay time.Duration, log zerolog.Logger) *Client {
	return New(Options{
		BaseURL:   cfg.BaseURL,
		Email:     cfg.Email,
		Token:     cfg.Token,
		Timeout:   cfg.Timeout(),
		AllowList: cfg.AllowList,
		Logger:    log,
		PageDelay: pageDelay,
	})
}

// Response is a raw upstream response.
type Response struct {
	Method   string
	Endpoint string
	Status   int
	Body     []byte
	Duration time.Duration
}

// Request sends one request. The allow-list is checked before anything else;
// a zero timeout uses the client default.
func (c *Client) Request(ctx context.Context, method, endpoint string, payload any, timeout time.Duration) (*Response, error) {
	method = strings.ToUpper(method)
	endpoint = normalizeEndpoint(endpoint)
	if !c.allow.Permits(method, endpoint) {
		return nil, &EndpointNotPermittedError{Method: method, Endpoint: endpoint, Allowed: c.allow.Describe()}
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.email != "" || c.token != "" {
		req.SetBasicAuth(c.email, c.token)
	}

	c.log.Debug().Str("method", method).Str("endpoint", endpoint).Msg("upstream →")
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		c.observe(ctx, method, endpoint, 0, elapsed)
		c.log.Error().Err(err).Str("method", method).Str("endpoint", endpoint).Int("status", 0).
			Dur("duration", elapsed).Msg("upstream ←")
		return nil, &TransportError{Method: method, Endpoint: endpoint, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	c.observe(ctx, method, endpoint, resp.StatusCode, elapsed)
	if err != nil {
		c.log.Error().Err(err).Str("method", method).Str("endpoint", endpoint).Int("status", resp.StatusCode).
			Dur("duration", elapsed).Msg("upstream ←")
		return nil, &TransportError{Method: method, Endpoint: endpoint, Timeout: isTimeout(err), Err: err}
	}
	c.log.Info().Str("method", method).Str("endpoint", endpoint).Int("status", resp.StatusCode).
		Dur("duration", elapsed).Msg("upstream ←")
	return &Response{Method: method, Endpoint: endpoint, Status: resp.StatusCode, Body: data, Duration: elapsed}, nil
}

// Interpret classifies resp and decodes a 200 body into out (which may be nil).
func Interpret(resp *Response, op string, out any) error {
	switch {
	case resp.Status == http.StatusOK:
		if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return &APIError{Kind: KindDecode, Op: op, Status: resp.Status, Message: err.Error()}
		}
		return nil
	case resp.Status == http.StatusBadRequest:
		return &APIError{Kind: KindBadQuery, Op: op, Status: resp.Status, Message: errorMessage(resp.Body)}
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return &APIError{Kind: KindAuth, Op: op, Status: resp.Status, Message: errorMessage(resp.Body)}
	default:
		return &APIError{Kind: KindOperation, Op: op, Status: resp.Status, Message: errorMessage(resp.Body)}
	}
}

func (c *Client) observe(ctx context.Context, method, endpoint string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("http.status_code", status),
	)
	c.requests.Add(ctx, 1, attrs)
	c.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// errorMessage extracts the tracker's error list, falling back to a
// truncated body.
func errorMessage(body []byte) string {
	var payload struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		msgs := append([]string{}, payload.ErrorMessages...)
		keys := make([]string, 0, len(payload.Errors))
		for k := range payload.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msgs = append(msgs, k+": "+payload.Errors[k])
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return "empty response body"
	}
	return text
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func normalizeEndpoint(ep string) string {
	return strings.Trim(strings.TrimSpace(ep), "/")
}

// Pause waits for d or until ctx is done.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
