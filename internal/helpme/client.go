// Package helpme is the gateway to the HelpMe chatbot backend. Every call
// is a single attempt; failures come back as *Error.
package helpme

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxResponseBytes = 4 << 20

// Recorder receives per-call timings. A nil Recorder is allowed.
type Recorder interface {
	ObserveBackendCall(endpoint, outcome string, elapsed time.Duration)
}

// Options configures a Client.
type Options struct {
	APIURL       string
	APIKey       string
	Timeout      time.Duration
	HeavyTimeout time.Duration
	HTTPClient   *http.Client
	Recorder     Recorder
}

// Client talks to the HelpMe REST API.
type Client struct {
	baseURL      string
	apiKey       string
	timeout      time.Duration
	heavyTimeout time.Duration
	http         *http.Client
	recorder     Recorder
	now          func() time.Time
	newKey       func() string
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIURL) == "" {
		return nil, errors.New("helpme: api url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HeavyTimeout <= 0 {
		opts.HeavyTimeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.APIURL), "/"),
		apiKey:       opts.APIKey,
		timeout:      opts.Timeout,
		heavyTimeout: opts.HeavyTimeout,
		http:         hc,
		recorder:     opts.Recorder,
		now:          time.Now,
		newKey:       uuid.NewString,
	}, nil
}

// Form is a multipart request body with at most one file part.
type Form struct {
	Fields      map[string]string
	FileField   string
	FileName    string
	ContentType string
	Data        []byte
}

// CallRequest describes one backend call.
type CallRequest struct {
	Method string
	Path   string
	// Endpoint labels the call in metrics and logs. Defaults to Path.
	Endpoint string
	// Token is the per-user chat token. Empty means service-key only.
	Token string
	// Body is JSON-encoded when set. Ignored when Form is set.
	Body    any
	Form    *Form
	Timeout time.Duration
}

// Call performs one request and decodes a 2xx JSON body into out (if non-nil).
func (c *Client) Call(ctx context.Context, req CallRequest, out any) error {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Path
	}
	start := c.now()
	err := c.do(ctx, req, out)
	c.observe(endpoint, err, c.now().Sub(start))
	if err != nil {
		slog.Debug("Backend call failed", "endpoint", endpoint, "method", req.Method, "error", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, req CallRequest, out any) error {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := encodeBody(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+"/"+strings.TrimLeft(req.Path, "/"), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("HMS-API-KEY", c.apiKey)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
		httpReq.Header.Set("HMS-API-TOKEN", req.Token)
	}
	if req.Method == http.MethodPost {
		httpReq.Header.Set("Idempotency-Key", c.newKey())
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		msg := "could not reach HelpMe"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("HelpMe did not answer within %s", timeout)
		}
		return &Error{Kind: KindUnavailable, Message: msg, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindUnavailable, Status: resp.StatusCode, Message: "reading response failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(resp.StatusCode, raw, resp.Header, c.now())
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindUnavailable, Status: resp.StatusCode, Message: "unexpected response shape", Err: err}
	}
	return nil
}

func encodeBody(req CallRequest) (io.Reader, string, error) {
	if req.Form != nil {
		return encodeForm(req.Form)
	}
	if req.Body == nil {
		return nil, "", nil
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return bytes.NewReader(payload), "application/json", nil
}

func encodeForm(f *Form) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range f.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if f.FileField != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.FileField, f.FileName))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("write file part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) observe(endpoint string, err error, elapsed time.Duration) {
	if c.recorder == nil {
		return
	}
	outcome := "ok"
	var he *Error
	if errors.As(err, &he) {
		outcome = he.Kind.String()
	} else if err != nil {
		outcome = "error"
	}
	c.recorder.ObserveBackendCall(endpoint, outcome, elapsed)
}
