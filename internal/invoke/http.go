package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// HTTPConfig configures outbound HTTP calls.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
	return c
}

// --- HTTPInvoker ---

// invokeResponse is the body returned by the function service.
type invokeResponse struct {
	RequestID  string          `json:"request_id"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// HTTPInvoker calls a remote function service:
// POST {base}/api/v1/functions/{id}/invoke with the payload as body.
type HTTPInvoker struct {
	baseURL string
	config  HTTPConfig
	client  *http.Client
}

// NewHTTPInvoker creates an invoker for the service at baseURL.
func NewHTTPInvoker(baseURL string, cfg HTTPConfig) (*HTTPInvoker, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid invoke base url %q", baseURL)
	}
	return &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  cfg.withDefaults(),
		client:  &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}, nil
}

// Invoke posts the payload and maps the service response. A transport
// failure, a non-2xx gateway status, a function status_code >= 400 or a
// non-empty error all fail with INVOCATION_ERROR. When the function body is
// an object carrying an "error" string, that string is the error kind.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.config.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	endpoint := fmt.Sprintf("%s/api/v1/functions/%s/invoke", h.baseURL, url.PathEscape(req.FunctionID))
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "function %q: build request", req.FunctionID).
			WithKind(schema.KindTaskFailed).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ExecutionID != "" {
		httpReq.Header.Set("X-Execution-ID", req.ExecutionID)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, asInvocationError(reqCtx, req.FunctionID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, asInvocationError(reqCtx, req.FunctionID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "function %q: service returned %d", req.FunctionID, resp.StatusCode).
			WithKind(schema.KindTaskFailed).
			WithDetails(map[string]any{"http_status": resp.StatusCode, "body": string(raw)})
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "function %q: malformed response", req.FunctionID).
			WithKind(schema.KindTaskFailed).WithCause(err)
	}
	if out.Error != "" || out.StatusCode >= 400 {
		return nil, remoteFailure(req.FunctionID, out)
	}

	duration := time.Duration(out.DurationMs) * time.Millisecond
	if duration == 0 {
		duration = time.Since(start)
	}
	return &Result{Output: out.Body, InvocationID: out.RequestID, Duration: duration}, nil
}

func remoteFailure(functionID string, out invokeResponse) *schema.FlowError {
	kind := schema.KindTaskFailed
	var body struct {
		Error string `json:"error"`
		Cause string `json:"cause"`
	}
	if json.Unmarshal(out.Body, &body) == nil && body.Error != "" {
		kind = body.Error
	}
	msg := out.Error
	if msg == "" {
		msg = body.Cause
	}
	if msg == "" {
		msg = fmt.Sprintf("function returned status %d", out.StatusCode)
	}
	return schema.NewErrorf(schema.ErrCodeInvocation, "function %q: %s", functionID, msg).
		WithKind(kind).
		WithDetails(map[string]any{"invocation_id": out.RequestID, "status_code": out.StatusCode})
}

var _ Invoker = (*HTTPInvoker)(nil)

// --- http.request builtin ---

// Kinds reported by http.request when fail_on_error_status is set.
const (
	KindHTTPClientError = "HTTP.ClientError"
	KindHTTPServerError = "HTTP.ServerError"
)

type httpRequestFunction struct {
	config HTTPConfig
}

func newHTTPRequestFunction(cfg HTTPConfig) *httpRequestFunction {
	return &httpRequestFunction{config: cfg.withDefaults()}
}

func (f *httpRequestFunction) Name() string { return "http.request" }

func (f *httpRequestFunction) Description() string {
	return "Execute an HTTP request with method, headers, JSON body and timeout"
}

func (f *httpRequestFunction) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	params, err := decodeParams("http.request", payload)
	if err != nil {
		return nil, err
	}

	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, Failure(schema.KindTaskFailed, fmt.Sprintf("http.request: invalid url %q", rawURL))
	}
	method := strings.ToUpper(stringParam(params, "method", "GET"))
	failOnErrorStatus := boolParam(params, "fail_on_error_status", false)

	timeout := f.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, Failure(schema.KindTaskFailed, "http.request: failed to marshal body as JSON")
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, Failure(schema.KindTaskFailed, "http.request: failed to create request: "+err.Error())
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	client := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, asInvocationError(reqCtx, f.Name(), err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseBody))
	if err != nil {
		return nil, Failure(schema.KindTaskFailed, "http.request: failed to read response body")
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		if strings.Contains(respContentType, "application/json") {
			var jsonBody any
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			}
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		kind := KindHTTPClientError
		if resp.StatusCode >= 500 {
			kind = KindHTTPServerError
		}
		return nil, Failure(kind, fmt.Sprintf("http.request: server returned %d", resp.StatusCode)).
			WithDetails(result)
	}
	return marshalOutput("http.request", result)
}
