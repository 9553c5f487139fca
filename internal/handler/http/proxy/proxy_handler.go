package proxy

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/forwarder"
	"github.com/zep-us/impxy/internal/header"
	"github.com/zep-us/impxy/pkg/logger"
)

// ProxyHandler forwards inbound requests to the upstream through the impersonating forwarder
type ProxyHandler struct {
	upstreamURL  string
	targetHeader string
	forwarder    forwarder.Forwarder
}

// NewProxyHandler creates a new ProxyHandler
// upstreamURL: base URL requests are forwarded to (e.g., "https://api.example.com")
// targetHeader: request header naming a per-request impersonation target; stripped before forwarding
// fwd: forwarder performing the outbound transfers
func NewProxyHandler(upstreamURL string, targetHeader string, fwd forwarder.Forwarder) *ProxyHandler {
	return &ProxyHandler{
		upstreamURL:  strings.TrimRight(upstreamURL, "/"),
		targetHeader: targetHeader,
		forwarder:    fwd,
	}
}

// HandleForward forwards any method and path to the upstream and streams the response back
func (h *ProxyHandler) HandleForward(c echo.Context) error {
	in := c.Request()

	req := &forwarder.Request{
		Method: in.Method,
		URL:    h.upstreamURL + in.URL.RequestURI(),
		Header: h.outboundHeaders(in.Header),
	}
	if h.targetHeader != "" {
		req.Target = strings.TrimSpace(in.Header.Get(h.targetHeader))
	}
	if in.Body != nil && in.Body != http.NoBody && in.ContentLength != 0 {
		// The engine may still pull the body after an early error return
		body := &requestBody{r: in.Body}
		defer body.detach()
		req.BodySource = func() (io.ReadCloser, error) { return body, nil }
		req.BodyLength = in.ContentLength
	}

	resp, err := h.forwarder.Stream(in.Context(), req)
	if err != nil {
		status := StatusFor(err)
		logger.Warn("Forward %s %s failed (%d): %v", req.Method, in.URL.Path, status, err)
		return c.JSON(status, echo.Map{
			"error":   string(errors.CodeOf(err)),
			"message": err.Error(),
		})
	}
	defer resp.Body.Close()

	// Only an impersonated transfer asks the engine to decode the body
	copyResponseHeaders(c.Response().Header(), resp.Header, resp.Target != "")
	c.Response().WriteHeader(resp.Status)

	if _, err := io.Copy(flushWriter{c.Response()}, resp.Body); err != nil {
		// Status is already sent; the client sees a truncated body
		logger.Warn("Forward %s %s: body interrupted after %d bytes: %v", req.Method, in.URL.Path, c.Response().Size, err)
	}
	return nil
}

// outboundHeaders copies inbound headers in a stable order, dropping hop-by-hop
// headers, Host, Content-Length, Accept-Encoding and the target selector.
// Accept-Encoding belongs to the impersonation profile, which also makes the
// engine decode the body.
func (h *ProxyHandler) outboundHeaders(in http.Header) []header.Field {
	names := make([]string, 0, len(in))
	for k := range in {
		names = append(names, k)
	}
	sort.Strings(names)

	var fields []header.Field
	for _, k := range names {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") ||
			strings.EqualFold(k, "Accept-Encoding") || isHopByHop(k) {
			continue
		}
		if h.targetHeader != "" && strings.EqualFold(k, h.targetHeader) {
			continue
		}
		for _, v := range in[k] {
			fields = append(fields, header.Field{Name: k, Value: v})
		}
	}
	return fields
}

// copyResponseHeaders copies upstream headers, skipping problematic ones
// decoded: the engine decoded the body, so Content-Encoding no longer applies
func copyResponseHeaders(dst http.Header, fields []header.Field, decoded bool) {
	for _, f := range fields {
		lowerKey := strings.ToLower(f.Name)
		switch {
		case strings.HasPrefix(lowerKey, "access-control-"): // CORS headers (Echo handles these)
			continue
		case lowerKey == "vary": // Can conflict with CORS Vary header
			continue
		case lowerKey == "content-length": // Body is streamed
			continue
		case lowerKey == "content-encoding" && decoded:
			continue
		case isHopByHop(lowerKey):
			continue
		}
		dst.Add(f.Name, f.Value)
	}
}

// isHopByHop detects hop-by-hop headers that must not be forwarded per RFC 7230
func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailer", "transfer-encoding", "upgrade", "proxy-connection":
		return true
	default:
		return false
	}
}

// StatusFor maps a forwarding error to the status returned to the client
func StatusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeUnsupportedTarget, errors.CodeInvalidRequest:
		return http.StatusBadRequest
	case errors.CodeCancelled:
		return http.StatusGatewayTimeout
	case errors.CodeDisposed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

var errRequestFinished = errors.New(errors.CodeCancelled, "inbound request already finished")

// requestBody hands the inbound body to the engine until the handler returns.
// Reads hold the lock, so once detach returns no read touches the body.
type requestBody struct {
	mu       sync.Mutex
	r        io.Reader
	detached bool
}

func (b *requestBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return 0, errRequestFinished
	}
	return b.r.Read(p)
}

// Close is a no-op; net/http owns the inbound body.
func (b *requestBody) Close() error { return nil }

func (b *requestBody) detach() {
	b.mu.Lock()
	b.detached = true
	b.mu.Unlock()
}

type flushWriter struct {
	r *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.r.Write(p)
	if err == nil {
		w.r.Flush()
	}
	return n, err
}
