// Package zai implements the upstream HTTP client for the optional z.ai
// Anthropic-compatible provider. It mirrors internal/cloudcode's client
// shape (one http.Client per profile, SSE vs. unary response handling) but
// targets z.ai's endpoint and applies the z.ai-specific request/response
// shaping in internal/format/zai.go.
package zai

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Client forwards already-Anthropic-shaped JSON bodies to z.ai.
type Client struct {
	cfg config.ZaiConfig
}

// NewClient creates a z.ai upstream client bound to the given configuration
// snapshot.
func NewClient(cfg config.ZaiConfig) *Client {
	return &Client{cfg: cfg}
}

// buildHTTPClient creates a client with TCP_NODELAY enabled on its dialed
// connections and the configured upstream proxy, if any.
func buildHTTPClient(proxyCfg config.UpstreamProxyConfig, timeoutSecs int64) (*http.Client, error) {
	if timeoutSecs < 5 {
		timeoutSecs = 5
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	if proxyCfg.Enabled && proxyCfg.URL != "" {
		proxyURL, err := url.Parse(proxyCfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   time.Duration(timeoutSecs) * time.Second,
		Transport: transport,
	}, nil
}

// UpstreamResponse is the result of forwarding a request to z.ai: the raw
// status, headers, and a body reader that's already been shaped when it's
// SSE (see RewriteBody).
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	IsSSE      bool
	Body       io.ReadCloser
}

// ForwardAnthropicJSON sanitizes body for z.ai, maps the model, deep-removes
// cache_control, mirrors the client's auth scheme, and forwards it to z.ai's
// endpoint at path. The caller is responsible for closing the returned
// response's Body.
func (c *Client) ForwardAnthropicJSON(ctx context.Context, method, path string, incomingHeaders http.Header, body []byte, requestTimeoutSecs int64, proxyCfg config.UpstreamProxyConfig) (*UpstreamResponse, error) {
	if !c.cfg.Enabled || c.cfg.DispatchMode == config.ZaiDispatchOff {
		return nil, fmt.Errorf("z.ai is disabled")
	}
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("z.ai api_key is not set")
	}

	body = format.SanitizeBodyForZai(body)
	if model := gjson.GetBytes(body, "model").String(); model != "" {
		mapped := format.MapModelForZai(model, c.cfg)
		if updated, err := sjson.SetBytes(body, "model", mapped); err == nil {
			body = updated
		}
	}
	body = format.DeepRemoveCacheControl(body)

	target := format.JoinZaiURL(c.cfg.BaseURL, path)

	httpClient, err := buildHTTPClient(proxyCfg, requestTimeoutSecs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header = format.CopyPassthroughHeaders(incomingHeaders)
	format.SetZaiAuth(req.Header, incomingHeaders, c.cfg.APIKey)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.ContentLength = int64(len(body))

	utils.Debug("[z.ai] Forwarding request to z.ai (len: %d bytes): %s", len(body), target)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	isSSE := bytesContainsSSEContentType(resp.Header.Get("Content-Type"))

	out := &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		IsSSE:      isSSE,
		Body:       resp.Body,
	}

	if isSSE {
		out.Body = newSSERewriter(resp.Body)
	}

	return out, nil
}

func bytesContainsSSEContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

// sseRewriter wraps an upstream SSE body, rewriting each line through
// format.RewriteZaiSSELine as it's read.
type sseRewriter struct {
	upstream     io.ReadCloser
	scanner      *bufio.Reader
	currentEvent string
	pending      *bytes.Reader
}

func newSSERewriter(upstream io.ReadCloser) *sseRewriter {
	return &sseRewriter{
		upstream: upstream,
		scanner:  bufio.NewReader(upstream),
	}
}

func (r *sseRewriter) Read(p []byte) (int, error) {
	for {
		if r.pending != nil {
			n, err := r.pending.Read(p)
			if err == io.EOF {
				r.pending = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		line, err := r.scanner.ReadString('\n')
		if line != "" {
			rewritten := format.RewriteZaiSSELine(line, &r.currentEvent)
			r.pending = bytes.NewReader([]byte(rewritten))
		}
		if err != nil {
			if line == "" {
				return 0, err
			}
		}
	}
}

func (r *sseRewriter) Close() error {
	return r.upstream.Close()
}
