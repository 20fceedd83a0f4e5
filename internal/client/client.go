package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	u "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tanmayb/downpour/utils"
)

// deadlineConn re-arms a read deadline before every Read so a stalled body
// read surfaces as a timeout error instead of hanging a chunk worker forever.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

const maxRedirects = 10

// Config carries the transport options shared by every request of one
// downloader instance.
type Config struct {
	Timeout   time.Duration
	ProxyURL  string
	UserAgent string
	Headers   map[string]string
}

// Client wraps a shared http.Client with default headers and a redirect cap.
// Per-task header overrides layer on top of the defaults at request time.
type Client struct {
	hc  *http.Client
	cfg Config
}

// HTTPStatusError is a terminal non-success response. 408 and 429 are the
// only 4xx codes treated as retryable.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d %s", e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

func New(cfg Config) (*Client, error) {
	log := utils.GetLogger("client")
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // for connection reuse across chunk workers
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ResponseHeaderTimeout: cfg.Timeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, timeout: cfg.Timeout}, nil
		},
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := u.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.ProxyURL, err)
		}
		switch proxyURL.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		log.Debug().Str("proxy", cfg.ProxyURL).Msg("Using proxy for connections")
	}
	return &Client{
		hc: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		cfg: cfg,
	}, nil
}

// NewRequest builds a request carrying the default headers with per-task
// overrides layered on top (overrides win on key collision).
func (c *Client) NewRequest(ctx context.Context, method, url string, overrides map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range overrides {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.hc.Do(req)
}

// Info is the result of probing a URL before planning chunks.
type Info struct {
	Size         int64
	RangeSupport bool
	ETag         string
	LastModified string
	FinalURL     string
}

// Probe issues a HEAD request, falling back to a one-byte ranged GET, to
// learn the content length and whether the server honours byte ranges. A
// server advertising neither yields Size 0 and RangeSupport false, which
// degrades the download to a single streaming chunk.
func (c *Client) Probe(ctx context.Context, url string, overrides map[string]string) (Info, error) {
	log := utils.GetLogger("probe")
	info, err := c.probeHead(ctx, url, overrides)
	if err == nil && (info.Size > 0 || info.RangeSupport) {
		return info, nil
	}
	if err != nil {
		if statusErr, ok := err.(*HTTPStatusError); ok && statusErr.Code != http.StatusMethodNotAllowed {
			return Info{}, err
		}
		log.Debug().Err(err).Msg("HEAD probe failed, falling back to ranged GET")
	}
	return c.probeRangedGet(ctx, url, overrides)
}

func (c *Client) probeHead(ctx context.Context, url string, overrides map[string]string) (Info, error) {
	req, err := c.NewRequest(ctx, http.MethodHead, url, overrides)
	if err != nil {
		return Info{}, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Info{}, &HTTPStatusError{Code: resp.StatusCode}
	}
	info := Info{
		RangeSupport: resp.Header.Get("Accept-Ranges") == "bytes",
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FinalURL:     resp.Request.URL.String(),
	}
	if resp.ContentLength > 0 {
		info.Size = resp.ContentLength
	}
	return info, nil
}

func (c *Client) probeRangedGet(ctx context.Context, url string, overrides map[string]string) (Info, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, url, overrides)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()
	info := Info{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FinalURL:     resp.Request.URL.String(),
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		info.RangeSupport = true
		info.Size = parseContentRangeTotal(resp.Header.Get("Content-Range"))
		return info, nil
	case http.StatusOK:
		// Full body despite the range header: single streaming chunk.
		if resp.ContentLength > 0 {
			info.Size = resp.ContentLength
		}
		return info, nil
	default:
		return Info{}, &HTTPStatusError{Code: resp.StatusCode}
	}
}

// parseContentRangeTotal extracts N from "bytes 0-0/N"; 0 when unknown.
func parseContentRangeTotal(header string) int64 {
	_, totalPart, found := strings.Cut(header, "/")
	if !found || totalPart == "*" {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}
