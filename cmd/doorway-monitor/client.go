package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/doorway/internal/health"
	"github.com/zsiec/doorway/internal/registry"
	"github.com/zsiec/doorway/internal/server"
)

// snapshot is one poll of the service.
type snapshot struct {
	Health      health.Response
	Accessories []server.AccessoryStatus
	Sessions    []registry.Session
	FetchedAt   time.Time
}

type apiClient struct {
	base string
	http *http.Client
}

type clientOptions struct {
	HTTP3    bool // talk to the QUIC listener instead of HTTP/1.1
	Insecure bool // skip certificate verification for HTTP/3
}

func newAPIClient(base string, timeout time.Duration, opts clientOptions) *apiClient {
	c := &http.Client{Timeout: timeout}
	if opts.HTTP3 {
		c.Transport = &http3.RoundTripper{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.Insecure},
		}
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: c,
	}
}

// close releases the QUIC connections of an HTTP/3 client.
func (c *apiClient) close() {
	if rt, ok := c.http.Transport.(*http3.RoundTripper); ok {
		_ = rt.Close()
	}
}

func (c *apiClient) poll(ctx context.Context) (snapshot, error) {
	var s snapshot

	// /health answers 503 with a body when a checker is down.
	if err := c.get(ctx, "/health", &s.Health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return s, err
	}
	if err := c.get(ctx, "/api/v1/accessories", &s.Accessories, http.StatusOK); err != nil {
		return s, err
	}
	if err := c.get(ctx, "/api/v1/sessions", &s.Sessions, http.StatusOK); err != nil {
		return s, err
	}

	s.FetchedAt = time.Now()
	return s, nil
}

func (c *apiClient) get(ctx context.Context, path string, into interface{}, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}
