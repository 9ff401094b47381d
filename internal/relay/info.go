package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const infoContentType = "application/nostr+json"

// Info is the NIP-11 relay information document.
type Info struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	PubKey        string `json:"pubkey,omitempty"`
	Contact       string `json:"contact,omitempty"`
	SupportedNIPs []int  `json:"supported_nips,omitempty"`
	Software      string `json:"software,omitempty"`
	Version       string `json:"version,omitempty"`
}

func (i Info) Supports(nip int) bool {
	for _, n := range i.SupportedNIPs {
		if n == nip {
			return true
		}
	}
	return false
}

// InfoClient fetches NIP-11 documents over HTTP.
type InfoClient struct {
	http           *fasthttp.Client
	defaultTimeout time.Duration
	retryMax       int
}

type InfoOption func(*InfoClient)

func WithInfoTimeout(d time.Duration) InfoOption {
	return func(c *InfoClient) { c.defaultTimeout = d }
}

func WithInfoRetry(max int) InfoOption {
	return func(c *InfoClient) { c.retryMax = max }
}

func NewInfoClient(opts ...InfoOption) *InfoClient {
	c := &InfoClient{
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPURL maps a relay websocket URL to its information document URL.
func HTTPURL(relayURL string) string {
	u := strings.TrimSpace(relayURL)
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

func (c *InfoClient) Fetch(ctx context.Context, relayURL string) (*Info, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(HTTPURL(relayURL))
	req.Header.Set("Accept", infoContentType)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				var info Info
				if err := json.Unmarshal(resp.Body(), &info); err != nil {
					return nil, fmt.Errorf("decode relay info: %w", err)
				}
				return &info, nil
			}
			err = fmt.Errorf("relay info: status=%d body=%s", status, truncate(resp.Body(), 256))
			if !shouldRetryStatus(status) {
				return nil, err
			}
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("relay info: unknown error")
	}
	return nil, lastErr
}

func (c *InfoClient) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	}
	return false
}
