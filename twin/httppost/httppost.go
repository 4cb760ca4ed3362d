// Package httppost implements a twin reported-property sender that
// POSTs payloads to the transport glue over HTTP.
package httppost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
)

// HTTPPost sends reported-property payloads to a configured URL.
type HTTPPost struct {
	url    string
	apiKey string
	client *http.Client
}

type Option func(*HTTPPost)

// WithClient sets the HTTP client used for sends.
func WithClient(client *http.Client) Option {
	return func(p *HTTPPost) {
		p.client = client
	}
}

// New creates a new HTTP reported-property sender posting to url.
// The API key, if set, is sent as a bearer token.
func New(url, apiKey string, opts ...Option) (*HTTPPost, error) {
	if url == "" {
		return nil, errors.New("empty reported URL")
	}
	p := &HTTPPost{url: url, apiKey: apiKey, client: http.DefaultClient}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SendReported POSTs payload as JSON. A non-2xx response is an error.
func (p *HTTPPost) SendReported(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reported send status: %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}
