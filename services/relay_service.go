package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storystudio/logging"
)

var (
	ErrInvalidRelayURL = errors.New("invalid relay url")
	ErrHostNotAllowed  = errors.New("host not allowed")
	ErrUpstreamFailure = errors.New("upstream request failed")
)

// RelayResponse is an upstream body being streamed back to the caller
type RelayResponse struct {
	StatusCode    int
	ContentType   string
	ContentLength int64
	Body          io.ReadCloser
}

// RelayService fetches third-party media on behalf of the exporter so that it
// can be served same-origin
type RelayService struct {
	client  *http.Client
	allowed map[string]bool
	logger  *slog.Logger
}

// NewRelayService creates a relay. An empty allow list permits every host.
func NewRelayService(client *http.Client, allowedHosts []string, logger *slog.Logger) *RelayService {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	return &RelayService{
		client:  client,
		allowed: allowed,
		logger:  logging.WithComponent(logger, "relay"),
	}
}

// Validate parses a relay target and checks it against the allow list
func (s *RelayService) Validate(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidRelayURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRelayURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidRelayURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidRelayURL)
	}
	if len(s.allowed) > 0 && !s.allowed[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}
	return u, nil
}

// Open requests raw and returns the upstream response for streaming. The
// caller closes Body.
func (s *RelayService) Open(ctx context.Context, raw string) (*RelayResponse, error) {
	u, err := s.Validate(raw)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRelayURL, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("relay fetch failed", "url", logging.SanitizeURL(raw), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &RelayResponse{
		StatusCode:    resp.StatusCode,
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}
