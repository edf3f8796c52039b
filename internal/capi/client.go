// Package capi is a thin, stateless client for the conversion-events endpoint.
// It never retries; retry policy belongs to the delivery worker.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 64 << 10

// Config selects the provider endpoint.
type Config struct {
	BaseURL    string        // e.g. https://graph.facebook.com
	APIVersion string        // e.g. v21.0
	Timeout    time.Duration // per request
}

// Client posts events to {base}/{version}/{destination}/events.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

// NewClient returns a Client using an otel-instrumented transport.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return NewClientWithHTTP(cfg, &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
}

// NewClientWithHTTP lets callers supply the underlying *http.Client.
func NewClientWithHTTP(cfg Config, hc *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: strings.Trim(cfg.APIVersion, "/"),
		httpClient: hc,
	}
}

// EventsURL is the endpoint for a destination, without the credential.
func (c *Client) EventsURL(destinationID string) string {
	return fmt.Sprintf("%s/%s/%s/events", c.baseURL, c.apiVersion, url.PathEscape(destinationID))
}

// SendEvents delivers events to destinationID in a single request.
func (c *Client) SendEvents(ctx context.Context, destinationID string, cred Credential, events []Event) (SendResult, error) {
	if destinationID == "" {
		return SendResult{}, &APIError{Err: errors.New("destination id is required")}
	}
	if cred.AccessToken == "" {
		return SendResult{}, &APIError{Err: errors.New("access token is required")}
	}

	body, err := json.Marshal(requestBody{Data: events, TestEventCode: cred.TestEventCode})
	if err != nil {
		return SendResult{}, &APIError{Err: fmt.Errorf("marshal events: %w", err)}
	}

	q := url.Values{}
	q.Set("access_token", cred.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.EventsURL(destinationID)+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return SendResult{}, &APIError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, &APIError{Err: redact(err, cred.AccessToken)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, parseError(resp.StatusCode, raw)
	}

	var out SendResult
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			// Accepted by status; an unreadable body is not a delivery failure.
			out = SendResult{EventsReceived: len(events)}
		}
	}
	return out, nil
}

func parseError(status int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Error.Message != "" {
		apiErr.Message = eb.Error.Message
		apiErr.Type = eb.Error.Type
		apiErr.TraceID = eb.Error.TraceID
		apiErr.Code = strings.Trim(string(eb.Error.Code), `"`)
	} else if s := strings.TrimSpace(string(raw)); s != "" {
		if len(s) > 512 {
			s = s[:512]
		}
		apiErr.Message = s
	}
	return apiErr
}

// redact keeps the access token out of url.Error messages.
func redact(err error, token string) error {
	if token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(msg, token, "REDACTED"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
