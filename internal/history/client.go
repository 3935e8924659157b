package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	historyPath = "/calls/history"

	DefaultTimeout = 10 * time.Second
)

var ErrUnexpectedStatus = errors.New("history: unexpected response status")

type ClientConfig struct {
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token   string
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the backend's call history endpoints.
type Client struct {
	rc *resty.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("history: base url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client{rc: rc}, nil
}

// List fetches every record. The backend may answer with a bare array or
// with the array under "calls".
func (c *Client) List(ctx context.Context) ([]Record, error) {
	resp, err := c.rc.R().SetContext(ctx).Get(historyPath)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: GET %s: %s", ErrUnexpectedStatus, historyPath, resp.Status())
	}
	return decodeRecords(resp.Body())
}

// Clear deletes every record on the backend.
func (c *Client) Clear(ctx context.Context) error {
	resp, err := c.rc.R().SetContext(ctx).Delete(historyPath)
	if err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: DELETE %s: %s", ErrUnexpectedStatus, historyPath, resp.Status())
	}
	return nil
}

func decodeRecords(body []byte) ([]Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var records []Record
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("history: decode records: %w", err)
		}
		return records, nil
	}
	var envelope struct {
		Calls []Record `json:"calls"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("history: decode records: %w", err)
	}
	return envelope.Calls, nil
}
