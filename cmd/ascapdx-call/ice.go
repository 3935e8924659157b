package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/config"
)

const iceFetchTimeout = 5 * time.Second

var errICEStatus = errors.New("ice servers: unexpected response status")

type iceResponse struct {
	ICEServers json.RawMessage `json:"iceServers"`
}

// fetchICEServers asks the relay at origin for the ICE servers it hands to
// clients, including any TURN credentials it mints.
func fetchICEServers(ctx context.Context, origin, token string) ([]webrtc.ICEServer, error) {
	rc := resty.New().
		SetBaseURL(origin).
		SetTimeout(iceFetchTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		rc.SetAuthToken(token)
	}

	var body iceResponse
	resp, err := rc.R().SetContext(ctx).SetResult(&body).Get("/webrtc/ice")
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s", errICEStatus, resp.Status())
	}
	if len(body.ICEServers) == 0 {
		return nil, nil
	}
	return config.ParseICEServersJSON(string(body.ICEServers))
}
