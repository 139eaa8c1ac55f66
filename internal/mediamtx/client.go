// Package mediamtx queries the MediaMTX control API to discover which
// stream paths exist and which are live.
package mediamtx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Path describes one stream path known to the media server. Source fields
// are empty for configured paths with no publisher attached.
type Path struct {
	Name          string
	Ready         bool
	SourceType    string
	SourceID      string
	BytesReceived int64
	BytesSent     int64
}

// Client talks to the MediaMTX v3 control API.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a client for the API at baseURL, such as
// http://mediamtx:9997.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 5 * time.Second},
	}
}

// ListPaths fetches every path the media server knows about.
func (c *Client) ListPaths(ctx context.Context) ([]Path, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v3/paths/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paths list returned status %d", resp.StatusCode)
	}

	var payload struct {
		Items []struct {
			Name   string `json:"name"`
			Ready  bool   `json:"ready"`
			Source *struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			} `json:"source"`
			BytesReceived int64 `json:"bytesReceived"`
			BytesSent     int64 `json:"bytesSent"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode paths list: %w", err)
	}

	paths := make([]Path, 0, len(payload.Items))
	for _, item := range payload.Items {
		p := Path{
			Name:          item.Name,
			Ready:         item.Ready,
			BytesReceived: item.BytesReceived,
			BytesSent:     item.BytesSent,
		}
		if item.Source != nil {
			p.SourceType = item.Source.Type
			p.SourceID = item.Source.ID
		}
		paths = append(paths, p)
	}
	return paths, nil
}
