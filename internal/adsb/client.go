package adsb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/yegors/zonewatch/pkg/logger"
)

// Client fetches aircraft.json snapshots from a local readsb or dump1090 web
// endpoint
type Client struct {
	httpClient *http.Client
	url        string
	logger     *logger.Logger
}

// NewClient creates a new snapshot client
func NewClient(url string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		url:    url,
		logger: log.Named("adsb-cli"),
	}
}

// URL returns the endpoint the client polls
func (c *Client) URL() string {
	return c.url
}

// Snapshot is one aircraft.json document. Aircraft are kept raw so they can be
// handed to the line decoder unchanged.
type Snapshot struct {
	Now      float64           `json:"now"`
	Messages int               `json:"messages"`
	Aircraft []json.RawMessage `json:"aircraft"`
}

// FetchData fetches the current snapshot
func (c *Client) FetchData(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var data Snapshot
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	c.logger.Debug("Fetched aircraft snapshot",
		logger.Int("aircraft_count", len(data.Aircraft)),
		logger.Int("message_count", data.Messages),
		logger.Float64("now", data.Now))

	return &data, nil
}

// WriteLines writes one feed line per aircraft. Each line is stamped with the
// snapshot time less the age of its position (seen_pos); a "now" already on
// the record takes precedence. Entries that are not JSON objects are skipped.
func (s *Snapshot) WriteLines(w io.Writer) (int, error) {
	var buf bytes.Buffer
	n := 0
	for _, raw := range s.Aircraft {
		raw = bytes.TrimSpace(raw)
		if len(raw) < 2 || raw[0] != '{' {
			continue
		}

		var age struct {
			SeenPos FlexibleField `json:"seen_pos"`
		}
		json.Unmarshal(raw, &age)
		now := s.Now - age.SeenPos.Float64()

		buf.Reset()
		if s.Now > 0 {
			buf.WriteString(`{"now":`)
			buf.WriteString(strconv.FormatFloat(now, 'f', 3, 64))
			if len(bytes.TrimSpace(raw[1:len(raw)-1])) > 0 {
				buf.WriteByte(',')
			}
			buf.Write(raw[1:])
		} else {
			buf.Write(raw)
		}
		buf.WriteByte('\n')

		if _, err := w.Write(buf.Bytes()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
