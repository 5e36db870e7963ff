package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yegors/zonewatch/internal/dispatch"
	"github.com/yegors/zonewatch/internal/proximity"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/pkg/logger"
)

// Config holds the Slack notifier settings
type Config struct {
	WebhookURL      string
	Keywords        []string
	ProximityAlerts bool
	Timeout         time.Duration
}

// Slack posts zone changes and proximity alerts to an incoming webhook.
// Zone change posts are submitted to the executor; proximity alerts are
// posted from the tracker's own worker job.
type Slack struct {
	tracking.NopHooks

	cfg        Config
	httpClient *http.Client
	exec       dispatch.Executor
	logger     *logger.Logger
}

// NewSlack creates a notifier
func NewSlack(cfg Config, exec dispatch.Executor, log *logger.Logger) *Slack {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if exec == nil {
		exec = dispatch.Inline{}
	}
	return &Slack{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		exec:       exec,
		logger:     log.Named("slack"),
	}
}

// Post sends a plain text message
func (s *Slack) Post(ctx context.Context, text string) error {
	jsonData, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack webhook returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Matches reports whether a zone change description contains any keyword
func (s *Slack) Matches(description string) bool {
	for _, k := range s.cfg.Keywords {
		if k != "" && strings.Contains(description, k) {
			return true
		}
	}
	return false
}

func (s *Slack) ZoneChanged(t *tracking.Track, c tracking.ZoneChange) {
	if !s.Matches(c.Description) {
		return
	}

	text := c.Description
	s.logger.Info("Sending zone change notification", logger.String("text", text))
	s.exec.Submit("slack-zone", func(ctx context.Context) {
		if err := s.Post(ctx, text); err != nil {
			s.logger.Error("Failed to send zone change notification",
				logger.String("flight", t.Flight()),
				logger.Error(err))
		}
	})
}

// ProximityCreated posts an alert for a new close-proximity event. It never
// supplies a handle.
func (s *Slack) ProximityCreated(ctx context.Context, e proximity.Event) (string, error) {
	if !s.cfg.ProximityAlerts {
		return "", nil
	}
	if err := s.Post(ctx, ProximityText(e)); err != nil {
		return "", err
	}
	return "", nil
}

func (s *Slack) ProximityUpdated(proximity.Event) {}

func (s *Slack) ProximityFinalized(context.Context, proximity.Event) error { return nil }

// ProximityText formats an alert for a close-proximity event
func ProximityText(e proximity.Event) string {
	return fmt.Sprintf("Close proximity: %s and %s, %.2f NM lateral, %d ft vertical at %s",
		label(e.A), label(e.B), e.LateralNM, e.AltFt, e.Created.UTC().Format("15:04:05Z"))
}

func label(v tracking.TrackView) string {
	if v.Tail != "" && v.Tail != v.Flight {
		return v.Flight + " (" + v.Tail + ")"
	}
	return v.Flight
}
