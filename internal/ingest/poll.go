package ingest

import (
	"context"
	"io"
	"time"

	"github.com/yegors/zonewatch/internal/adsb"
)

// PollSource turns periodic aircraft.json snapshots into a line stream. A
// failed fetch ends the stream with that error so the loop reconnects with
// its usual backoff.
type PollSource struct {
	Client   *adsb.Client
	Interval time.Duration
}

// NewPollSource creates a source polling client every interval
func NewPollSource(client *adsb.Client, interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollSource{Client: client, Interval: interval}
}

// Open fetches the first snapshot before returning, so an unreachable
// endpoint is reported the same way as a failed dial
func (s *PollSource) Open(ctx context.Context) (io.ReadCloser, error) {
	snap, err := s.Client.FetchData(ctx)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go s.pump(ctx, snap, pw)
	return pr, nil
}

func (s *PollSource) pump(ctx context.Context, snap *adsb.Snapshot, pw *io.PipeWriter) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	last := -1.0
	for {
		// an unchanged snapshot time means the receiver has nothing new
		if snap.Now == 0 || snap.Now != last {
			if _, err := snap.WriteLines(pw); err != nil {
				pw.CloseWithError(err)
				return
			}
			last = snap.Now
		}

		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return
		case <-ticker.C:
		}

		next, err := s.Client.FetchData(ctx)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		snap = next
	}
}

func (s *PollSource) String() string {
	return s.Client.URL()
}
