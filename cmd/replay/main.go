// Command replay serves a recorded position trace over TCP, paced by the
// trace's own timestamps, so zonewatch can be exercised offline.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/pkg/logger"
)

const maxLineSize = 1 << 20

func main() {
	listen := flag.String("listen", "127.0.0.1:30047", "Address to serve the trace on")
	speed := flag.Float64("speed", 1, "Playback speed multiple (0 for as fast as possible)")
	repeat := flag.Bool("loop", false, "Restart the trace when it ends")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] trace.json[.gz]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *speed < 0 {
		fmt.Fprintln(os.Stderr, "Error: -speed must not be negative")
		os.Exit(2)
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &server{path: flag.Arg(0), speed: *speed, repeat: *repeat, logger: log.Named("replay")}
	if err := s.listenAndServe(ctx, *listen); err != nil {
		log.Error("Replay failed", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

type server struct {
	path   string
	speed  float64
	repeat bool
	logger *logger.Logger
}

// listenAndServe accepts one client at a time and plays the trace to it from
// the beginning
func (s *server) listenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("Serving trace",
		logger.String("addr", ln.Addr().String()),
		logger.String("trace", s.path),
		logger.Float64("speed", s.speed))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}

		s.logger.Info("Client connected", logger.String("remote_addr", conn.RemoteAddr().String()))
		err = s.serve(ctx, conn)
		conn.Close()
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("Client session ended", logger.Error(err))
		}
	}
}

func (s *server) serve(ctx context.Context, conn net.Conn) error {
	closeOnCancel := context.AfterFunc(ctx, func() { conn.Close() })
	defer closeOnCancel()

	for {
		stats, err := s.playFile(ctx, conn)
		s.logger.Info("Trace played",
			logger.Int("records", stats.records),
			logger.Int("ticks", stats.ticks))
		if err != nil || !s.repeat || ctx.Err() != nil {
			return err
		}
	}
}

func (s *server) playFile(ctx context.Context, w io.Writer) (playStats, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return playStats{}, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(s.path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return playStats{}, fmt.Errorf("failed to open gzip trace: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	p := &player{speed: s.speed, sleep: sleepCtx}
	return p.play(ctx, r, w)
}

type playStats struct {
	records int
	ticks   int
}

// player copies trace lines to w, sleeping between them so that trace time
// advances at speed times wall time. Whole idle seconds between records are
// filled with no-flight ticks carrying only a timestamp.
type player struct {
	speed float64
	sleep func(ctx context.Context, d time.Duration) bool

	base      float64
	wallStart time.Time
	last      float64
}

func (p *player) play(ctx context.Context, r io.Reader, w io.Writer) (playStats, error) {
	var stats playStats
	bw := bufio.NewWriter(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		now := recordTime(line)
		if now > 0 {
			if p.wallStart.IsZero() {
				p.base, p.last, p.wallStart = now, now, time.Now()
			}
			for _, k := range idleSeconds(p.last, now) {
				if err := p.waitFor(ctx, bw, float64(k)); err != nil {
					return stats, err
				}
				fmt.Fprintf(bw, "{\"flight\":%q,\"now\":%d}\n", adsb.NoFlight, k)
				stats.ticks++
			}
			if err := p.waitFor(ctx, bw, now); err != nil {
				return stats, err
			}
			if now > p.last {
				p.last = now
			}
		}

		bw.Write(line)
		bw.WriteByte('\n')
		stats.records++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read trace: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("failed to write: %w", err)
	}
	return stats, nil
}

// waitFor flushes pending output and sleeps until trace time t is due
func (p *player) waitFor(ctx context.Context, bw *bufio.Writer, t float64) error {
	if p.speed == 0 {
		return nil
	}
	due := p.wallStart.Add(time.Duration((t - p.base) / p.speed * float64(time.Second)))
	d := time.Until(due)
	if d <= 0 {
		return nil
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	if !p.sleep(ctx, d) {
		return ctx.Err()
	}
	return nil
}

// recordTime returns the record's "now" timestamp, or 0 when it has none
func recordTime(line []byte) float64 {
	var rec adsb.FeedRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0
	}
	return rec.Now.Float64()
}

// idleSeconds returns the whole seconds at least one second after prev and
// before next
func idleSeconds(prev, next float64) []int64 {
	var out []int64
	for k := math.Ceil(prev + 1); k < next; k++ {
		out = append(out, int64(k))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
