// Command streamcheck follows the audit event stream with one or more
// subscribers, resuming from the last seen index after a dropped connection,
// and reports per kind counts and index gaps.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type stats struct {
	connects   atomic.Int64
	reconnects atomic.Int64
	gaps       atomic.Int64

	mu     sync.Mutex
	byKind map[string]int64
}

func (s *stats) count(kind string) {
	s.mu.Lock()
	s.byKind[kind]++
	s.mu.Unlock()
}

func (s *stats) kinds() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.byKind))
	for k := range s.byKind {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.byKind[k]))
	}
	return strings.Join(parts, " ")
}

func main() {
	var (
		url      string
		subs     int
		duration time.Duration
		from     uint64
	)
	flag.StringVar(&url, "url", "http://localhost:8080/events/stream", "audit event stream endpoint")
	flag.IntVar(&subs, "subs", 1, "number of concurrent subscribers")
	flag.DurationVar(&duration, "dur", 0, "how long to follow the stream, 0 until interrupted")
	flag.Uint64Var(&from, "from", 0, "start after this event index")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if subs <= 0 {
		logger.Fatal("subs must be positive", zap.Int("subs", subs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	client := &http.Client{Transport: &http.Transport{
		MaxIdleConnsPerHost: subs,
		DisableCompression:  true,
	}}
	st := &stats{byKind: make(map[string]int64)}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < subs; i++ {
		g.Go(func() error {
			follow(gctx, client, url, from, st, logger.With(zap.Int("sub", i)))
			return nil
		})
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	for {
		select {
		case <-ticker.C:
			logger.Info("progress",
				zap.Int64("connects", st.connects.Load()),
				zap.Int64("reconnects", st.reconnects.Load()),
				zap.Int64("gaps", st.gaps.Load()),
				zap.String("events", st.kinds()))
		case <-done:
			fmt.Printf("done: subs=%d connects=%d reconnects=%d gaps=%d elapsed=%s %s\n",
				subs, st.connects.Load(), st.reconnects.Load(), st.gaps.Load(),
				time.Since(start).Truncate(time.Millisecond), st.kinds())
			return
		}
	}
}

// follow reads the stream until ctx ends, reconnecting with Last-Event-ID.
func follow(ctx context.Context, client *http.Client, url string, last uint64, st *stats, logger *zap.Logger) {
	for attempt := 0; ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			st.reconnects.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}

		next, err := read(ctx, client, url, last, st)
		last = next
		if err != nil && ctx.Err() == nil {
			logger.Warn("stream dropped", zap.Uint64("last_index", last), zap.Error(err))
		}
	}
}

func read(ctx context.Context, client *http.Client, url string, last uint64, st *stats) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return last, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(last, 10))
	}

	resp, err := client.Do(req)
	if err != nil {
		return last, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return last, fmt.Errorf("unexpected status %s", resp.Status)
	}
	st.connects.Add(1)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			idx, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				continue
			}
			if last > 0 && idx != last+1 {
				st.gaps.Add(1)
			}
			last = idx
		case strings.HasPrefix(line, "event: "):
			st.count(strings.TrimPrefix(line, "event: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return last, err
	}
	return last, fmt.Errorf("stream closed by server")
}
