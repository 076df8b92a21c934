package topology

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LevelVerbose and LevelFatal extend slog's levels to the names accepted in
// configuration.
const (
	LevelVerbose = slog.LevelDebug - 4
	LevelFatal   = slog.LevelError + 4
)

// ParseLevel maps a configured level name to a slog level. Unknown or empty
// names fall back to Error.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "verbose":
		return LevelVerbose
	case "debug":
		return slog.LevelDebug
	case "information", "info":
		return slog.LevelInfo
	case "warning", "warn":
		return slog.LevelWarn
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelError
	}
}

// LogSink configures where the bus runtime logs. With an empty Endpoint
// records go to the local writer only.
type LogSink struct {
	Endpoint    string
	IndexFormat string // "{date}" expands to the UTC day, e.g. "creditservice-{date}"
	Password    string
	Level       string
}

const defaultIndexFormat = "logs-{date}"

// Index expands IndexFormat for the given instant.
func (s LogSink) Index(now time.Time) string {
	f := s.IndexFormat
	if f == "" {
		f = defaultIndexFormat
	}

	return strings.ReplaceAll(f, "{date}", now.UTC().Format("2006.01.02"))
}

// Logger builds a JSON logger at the sink's level. When an endpoint is set,
// records are also shipped to it in the background; the returned closer
// flushes them.
func (s LogSink) Logger(local io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(s.Level)}

	if s.Endpoint == "" {
		return slog.New(slog.NewJSONHandler(local, opts)), nopCloser{}
	}

	local = &lockedWriter{w: local}
	sh := newShipper(s, &http.Client{Timeout: 5 * time.Second}, local)
	w := io.MultiWriter(local, sh)

	return slog.New(slog.NewJSONHandler(w, opts)).With("index", s.Index(time.Now())), sh
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// lockedWriter serializes the record stream and the shipper's own reports on
// the local writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.w.Write(p)
}

// shipper posts one document per log record. It never blocks the caller;
// records are dropped when the queue is full. Dropped records are counted and
// the first failure after a success is reported on the local writer.
type shipper struct {
	sink   LogSink
	client *http.Client
	report *slog.Logger

	dropped atomic.Int64
	failing bool // owned by run

	mu     sync.Mutex
	closed bool
	queue  chan []byte
	done   chan struct{}
}

func newShipper(sink LogSink, client *http.Client, local io.Writer) *shipper {
	s := &shipper{
		sink:   sink,
		client: client,
		report: slog.New(slog.NewJSONHandler(local, nil)),
		queue:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go s.run()

	return s
}

// Dropped returns how many records never reached the endpoint.
func (s *shipper) Dropped() int64 { return s.dropped.Load() }

func (s *shipper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return len(p), nil
	}

	select {
	case s.queue <- bytes.Clone(p):
	default:
		s.dropped.Add(1)
	}

	return len(p), nil
}

func (s *shipper) run() {
	defer close(s.done)

	for doc := range s.queue {
		err := s.post(doc)
		if err == nil {
			s.failing = false
			continue
		}

		s.dropped.Add(1)

		if !s.failing {
			s.failing = true
			s.report.Warn("log shipping failed", "endpoint", s.sink.Endpoint, "error", err)
		}
	}
}

func (s *shipper) post(doc []byte) error {
	url := strings.TrimRight(s.sink.Endpoint, "/") + "/" + s.sink.Index(time.Now()) + "/_doc"

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(doc))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	if s.sink.Password != "" {
		req.SetBasicAuth("elastic", s.sink.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("log endpoint answered %s", resp.Status)
	}

	return nil
}

func (s *shipper) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	<-s.done

	return nil
}
