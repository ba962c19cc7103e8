// Package tee fans finalized request records out to external sinks. Delivery
// is asynchronous and best-effort: a full queue drops the task, and sink
// failures never affect the user response.
package tee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/storage"
)

const (
	taskChanSize   = 1000
	deliverWorkers = 4
	refreshEvery   = 30 * time.Second
	// retryBase is the first retry delay; each attempt doubles it with
	// ±20% jitter.
	retryBase      = 500 * time.Millisecond
	defaultTimeout = 5 * time.Second
	defaultRetries = 3
)

// Handler delivers a record for a custom destination.
type Handler func(ctx context.Context, rec routex.RequestLog, preview []byte) error

// payload is the JSON body sent to http and webhook destinations and the
// line appended to file destinations.
type payload struct {
	Record  routex.RequestLog `json:"record"`
	Preview string            `json:"preview,omitempty"`
}

type task struct {
	dest    *routex.TeeDestination
	rec     routex.RequestLog
	preview []byte
}

// Dispatcher owns the delivery queue and the destination snapshot.
type Dispatcher struct {
	store  storage.TeeStore
	client *http.Client
	logger *slog.Logger
	tasks  chan task
	dests  atomic.Pointer[[]*routex.TeeDestination]

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	fileMu    sync.Mutex
	fileLocks map[string]*sync.Mutex

	sleep func(context.Context, time.Duration) // test seam
}

func NewDispatcher(store storage.TeeStore, client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:     store,
		client:    client,
		logger:    logger,
		tasks:     make(chan task, taskChanSize),
		handlers:  make(map[string]Handler),
		fileLocks: make(map[string]*sync.Mutex),
		sleep:     sleepCtx,
	}
	empty := []*routex.TeeDestination{}
	d.dests.Store(&empty)
	return d
}

// RegisterHandler binds a custom destination handler id.
func (d *Dispatcher) RegisterHandler(id string, h Handler) {
	d.handlerMu.Lock()
	d.handlers[id] = h
	d.handlerMu.Unlock()
}

// Name returns the worker identifier.
func (d *Dispatcher) Name() string { return "tee_dispatcher" }

// Fire enqueues delivery tasks for every enabled destination whose filter
// matches the record. It never blocks.
func (d *Dispatcher) Fire(rec routex.RequestLog, preview []byte) {
	for _, dest := range *d.dests.Load() {
		if !dest.Enabled || !dest.Filter.Matches(&rec) {
			continue
		}
		select {
		case d.tasks <- task{dest: dest, rec: rec, preview: preview}:
		default:
			d.logger.Warn("tee task dropped, queue full", slog.String("destination", dest.Name))
		}
	}
}

// Refresh reloads the destination snapshot from the store. The admin API
// calls it after destination writes; Run calls it periodically.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	dests, err := d.store.ListTees(ctx)
	if err != nil {
		return fmt.Errorf("refresh tee destinations: %w", err)
	}
	d.dests.Store(&dests)
	return nil
}

// Run delivers queued tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("initial tee refresh failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)
	for range deliverWorkers {
		g.Go(func() error {
			for {
				select {
				case t := <-d.tasks:
					d.deliver(ctx, t)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := d.Refresh(ctx); err != nil {
					d.logger.Warn("tee refresh failed", slog.String("error", err.Error()))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, t task) {
	var err error
	switch t.dest.Type {
	case routex.TeeHTTP, routex.TeeWebhook:
		err = d.deliverHTTP(ctx, t)
	case routex.TeeFile:
		err = d.deliverFile(t)
	case routex.TeeCustom:
		err = d.deliverCustom(ctx, t)
	default:
		err = fmt.Errorf("unknown tee type %q", t.dest.Type)
	}
	if err != nil {
		d.logger.Warn("tee delivery failed",
			slog.String("destination", t.dest.Name),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) deliverHTTP(ctx context.Context, t task) error {
	body, err := json.Marshal(payload{Record: t.rec, Preview: string(t.preview)})
	if err != nil {
		return err
	}
	method := t.dest.Method
	if method != http.MethodPut {
		method = http.MethodPost
	}
	timeout := defaultTimeout
	if t.dest.TimeoutMs > 0 {
		timeout = time.Duration(t.dest.TimeoutMs) * time.Millisecond
	}
	retries := t.dest.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			d.sleep(ctx, backoff(attempt))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		err = d.post(ctx, method, t.dest, body, timeout)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", retries, err)
}

func (d *Dispatcher) post(ctx context.Context, method string, dest *routex.TeeDestination,
	body []byte, timeout time.Duration) error {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, dest.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header["Content-Type"] = []string{"application/json"}
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	return nil
}

// backoff returns the delay before retry attempt n (1-based): 500ms·2^(n-1)
// with ±20% jitter.
func backoff(n int) time.Duration {
	base := retryBase << (n - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

func (d *Dispatcher) deliverFile(t task) error {
	line, err := json.Marshal(payload{Record: t.rec, Preview: string(t.preview)})
	if err != nil {
		return err
	}
	mu := d.pathLock(t.dest.FilePath)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(t.dest.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) pathLock(path string) *sync.Mutex {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()
	mu, ok := d.fileLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		d.fileLocks[path] = mu
	}
	return mu
}

func (d *Dispatcher) deliverCustom(ctx context.Context, t task) error {
	d.handlerMu.RLock()
	h, ok := d.handlers[t.dest.HandlerID]
	d.handlerMu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for %q", t.dest.HandlerID)
	}
	return h(ctx, t.rec, t.preview)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
