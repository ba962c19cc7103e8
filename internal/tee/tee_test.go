package tee

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/testutil"
)

func record(model string, status int) routex.RequestLog {
	return routex.RequestLog{
		ID:         "log-1",
		Model:      model,
		Path:       "/v1/messages",
		StatusCode: status,
		Success:    status < 300,
		CreatedAt:  time.Now().UTC(),
	}
}

func dest(name string, typ routex.TeeType) *routex.TeeDestination {
	return &routex.TeeDestination{
		ID:      name,
		Name:    name,
		Type:    typ,
		Enabled: true,
		Retries: 1,
	}
}

// runDispatcher starts d and returns a stop func that waits for shutdown.
func runDispatcher(t *testing.T, d *Dispatcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestFire_HTTPDelivery(t *testing.T) {
	t.Parallel()
	got := make(chan []byte, 1)
	var gotHeader atomic.Value
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("X-Token"))
		buf := make([]byte, 1<<16)
		n, _ := r.Body.Read(buf)
		got <- buf[:n]
	}))
	defer sink.Close()

	store := testutil.NewFakeStore()
	hd := dest("hook", routex.TeeHTTP)
	hd.URL = sink.URL
	hd.Headers = map[string]string{"X-Token": "s3cret"}
	store.AddTee(hd)

	d := NewDispatcher(store, nil, nil)
	stop := runDispatcher(t, d)
	defer stop()

	// Run's initial Refresh races Fire; refresh explicitly first.
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.Fire(record("gpt-4o", 200), []byte(`{"preview":true}`))

	select {
	case body := <-got:
		if gjson.GetBytes(body, "record.model").String() != "gpt-4o" {
			t.Fatalf("payload = %s", body)
		}
		if !strings.Contains(gjson.GetBytes(body, "preview").String(), "preview") {
			t.Fatalf("preview missing: %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery timed out")
	}
	if gotHeader.Load() != "s3cret" {
		t.Fatalf("header = %v", gotHeader.Load())
	}
}

func TestFire_FilterSkipsNonMatching(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer sink.Close()

	store := testutil.NewFakeStore()
	hd := dest("filtered", routex.TeeHTTP)
	hd.URL = sink.URL
	hd.Filter = &routex.TeeFilter{Models: []string{"claude-sonnet-4"}, StatusCodes: []int{200}}
	store.AddTee(hd)

	disabled := dest("off", routex.TeeHTTP)
	disabled.URL = sink.URL
	disabled.Enabled = false
	store.AddTee(disabled)

	d := NewDispatcher(store, nil, nil)
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	stop := runDispatcher(t, d)
	defer stop()

	d.Fire(record("gpt-4o", 200), nil)      // wrong model
	d.Fire(record("claude-sonnet-4", 500), nil) // wrong status
	d.Fire(record("claude-sonnet-4", 200), nil) // matches

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give stray deliveries a moment to surface.
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("sink called %d times, want 1", n)
	}
}

func TestDeliverHTTP_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer sink.Close()

	hd := dest("retrying", routex.TeeWebhook)
	hd.URL = sink.URL
	hd.Retries = 3
	hd.Method = http.MethodPut

	d := NewDispatcher(testutil.NewFakeStore(), nil, nil)
	d.sleep = func(context.Context, time.Duration) {}

	err := d.deliverHTTP(context.Background(), task{dest: hd, rec: record("m", 200)})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
}

func TestDeliverHTTP_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()

	hd := dest("failing", routex.TeeHTTP)
	hd.URL = sink.URL
	hd.Retries = 2

	d := NewDispatcher(testutil.NewFakeStore(), nil, nil)
	d.sleep = func(context.Context, time.Duration) {}

	if err := d.deliverHTTP(context.Background(), task{dest: hd, rec: record("m", 200)}); err == nil {
		t.Fatal("want error after exhausted retries")
	}
}

func TestDeliverFile_AppendsJSONLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tee.jsonl")
	fd := dest("file", routex.TeeFile)
	fd.FilePath = path

	d := NewDispatcher(testutil.NewFakeStore(), nil, nil)
	for i := 0; i < 3; i++ {
		if err := d.deliverFile(task{dest: fd, rec: record("gpt-4o", 200)}); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	for _, l := range lines {
		if gjson.Get(l, "record.model").String() != "gpt-4o" {
			t.Fatalf("line = %s", l)
		}
	}
}

func TestDeliverCustom(t *testing.T) {
	t.Parallel()
	cd := dest("custom", routex.TeeCustom)
	cd.HandlerID = "audit"

	d := NewDispatcher(testutil.NewFakeStore(), nil, nil)
	var got routex.RequestLog
	d.RegisterHandler("audit", func(_ context.Context, rec routex.RequestLog, _ []byte) error {
		got = rec
		return nil
	})

	d.deliver(context.Background(), task{dest: cd, rec: record("m", 200)})
	if got.Model != "m" {
		t.Fatalf("handler not invoked: %+v", got)
	}

	// Missing handler logs, never panics.
	cd2 := dest("orphan", routex.TeeCustom)
	cd2.HandlerID = "nope"
	d.deliver(context.Background(), task{dest: cd2, rec: record("m", 200)})
}

func TestBackoff_Bounds(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 4; n++ {
		base := retryBase << (n - 1)
		for range 50 {
			got := backoff(n)
			lo := time.Duration(float64(base) * 0.8)
			hi := time.Duration(float64(base) * 1.2)
			if got < lo || got > hi {
				t.Fatalf("backoff(%d) = %v, want within [%v, %v]", n, got, lo, hi)
			}
		}
	}
}
