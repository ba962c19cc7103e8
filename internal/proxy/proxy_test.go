package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/balancer"
	"github.com/routexhq/routex/internal/cache"
	"github.com/routexhq/routex/internal/crypto"
	"github.com/routexhq/routex/internal/health"
	"github.com/routexhq/routex/internal/router"
	"github.com/routexhq/routex/internal/testutil"
	"github.com/routexhq/routex/internal/transform"
)

const testMaster = "0123456789abcdef0123456789abcdef"

var (
	cipherOnce sync.Once
	testCipher *crypto.Cipher
)

func cipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	cipherOnce.Do(func() {
		c, err := crypto.New(testMaster, nil)
		if err != nil {
			t.Fatal(err)
		}
		testCipher = c
	})
	return testCipher
}

type sinkRecorder struct {
	mu       sync.Mutex
	records  []routex.RequestLog
	previews [][]byte
}

func (s *sinkRecorder) Enqueue(rec routex.RequestLog, preview []byte) bool {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.previews = append(s.previews, preview)
	s.mu.Unlock()
	return true
}

func (s *sinkRecorder) last(t *testing.T) routex.RequestLog {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		t.Fatal("no log records")
	}
	return s.records[len(s.records)-1]
}

type testEnv struct {
	engine *Engine
	store  *testutil.FakeStore
	health *health.Registry
	sink   *sinkRecorder
}

func newEnv(t *testing.T, channels ...*routex.Channel) *testEnv {
	t.Helper()
	store := testutil.NewFakeStore()
	for _, ch := range channels {
		store.AddChannel(ch)
	}
	catalog := cache.NewCatalog(store, cache.DefaultTTLConfig())
	hr := health.NewRegistry(health.DefaultConfig())
	rt := router.New(catalog, hr, balancer.New(balancer.StrategyPriority))
	sink := &sinkRecorder{}
	eng := NewEngine(rt, hr, transform.NewRegistry(), cipher(t), http.DefaultClient,
		sink, nil, nil, nil, Options{AttemptTimeout: 5 * time.Second})
	return &testEnv{engine: eng, store: store, health: hr, sink: sink}
}

func channel(t *testing.T, name string, vendor routex.Vendor, baseURL string, priority int) *routex.Channel {
	t.Helper()
	enc, err := cipher(t).Encrypt("sk-test-" + name)
	if err != nil {
		t.Fatal(err)
	}
	return &routex.Channel{
		ID:        name,
		Name:      name,
		Vendor:    vendor,
		BaseURL:   baseURL,
		APIKeyEnc: enc,
		Priority:  priority,
		Weight:    1,
		Status:    routex.StatusEnabled,
	}
}

func execute(t *testing.T, env *testEnv, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	model := gjson.Get(body, "model").String()
	err := env.engine.Execute(w, r, []byte(body), router.Request{Model: model, Path: "/v1/messages"})
	return w, err
}

func TestExecute_OpenAIChannel(t *testing.T) {
	t.Parallel()
	var gotAuth, gotPath string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		buf := make([]byte, 1<<16)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"finish_reason":"stop",
			"message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":7}}`))
	}))
	defer upstream.Close()

	env := newEnv(t, channel(t, "oai", routex.VendorOpenAI, upstream.URL, 1))
	w, err := execute(t, env, `{"model":"gpt-4o","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer sk-test-oai" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if !gjson.GetBytes(gotBody, "messages").Exists() {
		t.Fatalf("upstream body = %s", gotBody)
	}

	// Response came back in the canonical shape.
	resp := gjson.Parse(w.Body.String())
	if got := resp.Get("content.0.text").String(); got != "hello" {
		t.Fatalf("response = %s", w.Body.String())
	}
	if got := resp.Get("stop_reason").String(); got != "end_turn" {
		t.Fatalf("stop_reason = %s", got)
	}

	rec := env.sink.last(t)
	if !rec.Success || rec.StatusCode != http.StatusOK {
		t.Fatalf("log = %+v", rec)
	}
	if rec.InputTokens != 12 || rec.OutputTokens != 7 {
		t.Fatalf("tokens = %d/%d, want 12/7", rec.InputTokens, rec.OutputTokens)
	}
	if rec.ChannelID != "oai" {
		t.Fatalf("channel = %s", rec.ChannelID)
	}
}

func TestExecute_AnthropicHeaders(t *testing.T) {
	t.Parallel()
	var gotKey, gotVersion, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m1","type":"message","role":"assistant",
			"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer upstream.Close()

	env := newEnv(t, channel(t, "anthropic", routex.VendorAnthropic, upstream.URL, 1))
	_, err := execute(t, env, `{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != "sk-test-anthropic" {
		t.Fatalf("x-api-key = %q", gotKey)
	}
	if gotVersion != anthropicVersion {
		t.Fatalf("anthropic-version = %q", gotVersion)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	rec := env.sink.last(t)
	if rec.InputTokens != 3 || rec.OutputTokens != 4 {
		t.Fatalf("tokens = %d/%d", rec.InputTokens, rec.OutputTokens)
	}
}

func TestExecute_FailoverOn5xx(t *testing.T) {
	t.Parallel()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer good.Close()

	// Priority strategy tries "primary" first.
	env := newEnv(t,
		channel(t, "primary", routex.VendorOpenAI, bad.URL, 9),
		channel(t, "backup", routex.VendorOpenAI, good.URL, 1))

	w, err := execute(t, env, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.Get(w.Body.String(), "content.0.text").String(); got != "ok" {
		t.Fatalf("body = %s", w.Body.String())
	}
	rec := env.sink.last(t)
	if rec.ChannelID != "backup" {
		t.Fatalf("served by %s, want backup", rec.ChannelID)
	}
}

func TestExecute_RateLimitedChannel(t *testing.T) {
	t.Parallel()
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer limited.Close()

	ch := channel(t, "limited", routex.VendorOpenAI, limited.URL, 1)
	env := newEnv(t, ch)
	_, err := execute(t, env, `{"model":"gpt-4o","messages":[]}`)
	if !errors.Is(err, routex.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}

	st, until := env.health.GetOrCreate(ch).Status()
	if st != routex.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", st)
	}
	if until.Before(time.Now().Add(110 * time.Second)) {
		t.Fatalf("window end %v does not honor Retry-After", until)
	}
}

func TestExecute_NonRetriable4xxPassesThrough(t *testing.T) {
	t.Parallel()
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer upstream.Close()

	env := newEnv(t,
		channel(t, "a", routex.VendorOpenAI, upstream.URL, 9),
		channel(t, "b", routex.VendorOpenAI, upstream.URL, 1))

	w, err := execute(t, env, `{"model":"gpt-4o","messages":[]}`)
	if err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want upstream 401 passed through", w.Code)
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, want 1 (no retry on auth failure)", calls)
	}
	rec := env.sink.last(t)
	if rec.Success || rec.StatusCode != http.StatusUnauthorized {
		t.Fatalf("log = %+v", rec)
	}
}

func TestExecute_AttemptsExhausted(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer upstream.Close()

	env := newEnv(t, channel(t, "only", routex.VendorOpenAI, upstream.URL, 1))
	_, err := execute(t, env, `{"model":"gpt-4o","messages":[]}`)
	if !errors.Is(err, routex.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	rec := env.sink.last(t)
	if rec.Success || rec.StatusCode != http.StatusBadGateway {
		t.Fatalf("log = %+v", rec)
	}
}

func TestExecute_Streaming(t *testing.T) {
	t.Parallel()
	frames := "" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}` + "\n\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}` + "\n\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":25}}` + "\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(frames))
	}))
	defer upstream.Close()

	env := newEnv(t, channel(t, "anthropic", routex.VendorAnthropic, upstream.URL, 1))
	w, err := execute(t, env, `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	if w.Body.String() != frames {
		t.Fatalf("frames altered:\n%s", w.Body.String())
	}
	rec := env.sink.last(t)
	if rec.InputTokens != 10 || rec.OutputTokens != 25 {
		t.Fatalf("stream tokens = %d/%d, want 10/25", rec.InputTokens, rec.OutputTokens)
	}
	if rec.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", rec.StatusCode)
	}
}

func TestExecute_StampsTraceIDAndPreview(t *testing.T) {
	t.Parallel()
	respBody := `{"id":"m1","type":"message","role":"assistant","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":3,"output_tokens":4}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(respBody))
	}))
	defer upstream.Close()

	env := newEnv(t, channel(t, "anthropic", routex.VendorAnthropic, upstream.URL, 1))
	body := `{"model":"claude-sonnet-4","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	r = r.WithContext(routex.ContextWithRequestID(r.Context(), "req-abc"))
	if err := env.engine.Execute(w, r, []byte(body), router.Request{Model: "claude-sonnet-4", Path: "/v1/messages"}); err != nil {
		t.Fatal(err)
	}

	rec := env.sink.last(t)
	// No recording tracer is installed, so the request id doubles as the
	// trace id.
	if rec.TraceID != "req-abc" {
		t.Fatalf("trace id = %q, want req-abc", rec.TraceID)
	}
	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	preview := env.sink.previews[len(env.sink.previews)-1]
	if string(preview) != respBody {
		t.Fatalf("preview = %q, want the response body", preview)
	}
}

func TestExecute_NoChannel(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	_, err := execute(t, env, `{"model":"gpt-4o","messages":[]}`)
	if !errors.Is(err, routex.ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}
	rec := env.sink.last(t)
	if rec.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("log status = %d, want 503", rec.StatusCode)
	}
}

func TestUpstreamURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		vendor    routex.Vendor
		streaming bool
		want      string
	}{
		{routex.VendorAnthropic, false, "https://api.example/v1/messages"},
		{routex.VendorOpenAI, false, "https://api.example/v1/chat/completions"},
		{routex.VendorZhipu, false, "https://api.example/api/paas/v4/chat/completions"},
		{routex.VendorCustom, true, "https://api.example/v1/chat/completions"},
		{routex.VendorGoogle, false, "https://api.example/v1beta/models/gemini-1.5-pro:generateContent"},
		{routex.VendorGoogle, true, "https://api.example/v1beta/models/gemini-1.5-pro:streamGenerateContent?alt=sse"},
		{routex.VendorAzure, false, "https://api.example/openai/deployments/gemini-1.5-pro/chat/completions?api-version=" + azureAPIVersion},
	}
	for _, tt := range tests {
		ch := &routex.Channel{Name: "c", Vendor: tt.vendor, BaseURL: "https://api.example/"}
		got, err := upstreamURL(ch, "gemini-1.5-pro", tt.streaming)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Fatalf("%s stream=%v: url = %s, want %s", tt.vendor, tt.streaming, got, tt.want)
		}
	}

	if _, err := upstreamURL(&routex.Channel{Name: "c"}, "m", false); !errors.Is(err, routex.ErrBadRequest) {
		t.Fatalf("empty base url: err = %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	if got := parseRetryAfter(h); got != 0 {
		t.Fatalf("absent = %v", got)
	}
	h.Set("Retry-After", "30")
	if got := parseRetryAfter(h); got != 30*time.Second {
		t.Fatalf("seconds = %v", got)
	}
	h.Set("Retry-After", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	if got := parseRetryAfter(h); got < 50*time.Second || got > 70*time.Second {
		t.Fatalf("http date = %v", got)
	}
	h.Set("Retry-After", "garbage")
	if got := parseRetryAfter(h); got != 0 {
		t.Fatalf("garbage = %v", got)
	}
}

func TestParseStreamUsage_OpenAIAndGemini(t *testing.T) {
	t.Parallel()
	openai := []byte("data: {\"choices\":[{}]}\n\ndata: {\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":16}}\n\ndata: [DONE]\n\n")
	u := parseStreamUsage(openai)
	if u.input != 8 || u.output != 16 {
		t.Fatalf("openai usage = %+v", u)
	}

	gemini := []byte("data: {\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":2}}\n\ndata: {\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":9}}\n\n")
	u = parseStreamUsage(gemini)
	if u.input != 5 || u.output != 9 {
		t.Fatalf("gemini usage = %+v, want running max", u)
	}
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()
	u := extractUsage([]byte(`{"usage":{"input_tokens":1,"output_tokens":2,"cache_read_input_tokens":3}}`))
	if u.input != 1 || u.output != 2 || u.cached != 3 {
		t.Fatalf("anthropic = %+v", u)
	}
	u = extractUsage([]byte(`{"usage":{"prompt_tokens":4,"completion_tokens":5}}`))
	if u.input != 4 || u.output != 5 {
		t.Fatalf("openai = %+v", u)
	}
	u = extractUsage([]byte(`{"usageMetadata":{"promptTokenCount":6,"candidatesTokenCount":7}}`))
	if u.input != 6 || u.output != 7 {
		t.Fatalf("gemini = %+v", u)
	}
}
