package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/callsurvey/internal/campaign"
	"github.com/flowpbx/callsurvey/internal/database"
	"github.com/flowpbx/callsurvey/internal/metrics"
	"github.com/flowpbx/callsurvey/internal/queue"
)

type fixture struct {
	srv   *httptest.Server
	queue *queue.Memory
}

type activeCalls int

func (a activeCalls) ActiveCount() int { return int(a) }

type trunk bool

func (t trunk) Healthy() bool { return bool(t) }

type brokenQueue struct{}

func (brokenQueue) Size(context.Context) (int, error) { return 0, errors.New("connection refused") }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture serves the API over a real campaign service backed by SQLite
// and a memory queue of the given capacity.
func newFixture(t *testing.T, capacity int, mutate func(*Deps)) *fixture {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := queue.NewMemory(capacity)
	agg := metrics.NewAggregator()
	svc := campaign.NewService(database.NewStore(db), q, agg, nil, campaign.Config{
		Stagger:           30 * time.Second,
		DefaultMaxRetries: 2,
		DefaultLanguage:   "ar",
		DefaultGreeting:   "مرحبا",
		DefaultClosing:    "شكرا",
	}, testLogger())

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(activeCalls(3), q, agg, time.Now()))

	deps := Deps{
		Campaigns: svc,
		Queue:     q,
		Calls:     activeCalls(3),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv := httptest.NewServer(NewServer(deps, testLogger()))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, queue: q}
}

// do sends a request and decodes the envelope's data into out when non-nil.
func (f *fixture) do(t *testing.T, method, path, body string, out any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decoding %s %s response %q: %v", method, path, raw, err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decoding data: %v", err)
		}
	}
	return resp.StatusCode, envelope{Error: env.Error}
}

const templateBody = `{
	"name": "customer satisfaction",
	"questions": [
		{"text": "هل أنت راض عن الخدمة؟", "expected_responses": ["نعم", "لا"], "pause_seconds": 5},
		{"text": "هل تنصح بنا؟", "pause_seconds": 4}
	]
}`

func (f *fixture) createTemplate(t *testing.T) templateResponse {
	t.Helper()
	var tpl templateResponse
	code, env := f.do(t, http.MethodPost, "/api/v1/templates", templateBody, &tpl)
	if code != http.StatusCreated {
		t.Fatalf("create template: %d %s", code, env.Error)
	}
	return tpl
}

func (f *fixture) createCampaign(t *testing.T, templateID string, phones ...string) campaignResponse {
	t.Helper()
	var recipients []string
	for i, p := range phones {
		recipients = append(recipients, fmt.Sprintf(`{"name": "r%d", "phone": %q}`, i, p))
	}
	body := fmt.Sprintf(`{"name": "q3 survey", "template_id": %q, "recipients": [%s]}`,
		templateID, strings.Join(recipients, ","))

	var c campaignResponse
	code, env := f.do(t, http.MethodPost, "/api/v1/campaigns", body, &c)
	if code != http.StatusCreated {
		t.Fatalf("create campaign: %d %s", code, env.Error)
	}
	return c
}

func TestCreateTemplateAppliesDefaults(t *testing.T) {
	f := newFixture(t, 10, nil)
	tpl := f.createTemplate(t)

	if tpl.ID == "" {
		t.Error("expected generated template id")
	}
	if tpl.Language != "ar" || tpl.Greeting != "مرحبا" || tpl.Closing != "شكرا" {
		t.Errorf("defaults not applied: %+v", tpl)
	}
	if len(tpl.Questions) != 2 || tpl.Questions[1].Order != 1 || tpl.Questions[0].ID == "" {
		t.Errorf("questions = %+v", tpl.Questions)
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	f := newFixture(t, 10, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"no questions", `{"name": "empty", "questions": []}`, "template.questions"},
		{"blank question", `{"questions": [{"text": "  "}]}`, "question.text"},
		{"negative pause", `{"questions": [{"text": "q", "pause_seconds": -1}]}`, "pause_seconds"},
		{"unknown field", `{"questions": [], "owner": "x"}`, "unknown field"},
		{"empty body", ``, "must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := f.do(t, http.MethodPost, "/api/v1/templates", tt.body, nil)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", code)
			}
			if !strings.Contains(env.Error, tt.want) {
				t.Errorf("error = %q, want mention of %q", env.Error, tt.want)
			}
		})
	}
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t, 10, nil)
	tpl := f.createTemplate(t)

	c := f.createCampaign(t, tpl.ID, "+966 50 123 4567", "966501234568")
	if c.Status != "draft" || c.Recipients != 2 || c.Priority != 5 || c.MaxRetries != 2 {
		t.Errorf("campaign = %+v", c)
	}

	t.Run("unknown template", func(t *testing.T) {
		body := `{"name": "x", "template_id": "missing", "recipients": [{"phone": "966501234567"}]}`
		code, env := f.do(t, http.MethodPost, "/api/v1/campaigns", body, nil)
		if code != http.StatusBadRequest || !strings.Contains(env.Error, "template_id") {
			t.Errorf("got %d %q", code, env.Error)
		}
	})

	t.Run("priority out of range", func(t *testing.T) {
		body := fmt.Sprintf(`{"name": "x", "template_id": %q, "priority": 11, "recipients": [{"phone": "966501234567"}]}`, tpl.ID)
		code, env := f.do(t, http.MethodPost, "/api/v1/campaigns", body, nil)
		if code != http.StatusBadRequest || !strings.Contains(env.Error, "priority") {
			t.Errorf("got %d %q", code, env.Error)
		}
	})
}

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t, 10, nil)
	tpl := f.createTemplate(t)
	c := f.createCampaign(t, tpl.ID, "966501234567", "966501234568", "123")

	var res campaign.StartResult
	code, env := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", "", &res)
	if code != http.StatusAccepted {
		t.Fatalf("start: %d %s", code, env.Error)
	}
	// The short number fails validation at queue time.
	if res.Queued != 2 || res.Failed != 1 {
		t.Errorf("start result = %+v, want 2 queued 1 failed", res)
	}

	code, env = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", "", nil)
	if code != http.StatusConflict {
		t.Errorf("second start: %d %s, want 409", code, env.Error)
	}

	var st statusResponse
	if code, _ := f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/status", "", &st); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if st.CampaignID != c.ID || st.Queued != 2 {
		t.Errorf("status = %+v", st)
	}

	if code, env := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/stop", "", nil); code != http.StatusOK {
		t.Fatalf("stop: %d %s", code, env.Error)
	}
	if n, _ := f.queue.Size(context.Background()); n != 0 {
		t.Errorf("queue size after stop = %d, want 0", n)
	}
	f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/status", "", &st)
	if st.Queued != 0 {
		t.Errorf("queued after stop = %d, want 0", st.Queued)
	}
}

func TestStartCampaignQueueFull(t *testing.T) {
	f := newFixture(t, 1, nil)
	tpl := f.createTemplate(t)
	c := f.createCampaign(t, tpl.ID, "966501234567", "966501234568", "966501234569")

	var res campaign.StartResult
	code, _ := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", "", &res)
	if code != http.StatusAccepted {
		t.Fatalf("start: %d", code)
	}
	if res.Queued != 1 || res.Failed != 2 {
		t.Errorf("start result = %+v, want 1 queued 2 failed", res)
	}
}

func TestUnknownCampaignIsNotFound(t *testing.T) {
	f := newFixture(t, 10, nil)

	for _, tt := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/campaigns/nope/start"},
		{http.MethodPost, "/api/v1/campaigns/nope/stop"},
		{http.MethodGet, "/api/v1/campaigns/nope/status"},
	} {
		code, env := f.do(t, tt.method, tt.path, "", nil)
		if code != http.StatusNotFound || env.Error != "not found" {
			t.Errorf("%s %s = %d %q, want 404", tt.method, tt.path, code, env.Error)
		}
	}
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		f := newFixture(t, 10, func(d *Deps) { d.Trunk = trunk(false) })
		var h healthResponse
		code, _ := f.do(t, http.MethodGet, "/api/v1/health", "", &h)
		if code != http.StatusOK || h.Status != "ok" || h.ActiveCalls != 3 {
			t.Errorf("health = %d %+v", code, h)
		}
		if h.TrunkHealthy == nil || *h.TrunkHealthy {
			t.Errorf("trunk_healthy = %v, want false", h.TrunkHealthy)
		}
	})

	t.Run("queue unreadable", func(t *testing.T) {
		f := newFixture(t, 10, func(d *Deps) { d.Queue = brokenQueue{} })
		var h healthResponse
		code, _ := f.do(t, http.MethodGet, "/api/v1/health", "", &h)
		if code != http.StatusServiceUnavailable || h.Status != "degraded" {
			t.Errorf("health = %d %+v", code, h)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 10, nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, name := range []string{"callsurvey_active_calls 3", "callsurvey_queue_depth 0"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

type fakeCarrier struct{ stream, status int }

func (c *fakeCarrier) HandleStream(w http.ResponseWriter, r *http.Request) {
	c.stream++
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (c *fakeCarrier) HandleStatus(w http.ResponseWriter, r *http.Request) {
	c.status++
	w.WriteHeader(http.StatusNoContent)
}

func TestCarrierRoutes(t *testing.T) {
	carrier := &fakeCarrier{}
	h := NewServer(Deps{Carrier: carrier}, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telephony/status", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNoContent || carrier.status != 1 {
		t.Errorf("status webhook: %d, calls %d", rec.Code, carrier.status)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telephony/stream", nil))
	if carrier.stream != 1 {
		t.Errorf("stream handler calls = %d", carrier.stream)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telephony/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status webhook = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", rec.Code)
	}
}
