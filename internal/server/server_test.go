package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/baitchat/internal/assistant"
	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/pipeline"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/store"
	"github.com/roach88/baitchat/internal/testutil"
)

type fixture struct {
	srv      *Server
	reg      *registry.Registry
	dispatch *testutil.RecordingDispatcher
	store    *store.Store
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewManualClock(time.Time{})
	reg := registry.New(registry.Static{Plans: testutil.Plans(), Devices: testutil.Devices()},
		registry.Static{Plans: testutil.Plans(), Devices: testutil.Devices()},
		registry.WithNow(clock.Now), registry.WithLogger(logger))
	_, err = reg.Reload(context.Background())
	require.NoError(t, err)

	disp := &testutil.RecordingDispatcher{}
	g := gate.New(reg, disp,
		gate.WithAuditor(st),
		gate.WithWindow(gate.NewWindow(rateLimit, time.Minute, clock.Now)),
		gate.WithNow(clock.Now),
		gate.WithLogger(logger),
	)
	pl := pipeline.New(reg, g,
		pipeline.WithIDs(testutil.NewSequentialIDs("")),
		pipeline.WithOutcomeLog(st),
		pipeline.WithNow(clock.Now),
		pipeline.WithLogger(logger),
	)
	asst := assistant.New(reg, assistant.WithHistory(st), assistant.WithNow(clock.Now), assistant.WithLogger(logger))

	return &fixture{
		srv:      New(Deps{Translator: pl, Asker: asst, Registry: reg, History: st, Quota: g}, WithLogger(logger)),
		reg:      reg,
		dispatch: disp,
		store:    st,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, r))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

// outcomeView and runView hold the reply fields the tests read. Bound
// argument values are interfaces and do not decode into ir types.
type outcomeView struct {
	RequestID string           `json:"request_id"`
	Status    ir.OutcomeStatus `json:"status"`
	Code      ir.ErrorCode     `json:"code"`
	Message   string           `json:"message"`
	Plan      string           `json:"plan"`
	QueueID   string           `json:"queue_id"`
}

type runView struct {
	Plan    string `json:"plan"`
	QueueID string `json:"queue_id"`
}

type plansView struct {
	Generation uint64 `json:"generation"`
	Plans      []struct {
		Name string `json:"name"`
	} `json:"plans"`
}

// decode re-reads a reply's data as v.
func decode(t *testing.T, data any, v any) {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestTranslateSubmits(t *testing.T) {
	f := newFixture(t, 0)

	rec, resp := f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "count det_a"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)

	var o outcomeView
	decode(t, resp.Data, &o)
	assert.Equal(t, ir.OutcomeSubmitted, o.Status)
	assert.Equal(t, "q-1", o.QueueID)
	assert.Equal(t, "req-0001", o.RequestID)
	assert.Len(t, f.dispatch.Calls(), 1)
}

func TestTranslateDryRun(t *testing.T) {
	f := newFixture(t, 0)

	_, resp := f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "count det_a", DryRun: true})
	var o outcomeView
	decode(t, resp.Data, &o)
	assert.Equal(t, ir.OutcomeReady, o.Status)
	assert.Empty(t, f.dispatch.Calls())
}

func TestTranslateClarificationUsesContext(t *testing.T) {
	f := newFixture(t, 0)

	rec, resp := f.do(t, http.MethodPost, "/v1/translate",
		TranslateRequest{Text: "scan detector_a from 0 to 5 in 51 steps"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var first outcomeView
	decode(t, resp.Data, &first)
	require.Equal(t, ir.OutcomeNeedsClarification, first.Status)
	assert.Contains(t, first.Message, "motor")

	_, resp = f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{
		Text: "use motor_x",
		Context: []ir.Turn{
			{Role: "operator", Text: "scan detector_a from 0 to 5 in 51 steps"},
			{Role: "assistant", Text: first.Message},
		},
	})
	var second outcomeView
	decode(t, resp.Data, &second)
	assert.Equal(t, ir.OutcomeSubmitted, second.Status)
	assert.Equal(t, "scan", second.Plan)
}

func TestTranslateRejections(t *testing.T) {
	f := newFixture(t, 0)

	rec, resp := f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "fly_scan det_a motor_x 0 5 11"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ir.CodeUnknownPlan), resp.Error.Code)
	assert.Empty(t, f.dispatch.Calls())
}

func TestTranslateRateLimited(t *testing.T) {
	f := newFixture(t, 1)

	rec, _ := f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "count det_a"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "count det_b"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(ir.CodeRateLimited), resp.Error.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestTranslateBadRequests(t *testing.T) {
	f := newFixture(t, 0)

	rec, resp := f.do(t, http.MethodPost, "/v1/translate", map[string]any{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "text is required", resp.Error.Message)

	rec, resp = f.do(t, http.MethodPost, "/v1/translate", map[string]any{"utterance": "count det_a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error.Message, "unknown field")

	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/translate", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAsk(t *testing.T) {
	f := newFixture(t, 0)

	_, resp := f.do(t, http.MethodPost, "/v1/ask", AskRequest{Question: "what plans can I run?"})
	var ans assistant.Answer
	decode(t, resp.Data, &ans)
	assert.Equal(t, assistant.TopicPlans, ans.Topic)
	assert.Contains(t, ans.Text, "grid_scan")

	rec, _ := f.do(t, http.MethodPost, "/v1/ask", AskRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlansAndDevices(t *testing.T) {
	f := newFixture(t, 0)

	_, resp := f.do(t, http.MethodGet, "/v1/plans", nil)
	var plans plansView
	decode(t, resp.Data, &plans)
	assert.Equal(t, uint64(1), plans.Generation)
	assert.Len(t, plans.Plans, len(testutil.Plans()))

	_, resp = f.do(t, http.MethodGet, "/v1/devices?category=motor", nil)
	var motors []ir.DeviceRef
	decode(t, resp.Data, &motors)
	require.NotEmpty(t, motors)
	for _, d := range motors {
		assert.Equal(t, ir.CategoryMotor, d.Category)
	}

	_, resp = f.do(t, http.MethodGet, "/v1/devices?category=beamstop", nil)
	var none []ir.DeviceRef
	decode(t, resp.Data, &none)
	assert.Empty(t, none)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, 0)
	f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "count det_a"})
	f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "scan detector_a from 0 to 5 in 51 steps"})

	_, resp := f.do(t, http.MethodGet, "/v1/history", nil)
	var runs []runView
	decode(t, resp.Data, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "q-1", runs[0].QueueID)

	_, resp = f.do(t, http.MethodGet, "/v1/history?plan=scan", nil)
	var scans []runView
	decode(t, resp.Data, &scans)
	assert.Empty(t, scans)

	_, resp = f.do(t, http.MethodGet, "/v1/history?outcomes=true", nil)
	var outcomes []store.OutcomeRecord
	decode(t, resp.Data, &outcomes)
	require.Len(t, outcomes, 2)
	assert.Equal(t, ir.OutcomeNeedsClarification, outcomes[0].Status)

	rec, _ := f.do(t, http.MethodGet, "/v1/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/v1/history?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReloadAndHealth(t *testing.T) {
	f := newFixture(t, 0)

	_, resp := f.do(t, http.MethodGet, "/healthz", nil)
	var health HealthReply
	decode(t, resp.Data, &health)
	assert.Equal(t, uint64(1), health.Generation)
	assert.Nil(t, health.RateRemaining, "unlimited rate policy")

	_, resp = f.do(t, http.MethodPost, "/v1/registry/reload", nil)
	var reloaded ReloadReply
	decode(t, resp.Data, &reloaded)
	assert.Equal(t, health.Fingerprint, reloaded.Fingerprint)
	assert.Equal(t, uint64(1), reloaded.Generation, "unchanged whitelist keeps its generation")
}

func TestHealthReportsRateRemaining(t *testing.T) {
	f := newFixture(t, 2)

	_, resp := f.do(t, http.MethodPost, "/v1/translate", TranslateRequest{Text: "count det_a"})
	require.Equal(t, "ok", resp.Status)

	_, resp = f.do(t, http.MethodGet, "/healthz", nil)
	var health HealthReply
	decode(t, resp.Data, &health)
	require.NotNil(t, health.RateRemaining)
	assert.Equal(t, 1, *health.RateRemaining)
}

func TestHealthWithoutRegistry(t *testing.T) {
	reg := registry.New(registry.Static{}, registry.Static{})
	srv := New(Deps{Registry: reg}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeShutsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := registry.New(registry.Static{}, registry.Static{})
	_, err := reg.Install(testutil.Plans(), testutil.Devices())
	require.NoError(t, err)
	srv := New(Deps{Registry: reg}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 59, retryAfter(ir.Outcome{Message: "rate limit reached, retry in 59s"}))
	assert.Equal(t, 90, retryAfter(ir.Outcome{Message: "rate limit reached, retry in 1m30s"}))
	assert.Equal(t, 0, retryAfter(ir.Outcome{Message: "queue server unavailable"}))
}
