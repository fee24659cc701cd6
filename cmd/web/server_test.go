package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/extraction"
	"vnhis2image/internal/generation"
	"vnhis2image/internal/prompt"
	"vnhis2image/internal/session"
)

type fakeBackend struct {
	release chan struct{}
}

func (b *fakeBackend) Generate(ctx context.Context, _ backend.GenerateRequest) (backend.Image, error) {
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return backend.Image{}, ctx.Err()
		}
	}
	return backend.Image{Kind: backend.ImageURL, Source: "https://img.example/khue-van-cac.png"}, nil
}

func (b *fakeBackend) Progress(context.Context) (backend.Progress, error) {
	return backend.Progress{}, nil
}

func (b *fakeBackend) Interrupt(context.Context) error { return nil }

func (b *fakeBackend) Health(context.Context) (backend.Health, error) {
	return backend.Health{OK: true, NERLoaded: true}, nil
}

type fakeExtractor struct {
	err error
}

func (f fakeExtractor) Extract(context.Context, string, prompt.Style) (extraction.Result, error) {
	if f.err != nil {
		return extraction.Result{}, f.err
	}
	return extraction.Result{
		Fields: map[string]string{"person": "Lý Thường Kiệt", "dynasty": "Lý"},
		Scores: map[string]float64{"person": 0.92, "dynasty": 0.81},
	}, nil
}

func newTestServer(t *testing.T, be *fakeBackend, ex session.Extractor) *httptest.Server {
	t.Helper()
	sess := session.New(session.Options{
		Extractor:  ex,
		Controller: generation.New(generation.Options{Backend: be, PollInterval: 5 * time.Millisecond}),
	})
	s := &server{sess: sess, api: be, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		sess.Close()
		ts.Close()
	})
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStylesAndHealth(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{}, fakeExtractor{})

	var styles []styleInfo
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/styles", "", &styles))
	require.Len(t, styles, 3)
	assert.Equal(t, "portrait", styles[0].Key)
	assert.Equal(t, fieldInfo{Name: "person", Required: true, Hint: "vd: Lý Thường Kiệt"}, styles[0].Fields[0])

	var health backend.Health
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/health", "", &health))
	assert.True(t, health.OK)

	assert.Equal(t, http.StatusMethodNotAllowed, call(t, ts, http.MethodPost, "/api/styles", "", nil))
}

func TestBadInput(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{}, fakeExtractor{})

	var e apiError
	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPost, "/api/style", "{", &e))
	assert.Equal(t, "invalid json body", e.Error)

	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPost, "/api/style", `{"value":"landscape"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPost, "/api/mode", `{"value":"auto"}`, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, ts, http.MethodPost, "/api/fields", `{"fields":{"weapon":"kiếm"}}`, nil))
}

func TestGenerateFlow(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{}, fakeExtractor{})

	var st stateResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/style", `{"value":"architecture"}`, &st))
	assert.Equal(t, []string{"architecture", "dynasty", "time", "location"}, st.Missing)

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/fields", `{"fields":{"architecture":"Khuê Văn Các","dynasty":"Nguyễn"}}`, &st))
	assert.Equal(t, []string{"time", "location"}, st.Missing)

	var e apiError
	require.Equal(t, http.StatusUnprocessableEntity, call(t, ts, http.MethodPost, "/api/generate", "", &e))
	assert.Equal(t, []string{"time", "location"}, e.Missing)

	var d draftResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/draft", "", &d))
	assert.Contains(t, d.Prompt, "Khuê Văn Các")
	assert.Equal(t, []string{"time", "location"}, d.Missing)

	call(t, ts, http.MethodPost, "/api/fields", `{"fields":{"time":"1805","location":"Thăng Long"}}`, nil)
	require.Equal(t, http.StatusAccepted, call(t, ts, http.MethodPost, "/api/generate", "", &st))
	assert.Contains(t, st.ComposedPrompt, "Khuê Văn Các from the Nguyễn dynasty (1805) in Thăng Long")

	require.Eventually(t, func() bool {
		call(t, ts, http.MethodGet, "/api/state", "", &st)
		return st.Generation.State == generation.Succeeded.String()
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, st.Generation.Image)
	assert.Equal(t, imageJSON{Kind: "url", Source: "https://img.example/khue-van-cac.png"}, *st.Generation.Image)
}

func TestGenerateBusyAndCancel(t *testing.T) {
	be := &fakeBackend{release: make(chan struct{})}
	ts := newTestServer(t, be, fakeExtractor{})

	call(t, ts, http.MethodPost, "/api/fields", `{"fields":{"person":"Lý Thường Kiệt","dynasty":"Lý","time":"1075","costume":"giáp"}}`, nil)
	require.Equal(t, http.StatusAccepted, call(t, ts, http.MethodPost, "/api/generate", "", nil))

	assert.Equal(t, http.StatusConflict, call(t, ts, http.MethodPost, "/api/generate", "", nil))
	assert.Equal(t, http.StatusConflict, call(t, ts, http.MethodPost, "/api/style", `{"value":"battle"}`, nil))
	assert.Equal(t, http.StatusConflict, call(t, ts, http.MethodPost, "/api/reset", "", nil))

	var st stateResponse
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/cancel", "", &st))
	assert.Equal(t, generation.Cancelled.String(), st.Generation.State)
	assert.Empty(t, st.Generation.Error)

	assert.Equal(t, http.StatusConflict, call(t, ts, http.MethodPost, "/api/cancel", "", nil))
	assert.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/reset", "", &st))
	assert.Equal(t, generation.Idle.String(), st.Generation.State)
}

func TestManualAnalyze(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{}, fakeExtractor{})

	var st stateResponse
	call(t, ts, http.MethodPost, "/api/mode", `{"value":"manual"}`, nil)
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/analyze", "", &st))
	assert.Equal(t, []string{session.NoteNoText}, st.AnalysisNotes)

	call(t, ts, http.MethodPost, "/api/text", `{"value":"Lý Thường Kiệt đời Lý"}`, nil)
	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/analyze", "", &st))
	assert.Equal(t, "Lý Thường Kiệt", st.Extracted["person"])
	assert.InDelta(t, 0.92, st.Scores["person"], 1e-9)
	assert.Equal(t, []string{"time", "costume"}, st.Missing)

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodPost, "/api/fields", `{"fields":{"time":"1075"}}`, &st))
	assert.Equal(t, "1075", st.Extracted["time"])
	assert.Empty(t, st.FormValues["time"])
}

func TestAnalyzeUpstreamFailure(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{}, fakeExtractor{err: &extraction.Error{Status: http.StatusServiceUnavailable}})

	call(t, ts, http.MethodPost, "/api/mode", `{"value":"manual"}`, nil)
	call(t, ts, http.MethodPost, "/api/text", `{"value":"Trận Bạch Đằng"}`, nil)

	var e apiError
	require.Equal(t, http.StatusBadGateway, call(t, ts, http.MethodPost, "/api/analyze", "", &e))
	assert.Equal(t, "NER API error (503)", e.Error)
}
