package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"filmgen/internal/dispatch"
	"filmgen/internal/film"
	"filmgen/internal/jobstore"
	"filmgen/internal/provider"
	"filmgen/internal/retry"
	"filmgen/internal/storage"
)

type stubImages struct{}

func (stubImages) GenerateImage(_ context.Context, req provider.ImageRequest) (*provider.ImageAsset, error) {
	return &provider.ImageAsset{Data: []byte("png:" + req.Prompt), MimeType: "image/png"}, nil
}

func (stubImages) GenerateText(_ context.Context, prompt string) (string, error) {
	return "SCRIPT[" + prompt + "]", nil
}

type stubVideos struct{ baseURL string }

func (s stubVideos) SubmitVideo(context.Context, provider.VideoRequest) (string, error) {
	return "pred-1", nil
}

func (s stubVideos) Check(_ context.Context, id string) (provider.Prediction, error) {
	return provider.Prediction{ID: id, State: provider.PredictionSucceeded, OutputURL: s.baseURL + "/out.mp4"}, nil
}

func newTestApp(t *testing.T) (*App, *jobstore.MemoryStore) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("clip-bytes"))
	}))
	t.Cleanup(srv.Close)

	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	jobs := jobstore.NewMemoryStore()
	d := dispatch.New(dispatch.Options{
		Store: jobs,
		Runner: &retry.Runner{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Logger: zerolog.Nop(),
	})
	videos := stubVideos{baseURL: srv.URL}
	films := film.NewService(film.Options{
		Dispatcher: d,
		Films:      film.NewMemoryStore(),
		Images:     stubImages{},
		Videos:     videos,
		Objects:    objects,
		Fetcher:    storage.NewFetcher(objects, srv.Client()),
		Assembler:  noopAssembler{},
		Logger:     zerolog.Nop(),
		Poll:       provider.PollOptions{Interval: time.Millisecond, Timeout: time.Second},
		WorkDir:    t.TempDir(),
	})

	return &App{
		Dispatcher: d,
		Jobs:       jobs,
		Films:      films,
		Images:     stubImages{},
		Videos:     videos,
		Objects:    objects,
		Fetcher:    storage.NewFetcher(objects, srv.Client()),
		Poll:       provider.PollOptions{Interval: time.Millisecond, Timeout: time.Second},
		Log:        zerolog.Nop(),
	}, jobs
}

type noopAssembler struct{}

func (noopAssembler) Concat(_ context.Context, _ []string, outputPath string) error {
	return os.WriteFile(outputPath, []byte("assembled"), 0o644)
}

func (noopAssembler) Duration(_ context.Context, _ string) (float64, error) {
	return 1, nil
}

func (noopAssembler) ExtractFrame(_ context.Context, _ string, _ float64, framePath string) error {
	return os.WriteFile(framePath, []byte("frame"), 0o644)
}

// withURLParam injects a chi route parameter the way the router would.
// Repeated calls accumulate parameters on the same route context.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx, ok := r.Context().Value(chi.RouteCtxKey).(*chi.Context)
	if !ok {
		rctx = chi.NewRouteContext()
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}
	rctx.URLParams.Add(key, value)
	return r
}

func mustParseUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("parse uuid %q: %v", s, err)
	}
	return id
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestSubmitJobScriptCompletes(t *testing.T) {
	app, jobs := newTestApp(t)

	rec := postJSON(t, app.SubmitJob, `{
		"owner_id": "owner-1",
		"job_type": "script",
		"target_id": "story-1",
		"prompt": "a heist in the rain"
	}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		JobID        string `json:"job_id"`
		Status       string `json:"status"`
		Deduplicated bool   `json:"deduplicated"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Deduplicated {
		t.Fatal("first submission must not be deduplicated")
	}

	waitCompleted(t, jobs, resp.JobID, func(result json.RawMessage) {
		if !strings.Contains(string(result), "SCRIPT[a heist in the rain]") {
			t.Fatalf("unexpected result: %s", result)
		}
	})
}

func TestSubmitJobDeduplicates(t *testing.T) {
	app, _ := newTestApp(t)

	body := `{"owner_id": "o", "job_type": "clip", "target_id": "shot-1",
		"prompt": "pan left", "image_url": "https://cdn/ref.png"}`

	first := postJSON(t, app.SubmitJob, body)
	second := postJSON(t, app.SubmitJob, body)

	var a, b struct {
		JobID        string `json:"job_id"`
		Deduplicated bool   `json:"deduplicated"`
	}
	json.NewDecoder(first.Body).Decode(&a)
	json.NewDecoder(second.Body).Decode(&b)

	if b.JobID != a.JobID {
		t.Fatalf("duplicate submission must return the same job: %s vs %s", a.JobID, b.JobID)
	}
	if !b.Deduplicated {
		t.Fatal("second submission must be flagged deduplicated")
	}
}

func TestSubmitJobValidation(t *testing.T) {
	app, _ := newTestApp(t)

	cases := map[string]string{
		"missing owner":      `{"job_type": "script", "target_id": "t", "prompt": "p"}`,
		"missing prompt":     `{"owner_id": "o", "job_type": "script", "target_id": "t"}`,
		"unknown type":       `{"owner_id": "o", "job_type": "hologram", "target_id": "t", "prompt": "p"}`,
		"clip w/o image_url": `{"owner_id": "o", "job_type": "clip", "target_id": "t", "prompt": "p"}`,
		"broken json":        `{"owner_id":`,
	}
	for name, body := range cases {
		if rec := postJSON(t, app.SubmitJob, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestGetJobNotFound(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/4b4e64a0-0000-0000-0000-000000000000", nil)
	req = withURLParam(req, "id", "4b4e64a0-0000-0000-0000-000000000000")
	rec := httptest.NewRecorder()
	app.GetJob(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil)
	req = withURLParam(req, "id", "not-a-uuid")
	rec = httptest.NewRecorder()
	app.GetJob(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestCreateFilmValidation(t *testing.T) {
	app, _ := newTestApp(t)

	if rec := postJSON(t, app.CreateFilm, `{"shots": [{"number": 1, "video_prompt": "x"}]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing owner_id: expected 400, got %d", rec.Code)
	}
	if rec := postJSON(t, app.CreateFilm, `{"owner_id": "o", "shots": []}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty shots: expected 400, got %d", rec.Code)
	}

	rec := postJSON(t, app.CreateFilm, `{"owner_id": "o", "shots": [
		{"number": 1, "image_prompt": "a", "video_prompt": "b"}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["film_id"] == "" || resp["status"] != "generating" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestRegenerateShotRejectsBadNumber(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/films/f1/shots/zero/regenerate",
		strings.NewReader(`{"video_prompt": "x"}`))
	req = withURLParam(req, "id", "f1")
	req = withURLParam(req, "number", "zero")
	rec := httptest.NewRecorder()
	app.RegenerateShot(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func waitCompleted(t *testing.T, jobs *jobstore.MemoryStore, jobID string, check func(json.RawMessage)) {
	t.Helper()
	id := mustParseUUID(t, jobID)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status.Terminal() {
			if job.ErrorMessage != "" {
				t.Fatalf("job failed: %s", job.ErrorMessage)
			}
			check(job.Result)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job never finished")
}

func ExampleApp_Health() {
	app := &App{Log: zerolog.Nop()}
	rec := httptest.NewRecorder()
	app.Health(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	fmt.Println(rec.Code)
	// Output: 200
}
