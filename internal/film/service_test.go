package film

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"filmgen/internal/dispatch"
	"filmgen/internal/domain"
	"filmgen/internal/jobstore"
	"filmgen/internal/metrics"
	"filmgen/internal/provider"
	"filmgen/internal/retry"
	"filmgen/internal/storage"
)

type fakeImages struct {
	calls int32
}

func (f *fakeImages) GenerateImage(_ context.Context, req provider.ImageRequest) (*provider.ImageAsset, error) {
	atomic.AddInt32(&f.calls, 1)
	return &provider.ImageAsset{Data: []byte("png:" + req.Prompt), MimeType: "image/png"}, nil
}

func (f *fakeImages) GenerateText(context.Context, string) (string, error) {
	return "", fmt.Errorf("not used")
}

// fakeVideos succeeds immediately unless the prompt carries the fail
// marker. Output URLs point at the test artifact server.
type fakeVideos struct {
	baseURL string
	submits int32
}

const failMarker = "[reject]"

func (f *fakeVideos) SubmitVideo(_ context.Context, req provider.VideoRequest) (string, error) {
	if strings.Contains(req.Prompt, failMarker) {
		return "", &provider.Error{Provider: "atlas", Code: "moderation", Message: "safety filter"}
	}
	n := atomic.AddInt32(&f.submits, 1)
	return fmt.Sprintf("pred-%d", n), nil
}

func (f *fakeVideos) Check(_ context.Context, id string) (provider.Prediction, error) {
	return provider.Prediction{
		ID:        id,
		State:     provider.PredictionSucceeded,
		OutputURL: f.baseURL + "/" + id + ".mp4",
	}, nil
}

// joinAssembler concatenates clip file contents with a separator, enough
// to assert ordering without ffmpeg.
type joinAssembler struct{}

func (joinAssembler) Concat(_ context.Context, clipPaths []string, outputPath string) error {
	var parts []string
	for _, p := range clipPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		parts = append(parts, string(data))
	}
	return os.WriteFile(outputPath, []byte(strings.Join(parts, "|")), 0o644)
}

func (joinAssembler) Duration(_ context.Context, path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.Size()), nil
}

func (joinAssembler) ExtractFrame(_ context.Context, clipPath string, _ float64, framePath string) error {
	data, err := os.ReadFile(clipPath)
	if err != nil {
		return err
	}
	return os.WriteFile(framePath, append([]byte("frame:"), data...), 0o644)
}

type fixture struct {
	svc     *Service
	films   *MemoryStore
	objects *storage.FileStore
	images  *fakeImages
	videos  *fakeVideos
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "clip"+strings.TrimSuffix(r.URL.Path, ".mp4"))
	}))
	t.Cleanup(srv.Close)

	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	d := dispatch.New(dispatch.Options{
		Store: jobstore.NewMemoryStore(),
		Runner: &retry.Runner{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Logger: zerolog.Nop(),
	})

	films := NewMemoryStore()
	images := &fakeImages{}
	videos := &fakeVideos{baseURL: srv.URL}
	svc := NewService(Options{
		Dispatcher: d,
		Films:      films,
		Images:     images,
		Videos:     videos,
		Objects:    objects,
		Fetcher:    storage.NewFetcher(objects, srv.Client()),
		Assembler:  joinAssembler{},
		Metrics:    metrics.NewPipeline(prometheus.NewRegistry()),
		Logger:     zerolog.Nop(),
		Poll:       provider.PollOptions{Interval: time.Millisecond, Timeout: time.Second},
		WorkDir:    t.TempDir(),
	})
	return &fixture{svc: svc, films: films, objects: objects, images: images, videos: videos}
}

func (f *fixture) waitSettled(t *testing.T, filmID string) domain.FilmJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		film, err := f.svc.Status(context.Background(), filmID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if film.Status == domain.FilmStatusReady || film.Status == domain.FilmStatusFailed {
			return film
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("film never settled")
	return domain.FilmJob{}
}

func (f *fixture) readObject(t *testing.T, key string) string {
	t.Helper()
	rc, err := f.objects.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

func shots(n int) []ShotSpec {
	out := make([]ShotSpec, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, ShotSpec{
			Number:      i,
			ImagePrompt: fmt.Sprintf("frame for shot %d", i),
			VideoPrompt: fmt.Sprintf("motion for shot %d", i),
		})
	}
	return out
}

func TestGenerateAssemblesAllShots(t *testing.T) {
	f := newFixture(t)

	filmID, err := f.svc.Generate(context.Background(), GenerateRequest{
		OwnerID: "owner-1",
		Shots:   shots(3),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	film := f.waitSettled(t, filmID)
	if film.Status != domain.FilmStatusReady {
		t.Fatalf("expected ready, got %s (%s)", film.Status, film.ErrorMessage)
	}
	if len(film.CompletedShots) != 3 {
		t.Fatalf("expected 3 completed shots, got %d", len(film.CompletedShots))
	}
	if len(film.FailedShots) != 0 {
		t.Fatalf("expected no failures, got %v", film.FailedShots)
	}
	if film.FinalVideoRef == "" {
		t.Fatal("final video ref must be set")
	}
	if film.CostTotal() <= 0 {
		t.Fatal("cost counters must accumulate")
	}
	if film.DurationSeconds <= 0 {
		t.Fatalf("ready film must record a probed duration, got %v", film.DurationSeconds)
	}
	if film.PosterRef == "" {
		t.Fatal("ready film must record a poster ref")
	}
	if poster := f.readObject(t, film.PosterRef); !strings.HasPrefix(poster, "frame:") {
		t.Fatalf("poster must be an extracted frame, got %q", poster)
	}

	// Every shot contributes exactly once, in shot order.
	final := f.readObject(t, film.FinalVideoRef)
	if strings.Count(final, "clip/pred-") != 3 {
		t.Fatalf("expected 3 clips in final artifact, got %q", final)
	}
	if atomic.LoadInt32(&f.images.calls) != 3 {
		t.Fatalf("expected 3 reference images, got %d", f.images.calls)
	}
}

func TestGenerateToleratesPartialFailure(t *testing.T) {
	f := newFixture(t)

	specs := shots(3)
	specs[1].VideoPrompt = failMarker + " " + specs[1].VideoPrompt

	filmID, err := f.svc.Generate(context.Background(), GenerateRequest{
		OwnerID: "owner-1",
		Shots:   specs,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	film := f.waitSettled(t, filmID)
	if film.Status != domain.FilmStatusReady {
		t.Fatalf("partial failure must still produce a film, got %s (%s)", film.Status, film.ErrorMessage)
	}
	if len(film.CompletedShots) != 2 {
		t.Fatalf("expected 2 completed shots, got %d", len(film.CompletedShots))
	}
	if len(film.FailedShots) != 1 || film.FailedShots[0] != 2 {
		t.Fatalf("failed shot numbers must be recorded, got %v", film.FailedShots)
	}

	film.SortShots()
	if film.CompletedShots[0].Number != 1 || film.CompletedShots[1].Number != 3 {
		t.Fatalf("unexpected surviving shots: %+v", film.CompletedShots)
	}
}

func TestGenerateFailsWhenEveryShotFails(t *testing.T) {
	f := newFixture(t)

	specs := shots(2)
	for i := range specs {
		specs[i].VideoPrompt = failMarker
	}

	filmID, err := f.svc.Generate(context.Background(), GenerateRequest{
		OwnerID: "owner-1",
		Shots:   specs,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	film := f.waitSettled(t, filmID)
	if film.Status != domain.FilmStatusFailed {
		t.Fatalf("expected failed, got %s", film.Status)
	}
	if !strings.Contains(film.ErrorMessage, "all 2 shots failed") {
		t.Fatalf("unexpected error message: %q", film.ErrorMessage)
	}
	if film.FinalVideoRef != "" {
		t.Fatal("no final video on a failed film")
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Generate(ctx, GenerateRequest{OwnerID: "o"}); err == nil {
		t.Fatal("empty shot list must be rejected")
	}
	if _, err := f.svc.Generate(ctx, GenerateRequest{
		OwnerID: "o",
		Shots:   []ShotSpec{{Number: 1}, {Number: 1}},
	}); err == nil {
		t.Fatal("duplicate shot numbers must be rejected")
	}
	if _, err := f.svc.Generate(ctx, GenerateRequest{
		OwnerID: "o",
		Shots:   []ShotSpec{{Number: 0}},
	}); err == nil {
		t.Fatal("shot number 0 must be rejected")
	}
}

func TestRegenerateShotReplacesArtifactAndReassembles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	filmID, err := f.svc.Generate(ctx, GenerateRequest{OwnerID: "owner-1", Shots: shots(3)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	before := f.waitSettled(t, filmID)
	if before.Status != domain.FilmStatusReady {
		t.Fatalf("setup film not ready: %s", before.Status)
	}
	finalBefore := f.readObject(t, before.FinalVideoRef)

	err = f.svc.RegenerateShot(ctx, filmID, ShotSpec{
		Number:      2,
		ImagePrompt: "frame for shot 2, take two",
		VideoPrompt: "motion for shot 2, take two",
	}, "less camera shake")
	if err != nil {
		t.Fatalf("RegenerateShot: %v", err)
	}

	after := f.waitSettled(t, filmID)
	if after.Status != domain.FilmStatusReady {
		t.Fatalf("expected ready after regeneration, got %s (%s)", after.Status, after.ErrorMessage)
	}
	if len(after.CompletedShots) != 3 {
		t.Fatalf("regeneration must replace, not append: %d shots", len(after.CompletedShots))
	}
	finalAfter := f.readObject(t, after.FinalVideoRef)
	if finalAfter == finalBefore {
		t.Fatal("final artifact must change after regeneration")
	}
}

func TestRegenerateShotGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.RegenerateShot(ctx, "no-such-film", ShotSpec{Number: 1}, ""); err == nil {
		t.Fatal("unknown film must be rejected")
	}

	filmID, err := f.svc.Generate(ctx, GenerateRequest{OwnerID: "owner-1", Shots: shots(2)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	f.waitSettled(t, filmID)

	if err := f.svc.RegenerateShot(ctx, filmID, ShotSpec{Number: 9}, ""); err == nil {
		t.Fatal("out-of-range shot must be rejected")
	}
}

func TestMarkInterruptedFlipsInFlightFilms(t *testing.T) {
	films := NewMemoryStore()
	ctx := context.Background()

	for i, status := range []domain.FilmStatus{
		domain.FilmStatusGenerating,
		domain.FilmStatusAssembling,
		domain.FilmStatusReady,
	} {
		films.Create(ctx, domain.FilmJob{
			FilmID:     fmt.Sprintf("film-%d", i),
			OwnerID:    "owner-1",
			Status:     status,
			TotalShots: 1,
		})
	}

	n, err := films.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 films flipped, got %d", n)
	}

	ready, _ := films.Get(ctx, "film-2")
	if ready.Status != domain.FilmStatusReady {
		t.Fatal("ready films must be left alone")
	}
}
