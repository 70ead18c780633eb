package film

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"filmgen/internal/dispatch"
	"filmgen/internal/domain"
	"filmgen/internal/metrics"
	"filmgen/internal/provider"
	"filmgen/internal/ratelimit"
	"filmgen/internal/storage"
)

// Per-unit provider pricing, used for the film's running cost counters.
const (
	costPerImage = 0.04
	costPerClip  = 0.62
)

// ShotSpec is the caller's description of one shot.
type ShotSpec struct {
	Number      int    `json:"number"`
	ImagePrompt string `json:"image_prompt"`
	VideoPrompt string `json:"video_prompt"`
	Duration    int    `json:"duration,omitempty"`
}

// GenerateRequest describes a full film.
type GenerateRequest struct {
	OwnerID     string     `json:"owner_id"`
	AspectRatio string     `json:"aspect_ratio,omitempty"`
	Resolution  string     `json:"resolution,omitempty"`
	Shots       []ShotSpec `json:"shots"`
}

// shotResult is the payload a clip job stores on completion.
type shotResult struct {
	ArtifactRef string `json:"artifact_ref"`
	SourceURL   string `json:"source_url,omitempty"`
}

// Assembler is the local video collaborator. media.Assembler implements it.
type Assembler interface {
	Concat(ctx context.Context, clipPaths []string, outputPath string) error
	Duration(ctx context.Context, path string) (float64, error)
	ExtractFrame(ctx context.Context, clipPath string, offsetSeconds float64, framePath string) error
}

type Options struct {
	Dispatcher   *dispatch.Dispatcher
	Films        Store
	Images       provider.SyncGenerator
	Videos       provider.Predictor
	ImageLimiter *ratelimit.Limiter
	Objects      storage.ObjectStore
	Fetcher      *storage.Fetcher
	Assembler    Assembler
	Metrics      *metrics.Pipeline
	Logger       zerolog.Logger

	Poll    provider.PollOptions
	WorkDir string
}

// Service runs films end to end. Generate returns as soon as the film row
// exists; shot generation and assembly happen in the background.
type Service struct {
	opts Options
	log  zerolog.Logger
}

func NewService(opts Options) *Service {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Service{opts: opts, log: opts.Logger}
}

// Generate validates the request, records the film, and kicks off the
// background pipeline. The returned film id is immediately pollable.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if len(req.Shots) == 0 {
		return "", fmt.Errorf("film needs at least one shot")
	}
	seen := make(map[int]bool, len(req.Shots))
	for _, shot := range req.Shots {
		if shot.Number <= 0 {
			return "", fmt.Errorf("shot numbers start at 1, got %d", shot.Number)
		}
		if seen[shot.Number] {
			return "", fmt.Errorf("duplicate shot number %d", shot.Number)
		}
		seen[shot.Number] = true
	}

	filmID := uuid.NewString()
	film := domain.FilmJob{
		FilmID:     filmID,
		OwnerID:    req.OwnerID,
		Status:     domain.FilmStatusGenerating,
		TotalShots: len(req.Shots),
	}
	if err := s.opts.Films.Create(ctx, film); err != nil {
		return "", fmt.Errorf("create film: %w", err)
	}

	go s.run(filmID, req)
	return filmID, nil
}

// run owns the film from fan-out through assembly. It uses a background
// context: the film must keep going after the submitting request ends.
func (s *Service) run(filmID string, req GenerateRequest) {
	ctx := context.Background()
	log := s.log.With().Str("film_id", filmID).Logger()

	g, gctx := errgroup.WithContext(ctx)
	for _, shot := range req.Shots {
		shot := shot
		g.Go(func() error {
			// Shot failures are recorded, not propagated; one bad shot
			// must not cancel its siblings.
			s.runShot(gctx, filmID, req, shot, log)
			return nil
		})
	}
	g.Wait()

	s.finish(ctx, filmID, log)
}

func (s *Service) runShot(ctx context.Context, filmID string, req GenerateRequest, shot ShotSpec, log zerolog.Logger) {
	targetID := shotTarget(filmID, shot.Number)
	_, created, outcome, err := s.opts.Dispatcher.SubmitTracked(ctx, req.OwnerID, domain.JobTypeClip, targetID,
		func(ctx context.Context, h dispatch.Handle) (json.RawMessage, error) {
			return s.generateShot(ctx, h, filmID, req, shot)
		})
	if err != nil {
		log.Error().Err(err).Int("shot", shot.Number).Msg("shot submission failed")
		s.recordShotFailure(ctx, filmID, shot.Number, log)
		return
	}
	if !created {
		// An identical shot job is already active; its owner reports.
		log.Warn().Int("shot", shot.Number).Msg("shot already in flight")
		return
	}

	out := <-outcome
	if out.Status != domain.JobStatusCompleted {
		log.Error().Int("shot", shot.Number).Str("reason", out.Reason).Msg("shot failed")
		s.recordShotFailure(ctx, filmID, shot.Number, log)
		return
	}

	var result shotResult
	if err := json.Unmarshal(out.Result, &result); err != nil {
		log.Error().Err(err).Int("shot", shot.Number).Msg("shot result unreadable")
		s.recordShotFailure(ctx, filmID, shot.Number, log)
		return
	}
	if err := s.opts.Films.RecordShot(ctx, filmID, domain.CompletedShot{
		Number:      shot.Number,
		ArtifactRef: result.ArtifactRef,
	}); err != nil {
		log.Error().Err(err).Int("shot", shot.Number).Msg("record shot failed")
	}
}

func (s *Service) recordShotFailure(ctx context.Context, filmID string, shotNumber int, log zerolog.Logger) {
	if err := s.opts.Films.RecordShotFailure(ctx, filmID, shotNumber); err != nil {
		log.Error().Err(err).Int("shot", shotNumber).Msg("record shot failure failed")
	}
}

// generateShot is the work fn for one clip job: reference image, clip
// submission, poll, artifact mirror.
func (s *Service) generateShot(ctx context.Context, h dispatch.Handle, filmID string, req GenerateRequest, shot ShotSpec) (json.RawMessage, error) {
	imageURL, err := s.referenceImage(ctx, filmID, req, shot)
	if err != nil {
		return nil, fmt.Errorf("reference image: %w", err)
	}

	predictionID, err := s.opts.Videos.SubmitVideo(ctx, provider.VideoRequest{
		Prompt:      shot.VideoPrompt,
		ImageURL:    imageURL,
		Duration:    shot.Duration,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
	})
	if err != nil {
		return nil, fmt.Errorf("submit clip: %w", err)
	}

	// Persist the ref before the first poll so a restart can adopt this
	// prediction instead of paying for it twice.
	ref := domain.PredictionRef{PredictionID: predictionID, OwnerID: req.OwnerID, TargetID: shotTarget(filmID, shot.Number)}
	if err := h.SaveRef(ctx, ref); err != nil {
		s.log.Warn().Err(err).Str("prediction_id", predictionID).Msg("persist prediction ref failed")
	}

	opts := s.opts.Poll
	opts.Heartbeat = func(ctx context.Context) {
		if err := h.Heartbeat(ctx); err != nil {
			s.log.Warn().Err(err).Msg("heartbeat failed")
		}
	}
	pred, err := provider.Poll(ctx, s.opts.Videos, predictionID, opts)
	if err != nil {
		return nil, err
	}
	if pred.State == provider.PredictionFailed {
		reason := pred.Error
		if reason == "" {
			reason = "generation failed"
		}
		return nil, &provider.Error{Provider: "atlas", Code: "prediction_failed", Message: reason}
	}

	clipKey := fmt.Sprintf("films/%s/shots/%d/clip.mp4", filmID, shot.Number)
	if err := s.opts.Fetcher.Mirror(ctx, pred.OutputURL, clipKey); err != nil {
		return nil, fmt.Errorf("mirror clip: %w", err)
	}
	if err := s.opts.Films.AddCost(ctx, filmID, 0, costPerClip); err != nil {
		s.log.Warn().Err(err).Msg("record clip cost failed")
	}

	return json.Marshal(shotResult{ArtifactRef: clipKey, SourceURL: pred.OutputURL})
}

// referenceImage generates the shot's starting image and stages it in
// object storage, returning a URL the video provider can fetch.
func (s *Service) referenceImage(ctx context.Context, filmID string, req GenerateRequest, shot ShotSpec) (string, error) {
	if shot.ImagePrompt == "" {
		return "", nil
	}

	if s.opts.ImageLimiter != nil {
		release, err := s.opts.ImageLimiter.Acquire(ctx, nil)
		if err != nil {
			return "", err
		}
		defer release()
	}

	asset, err := s.opts.Images.GenerateImage(ctx, provider.ImageRequest{
		Prompt:      shot.ImagePrompt,
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("films/%s/shots/%d/ref%s", filmID, shot.Number, extFor(asset.MimeType))
	if err := s.opts.Objects.Put(ctx, key, bytes.NewReader(asset.Data), int64(len(asset.Data))); err != nil {
		return "", fmt.Errorf("store reference image: %w", err)
	}
	if err := s.opts.Films.AddCost(ctx, filmID, costPerImage, 0); err != nil {
		s.log.Warn().Err(err).Msg("record image cost failed")
	}
	return s.opts.Objects.URL(ctx, key)
}

// finish applies the completion policy and assembles whatever completed.
func (s *Service) finish(ctx context.Context, filmID string, log zerolog.Logger) {
	film, err := s.opts.Films.Get(ctx, filmID)
	if err != nil {
		log.Error().Err(err).Msg("load film for assembly failed")
		return
	}

	if len(film.CompletedShots) == 0 {
		reason := fmt.Sprintf("all %d shots failed", film.TotalShots)
		if err := s.opts.Films.SetStatus(ctx, filmID, domain.FilmStatusFailed, reason); err != nil {
			log.Error().Err(err).Msg("mark film failed failed")
		}
		log.Error().Int("total_shots", film.TotalShots).Msg("film failed, nothing to assemble")
		return
	}
	if len(film.FailedShots) > 0 {
		log.Warn().Ints("failed_shots", film.FailedShots).Msg("assembling partial film")
	}

	if err := s.assemble(ctx, &film); err != nil {
		log.Error().Err(err).Msg("assembly failed")
		if err := s.opts.Films.SetStatus(ctx, filmID, domain.FilmStatusFailed, fmt.Sprintf("assembly failed: %v", err)); err != nil {
			log.Error().Err(err).Msg("mark film failed failed")
		}
		return
	}
	log.Info().Int("shots", len(film.CompletedShots)).Msg("film ready")
}

// assemble stitches the film's completed shots, in shot order, into the
// final artifact and marks the film ready.
func (s *Service) assemble(ctx context.Context, film *domain.FilmJob) error {
	if err := s.opts.Films.SetStatus(ctx, film.FilmID, domain.FilmStatusAssembling, ""); err != nil {
		return fmt.Errorf("mark assembling: %w", err)
	}
	film.SortShots()

	workDir, err := os.MkdirTemp(s.opts.WorkDir, "assemble-"+film.FilmID+"-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	clipPaths := make([]string, 0, len(film.CompletedShots))
	for _, shot := range film.CompletedShots {
		local := filepath.Join(workDir, fmt.Sprintf("shot-%04d.mp4", shot.Number))
		if err := s.stage(ctx, shot.ArtifactRef, local); err != nil {
			return fmt.Errorf("stage shot %d: %w", shot.Number, err)
		}
		clipPaths = append(clipPaths, local)
	}

	finalPath := filepath.Join(workDir, "final.mp4")
	if err := s.opts.Assembler.Concat(ctx, clipPaths, finalPath); err != nil {
		return err
	}
	cut := s.probeFinalCut(ctx, film.FilmID, finalPath, workDir)

	finalKey := fmt.Sprintf("films/%s/final.mp4", film.FilmID)
	f, err := os.Open(finalPath)
	if err != nil {
		return fmt.Errorf("open assembled film: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat assembled film: %w", err)
	}
	if err := s.opts.Objects.Put(ctx, finalKey, f, info.Size()); err != nil {
		return fmt.Errorf("upload assembled film: %w", err)
	}
	cut.VideoRef = finalKey

	if err := s.opts.Films.SetFinalVideo(ctx, film.FilmID, cut); err != nil {
		return fmt.Errorf("mark film ready: %w", err)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.FilmsAssembled.Inc()
	}
	return nil
}

// probeFinalCut measures the assembled film and stages its poster frame.
// Both are metadata; their failure never fails an already-assembled film.
func (s *Service) probeFinalCut(ctx context.Context, filmID, finalPath, workDir string) FinalCut {
	var cut FinalCut
	log := s.log.With().Str("film_id", filmID).Logger()

	dur, err := s.opts.Assembler.Duration(ctx, finalPath)
	if err != nil {
		log.Warn().Err(err).Msg("probe film duration failed")
	} else {
		cut.DurationSeconds = dur
	}

	posterPath := filepath.Join(workDir, "poster.jpg")
	if err := s.opts.Assembler.ExtractFrame(ctx, finalPath, 0, posterPath); err != nil {
		log.Warn().Err(err).Msg("extract poster frame failed")
		return cut
	}
	poster, err := os.Open(posterPath)
	if err != nil {
		log.Warn().Err(err).Msg("open poster frame failed")
		return cut
	}
	defer poster.Close()
	info, err := poster.Stat()
	if err != nil {
		log.Warn().Err(err).Msg("stat poster frame failed")
		return cut
	}
	posterKey := fmt.Sprintf("films/%s/poster.jpg", filmID)
	if err := s.opts.Objects.Put(ctx, posterKey, poster, info.Size()); err != nil {
		log.Warn().Err(err).Msg("upload poster frame failed")
		return cut
	}
	cut.PosterRef = posterKey
	return cut
}

func (s *Service) stage(ctx context.Context, key, localPath string) error {
	rc, err := s.opts.Objects.Open(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RegenerateShot re-runs a single shot and re-assembles the film with the
// replacement artifact. The feedback, when present, is appended to the
// shot's prompts.
func (s *Service) RegenerateShot(ctx context.Context, filmID string, shot ShotSpec, feedback string) error {
	film, err := s.opts.Films.Get(ctx, filmID)
	if err != nil {
		return err
	}
	if film.Status == domain.FilmStatusGenerating || film.Status == domain.FilmStatusAssembling {
		return fmt.Errorf("film %s is still %s", filmID, film.Status)
	}
	if shot.Number <= 0 || shot.Number > film.TotalShots {
		return fmt.Errorf("shot %d out of range 1..%d", shot.Number, film.TotalShots)
	}
	if feedback != "" {
		if shot.ImagePrompt != "" {
			shot.ImagePrompt = shot.ImagePrompt + "\nRevision notes: " + feedback
		}
		shot.VideoPrompt = shot.VideoPrompt + "\nRevision notes: " + feedback
	}

	if err := s.opts.Films.SetStatus(ctx, filmID, domain.FilmStatusGenerating, ""); err != nil {
		return fmt.Errorf("mark regenerating: %w", err)
	}

	req := GenerateRequest{OwnerID: film.OwnerID, Shots: []ShotSpec{shot}}
	go func() {
		bg := context.Background()
		log := s.log.With().Str("film_id", filmID).Int("shot", shot.Number).Logger()
		s.runShot(bg, filmID, req, shot, log)
		s.finish(bg, filmID, log)
	}()
	return nil
}

// Status returns the film row for the HTTP surface.
func (s *Service) Status(ctx context.Context, filmID string) (domain.FilmJob, error) {
	return s.opts.Films.Get(ctx, filmID)
}

func shotTarget(filmID string, shotNumber int) string {
	return filmID + "/shot-" + strconv.Itoa(shotNumber)
}

func extFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"):
		return ".jpg"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	default:
		return ".png"
	}
}
