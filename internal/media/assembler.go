// Package media shells out to ffmpeg for the local video work: stitching
// shot clips into a film and pulling continuity frames out of clips.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Assembler runs ffmpeg and ffprobe as subprocesses. All paths are local;
// the caller stages inputs from object storage first.
type Assembler struct {
	ffmpegPath  string
	ffprobePath string
	log         zerolog.Logger
}

func NewAssembler(ffmpegPath, ffprobePath string, log zerolog.Logger) *Assembler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Assembler{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, log: log}
}

// Concat joins the clips in order into outputPath using the concat demuxer
// with stream copy, so no re-encode happens.
func (a *Assembler) Concat(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listFile, err := writeConcatList(clipPaths, filepath.Dir(outputPath))
	if err != nil {
		return err
	}
	defer os.Remove(listFile)

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		outputPath,
	}
	if err := a.run(ctx, a.ffmpegPath, args); err != nil {
		return fmt.Errorf("concat %d clips: %w", len(clipPaths), err)
	}
	a.log.Info().Int("clips", len(clipPaths)).Str("output", outputPath).Msg("film assembled")
	return nil
}

// ExtractFrame writes the frame at offsetSeconds of clipPath to framePath.
// Used to hand the last frame of one shot to the next shot's image prompt.
func (a *Assembler) ExtractFrame(ctx context.Context, clipPath string, offsetSeconds float64, framePath string) error {
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(offsetSeconds, 'f', 3, 64),
		"-i", clipPath,
		"-frames:v", "1",
		"-q:v", "2",
		framePath,
	}
	if err := a.run(ctx, a.ffmpegPath, args); err != nil {
		return fmt.Errorf("extract frame at %.3fs: %w", offsetSeconds, err)
	}
	return nil
}

// Duration reports the length of a media file in seconds via ffprobe.
func (a *Assembler) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	cmd := exec.CommandContext(ctx, a.ffprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %q: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", stdout.String(), err)
	}
	return dur, nil
}

func (a *Assembler) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	a.log.Debug().Str("bin", bin).Strs("args", args).Msg("running")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", bin, err, lastLines(stderr.String(), 5))
	}
	return nil
}

// writeConcatList emits the ffconcat file the concat demuxer reads. Single
// quotes in paths are escaped per ffmpeg's quoting rules.
func writeConcatList(clipPaths []string, dir string) (string, error) {
	f, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create concat list: %w", err)
	}
	for _, p := range clipPaths {
		escaped := strings.ReplaceAll(p, "'", `'\''`)
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("write concat list: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
