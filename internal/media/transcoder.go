package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"retell/pkg/logger"

	"go.uber.org/zap"
)

// Transcoder converts arbitrary downloaded media into the canonical decoder
// input: 16 kHz mono signed 16-bit PCM WAV. It wraps ffmpeg as a scoped
// child process; conversion failures are not retried.
type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
}

func NewTranscoder(ffmpegPath, ffprobePath string) *Transcoder {
	return &Transcoder{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// Probe returns the media duration, or an error when ffprobe cannot
// determine one.
func (t *Transcoder) Probe(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe output unparseable for %s: %w", path, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Convert transcodes input into a 16 kHz mono PCM WAV at output. onProgress,
// when non-nil, receives completion percentages parsed from ffmpeg's
// machine-readable progress stream (never more than 99 until the process
// exits cleanly).
func (t *Transcoder) Convert(ctx context.Context, input, output string, onProgress func(pct int)) error {
	total, err := t.Probe(ctx, input)
	if err != nil {
		logger.Debug("conversion progress unavailable, duration unknown",
			zap.String("input", input), zap.Error(err))
		total = 0
	}

	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-y",
		"-i", input,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		output,
		"-progress", "pipe:1",
		"-nostats",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	lastPct := -1
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if onProgress == nil || total <= 0 {
			continue
		}
		if value, found := strings.CutPrefix(line, "out_time_ms="); found {
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			pct := clampPct(time.Duration(us)*time.Microsecond, total)
			if pct != lastPct {
				lastPct = pct
				onProgress(pct)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed for %s: %w, stderr: %s",
			input, err, strings.TrimSpace(stderr.String()))
	}

	logger.Debug("conversion done", zap.String("input", input), zap.String("output", output))
	return nil
}

func clampPct(done, total time.Duration) int {
	pct := int(float64(done) / float64(total) * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return pct
}
