package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"retell/pkg/logger"
	"retell/pkg/model"

	"go.uber.org/zap"
)

// Engine wraps a local whisper.cpp style CLI as the speech recognition
// backend. Segment lines are parsed off the child's stdout as they are
// printed, so the caller observes text incrementally.
type Engine struct {
	binary  string
	device  string
	compute string
	store   *ModelStore
}

func NewEngine(binary, device, compute string, store *ModelStore) *Engine {
	return &Engine{
		binary:  binary,
		device:  device,
		compute: compute,
		store:   store,
	}
}

// Transcribe starts recognition of the waveform with the named model and
// returns a lazy segment stream. With one candidate language that language
// is forced; with several, a detection pass picks the engine's best guess
// constrained to the candidate set, falling back to the first-listed entry.
func (e *Engine) Transcribe(ctx context.Context, wavPath, modelName string, languages []string) (*SegmentStream, error) {
	if len(languages) == 0 {
		return nil, fmt.Errorf("empty language candidate set")
	}

	key := ModelKey{Name: modelName, Device: e.device, Compute: e.compute}
	modelPath, err := e.store.Ensure(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("model load failed: %w", err)
	}

	lang := languages[0]
	if len(languages) > 1 {
		lang, err = e.pickLanguage(ctx, modelPath, wavPath, languages)
		if err != nil {
			return nil, err
		}
	}

	cmd := exec.CommandContext(ctx, e.binary, e.args(modelPath, wavPath, lang)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine start: %w", err)
	}

	logger.Debug("transcription started",
		zap.String("model", key.String()),
		zap.String("lang", lang),
		zap.String("wav", wavPath))

	stream := newSegmentStream()
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			seg, ok := parseSegmentLine(scanner.Text())
			if !ok {
				continue
			}
			stream.emit(seg)
		}

		if err := cmd.Wait(); err != nil {
			stream.finish(fmt.Errorf("engine failed: %w, stderr: %s",
				err, tail(stderr.String(), 500)))
			return
		}
		stream.finish(nil)
	}()

	return stream, nil
}

func (e *Engine) args(modelPath, wavPath, lang string) []string {
	args := []string{
		"-m", modelPath,
		"-l", lang,
		"-f", wavPath,
	}
	if e.device == "cpu" {
		args = append(args, "-ng")
	}
	return args
}

var detectedLangRe = regexp.MustCompile(`auto-detected language:\s*([a-z]{2,3})`)

// pickLanguage runs the engine's detection pass and constrains the result
// to the candidate set. The detected language wins when it is a candidate;
// otherwise the first-listed candidate does.
func (e *Engine) pickLanguage(ctx context.Context, modelPath, wavPath string, candidates []string) (string, error) {
	args := []string{
		"-m", modelPath,
		"-f", wavPath,
		"--detect-language",
	}
	if e.device == "cpu" {
		args = append(args, "-ng")
	}

	output, err := exec.CommandContext(ctx, e.binary, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("language detection failed: %w, output: %s",
			err, tail(string(output), 500))
	}

	match := detectedLangRe.FindSubmatch(output)
	if match == nil {
		return "", fmt.Errorf("language detection produced no result")
	}
	detected := string(match[1])

	for _, c := range candidates {
		if c == detected {
			logger.Debug("detected language accepted", zap.String("lang", detected))
			return detected, nil
		}
	}

	logger.Debug("detected language not in candidate set, using first candidate",
		zap.String("detected", detected),
		zap.Strings("candidates", candidates))
	return candidates[0], nil
}

var segmentLineRe = regexp.MustCompile(
	`^\[(\d{2}:\d{2}:\d{2}\.\d{3}) --> (\d{2}:\d{2}:\d{2}\.\d{3})\]\s*(.*)$`)

// parseSegmentLine parses one "[hh:mm:ss.mmm --> hh:mm:ss.mmm]  text" line.
func parseSegmentLine(line string) (model.Segment, bool) {
	match := segmentLineRe.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return model.Segment{}, false
	}
	start, err := parseStamp(match[1])
	if err != nil {
		return model.Segment{}, false
	}
	end, err := parseStamp(match[2])
	if err != nil {
		return model.Segment{}, false
	}
	return model.Segment{
		Text:  match[3],
		Start: start,
		End:   end,
	}, true
}

func parseStamp(stamp string) (time.Duration, error) {
	parts := strings.Split(stamp, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad timestamp %q", stamp)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s*float64(time.Second)), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
