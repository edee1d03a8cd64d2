package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CommandConfig configures the CLI-backed engine.
type CommandConfig struct {
	// Binary is the reconstruction executable, resolved through PATH if
	// not absolute.
	Binary string

	// ProbeArgs, when set, are run against Binary during the capability
	// check; a zero exit code means the host can reconstruct. With no
	// probe args, resolving the binary is the whole check.
	ProbeArgs []string

	// ProbeTimeout bounds the probe run. Defaults to 10s.
	ProbeTimeout time.Duration

	// OutputDir is where produced artifacts are written, one file per job.
	OutputDir string

	// OutputFilename names the artifact inside OutputDir before the job
	// ID is prefixed. Defaults to "model.usdz".
	OutputFilename string
}

// CommandEngine drives an external photogrammetry CLI. It expects the
// tool to accept <input-dir> <output-file> -d <detail> and to report
// progress on stdout as lines containing "Progress = <fraction>".
type CommandEngine struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommandEngine creates a CLI-backed engine.
func NewCommandEngine(cfg CommandConfig, logger *slog.Logger) *CommandEngine {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.OutputFilename == "" {
		cfg.OutputFilename = "model.usdz"
	}
	return &CommandEngine{cfg: cfg, logger: logger}
}

// CapabilityCheck resolves the binary and, if configured, runs the probe
// command. The probe stands in for the hardware check the engine performs
// itself (GPU memory, raytracing support).
func (e *CommandEngine) CapabilityCheck(ctx context.Context) bool {
	path, err := exec.LookPath(e.cfg.Binary)
	if err != nil {
		e.logger.Warn("Reconstruction binary not found",
			slog.String("binary", e.cfg.Binary),
			slog.Any("error", err),
		)
		return false
	}

	if len(e.cfg.ProbeArgs) == 0 {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, e.cfg.ProbeArgs...)
	if err := cmd.Run(); err != nil {
		e.logger.Warn("Reconstruction capability probe failed",
			slog.String("binary", path),
			slog.Any("error", err),
		)
		return false
	}

	return true
}

// Submit launches the reconstruction process for a staged input directory
// and returns its event stream. The process is started before Submit
// returns; start failures are submission errors.
func (e *CommandEngine) Submit(ctx context.Context, inputDir string, detail Detail) (<-chan Event, error) {
	info, err := os.Stat(inputDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: input directory %q not readable", ErrSubmission, inputDir)
	}

	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: output directory: %v", ErrSubmission, err)
	}

	outputPath := filepath.Join(e.cfg.OutputDir, filepath.Base(inputDir)+"-"+e.cfg.OutputFilename)

	cmd := exec.CommandContext(ctx, e.cfg.Binary, inputDir, outputPath, "-d", string(detail))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	e.logger.Info("Reconstruction process started",
		slog.String("input_dir", inputDir),
		slog.String("output_path", outputPath),
		slog.String("detail", string(detail)),
		slog.Int("pid", cmd.Process.Pid),
	)

	events := make(chan Event)
	go e.consume(cmd, stdout, &stderr, outputPath, events)

	return events, nil
}

// consume relays process output as events and closes the channel after
// exactly one terminal event.
func (e *CommandEngine) consume(cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, outputPath string, events chan<- Event) {
	defer close(events)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if fraction, ok := parseProgressLine(scanner.Text()); ok {
			events <- Event{Kind: EventProgress, Fraction: fraction}
		}
	}

	err := cmd.Wait()
	if err != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = err.Error()
		}
		events <- Event{Kind: EventError, Reason: reason}
		return
	}

	if _, statErr := os.Stat(outputPath); statErr != nil {
		events <- Event{Kind: EventError, Reason: "process exited without producing an artifact"}
		return
	}

	events <- Event{Kind: EventComplete, OutputPath: outputPath}
}

var progressLineRe = regexp.MustCompile(`(?i)progress[^0-9]*([0-9]*\.?[0-9]+)`)

// parseProgressLine extracts a completion fraction from one stdout line.
// Accepts fractional ("Progress = 0.35", "Progress(request = ...) = 0.35")
// and percentage ("progress 35.0") notations.
func parseProgressLine(line string) (float64, bool) {
	m := progressLineRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	if value > 1 {
		value /= 100
	}
	if value < 0 || value > 1 {
		return 0, false
	}
	return value, true
}
