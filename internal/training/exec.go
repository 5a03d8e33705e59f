package training

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ExecTrainer delegates the training loop to an external command, typically
// the Python script that owns the dataset and the model architecture. The
// command receives the parameters as flags and must emit progress lines on
// stdout:
//
//	epoch 3/10 loss=0.1234 accuracy=0.9576
//	saved models/trained_model_1714412345.onnx
//
// The "saved" line names the produced artifact and is required on success.
type ExecTrainer struct {
	// Command is the argv prefix, e.g. {"python3", "scripts/train_mnist.py"}.
	Command []string
	// Dir is the working directory for the command; empty means inherit.
	Dir string
	// Logger receives trainer stderr and diagnostics.
	Logger *slog.Logger
}

var (
	progressRe = regexp.MustCompile(`^epoch\s+(\d+)/(\d+)\s+loss=([0-9.eE+-]+)\s+accuracy=([0-9.eE+-]+)\s*$`)
	savedRe    = regexp.MustCompile(`^saved\s+(\S+)\s*$`)
)

// Train runs the configured command to completion, forwarding per-epoch
// metrics through report. It returns the artifact path announced by the
// command's final "saved" line.
func (e *ExecTrainer) Train(ctx context.Context, cfg Config, report func(Progress)) (string, error) {
	if len(e.Command) == 0 {
		return "", errors.New("training: no trainer command configured")
	}
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}

	args := slices.Clone(e.Command[1:])
	args = append(args,
		"--epochs", strconv.Itoa(cfg.Epochs),
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--learning-rate", strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64),
	)

	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = e.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("training: attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("training: attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("training: starting %q: %w", e.Command[0], err)
	}

	// Drain stderr concurrently so the trainer cannot block on a full pipe.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("trainer stderr", "line", scanner.Text())
		}
	}()

	var artifact string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := progressRe.FindStringSubmatch(line); m != nil {
			epoch, _ := strconv.Atoi(m[1])
			loss, _ := strconv.ParseFloat(m[3], 64)
			acc, _ := strconv.ParseFloat(m[4], 64)
			report(Progress{Epoch: epoch, Loss: loss, Accuracy: acc})
			continue
		}
		if m := savedRe.FindStringSubmatch(line); m != nil {
			artifact = m[1]
		}
	}
	scanErr := scanner.Err()
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("training: trainer command failed: %w", err)
	}
	if scanErr != nil {
		return "", fmt.Errorf("training: reading trainer output: %w", scanErr)
	}
	if artifact == "" {
		return "", errors.New("training: trainer exited without announcing an artifact")
	}
	return artifact, nil
}
