package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Validator decides whether a file on disk is a playable video.
type Validator interface {
	Valid(ctx context.Context, path string) bool
}

type ValidatorFunc func(ctx context.Context, path string) bool

func (f ValidatorFunc) Valid(ctx context.Context, path string) bool {
	return f(ctx, path)
}

// Prober reads container metadata with ffprobe.
type Prober struct {
	command string
	timeout time.Duration
	logger  *log.Entry
}

func NewProber(command string) *Prober {
	if command == "" {
		command = "ffprobe"
	}
	return &Prober{
		command: command,
		timeout: 30 * time.Second,
		logger:  log.WithFields(log.Fields{"module": "prober"}),
	}
}

// Duration returns the container duration of the file at path.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return 0, fmt.Errorf("%s timed out after %s", p.command, p.timeout)
	}
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w: %s", p.command, err, strings.TrimSpace(stderr.String()))
	}
	return parseDuration(string(out))
}

func parseDuration(out string) (time.Duration, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, errors.New("no duration reported")
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Valid reports whether the file has a positive duration.
func (p *Prober) Valid(ctx context.Context, path string) bool {
	d, err := p.Duration(ctx, path)
	if err != nil {
		p.logger.Warnf("invalid video file %s: %v", path, err)
		return false
	}
	valid := d > 0
	p.logger.Debugf("video file validation: %s, duration %s, valid %v", path, d, valid)
	return valid
}
