package player

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"caesartv/models"

	log "github.com/sirupsen/logrus"
)

type Slot string

const (
	SlotFull  Slot = "full"
	SlotLeft  Slot = "left"
	SlotRight Slot = "right"
)

// Backend renders clips. Play and Show block until the clip is done or ctx
// is canceled.
type Backend interface {
	Play(ctx context.Context, slot Slot, path string) error
	Show(ctx context.Context, slot Slot, path string, d time.Duration) error
}

// Likely4KSize is the file size above which a local video is assumed to be 4K.
const Likely4KSize = 50 * 1024 * 1024

// Likely4K guesses whether path holds a 4K video. Remote URLs always count
// as 4K so that they are streamed instead of decoded from disk.
func Likely4K(path string) bool {
	if path == "" {
		return false
	}
	if models.IsRemote(path) {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > Likely4KSize
}

// Resolve picks the source for a video slot: the local copy when it is
// readable and decodable here, otherwise the remote URL while online. An
// empty result means the slot cannot be played.
func Resolve(local, remote string, supports4K, online bool) string {
	if models.FileReadable(local) {
		if !supports4K && Likely4K(local) && remote != "" {
			log.WithField("module", "player").Warnf("no 4K decoder for %s, using remote playback", local)
			return remote
		}
		return local
	}
	if online && remote != "" {
		return remote
	}
	return ""
}

// ExecBackend runs an external player process per clip, mpv by default.
type ExecBackend struct {
	command string
	logger  *log.Entry
}

func NewExecBackend(command string) *ExecBackend {
	if command == "" {
		command = "mpv"
	}
	return &ExecBackend{
		command: command,
		logger:  log.WithFields(log.Fields{"module": "player-backend"}),
	}
}

func slotArgs(slot Slot) []string {
	args := []string{"--no-terminal", "--really-quiet", "--keep-open=no"}
	switch slot {
	case SlotLeft:
		args = append(args, "--no-border", "--geometry=50%x100%+0+0")
	case SlotRight:
		args = append(args, "--no-border", "--geometry=50%x100%-0+0")
	default:
		args = append(args, "--fs")
	}
	return args
}

func (b *ExecBackend) run(ctx context.Context, slot Slot, args []string) error {
	cmd := exec.CommandContext(ctx, b.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s exited in %s slot: %w: %s", b.command, slot, err, strings.TrimSpace(stderr.String()))
	}
	b.logger.Tracef("%s slot finished after %s", slot, time.Since(start))
	return nil
}

func (b *ExecBackend) Play(ctx context.Context, slot Slot, path string) error {
	return b.run(ctx, slot, append(slotArgs(slot), path))
}

func (b *ExecBackend) Show(ctx context.Context, slot Slot, path string, d time.Duration) error {
	secs := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	args := append(slotArgs(slot), "--image-display-duration="+secs, path)

	// The player should exit on its own; the deadline covers image loads that hang.
	ctx, cancel := context.WithTimeout(ctx, d+30*time.Second)
	defer cancel()
	return b.run(ctx, slot, args)
}
