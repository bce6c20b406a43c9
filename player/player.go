// Package player drives the display slots and reports playback events.
package player

import (
	"context"
	"errors"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

type PlaybackNotificationType string

const (
	PlaybackStarted   PlaybackNotificationType = "started"
	PlaybackCompleted PlaybackNotificationType = "completed"
	PlaybackError     PlaybackNotificationType = "error"
	PlaybackStopped   PlaybackNotificationType = "stopped"
)

type PlaybackNotification struct {
	Event   PlaybackNotificationType
	MediaID string
	Slot    Slot
	Path    string
	// Seq identifies the clip; it matches the value returned by StartVideo
	// or StartImage.
	Seq   uint64
	Error error
}

type SlotStatus struct {
	Slot    Slot      `json:"slot"`
	MediaID string    `json:"mediaId"`
	Path    string    `json:"path"`
	Since   time.Time `json:"since"`
}

type clip struct {
	seq    uint64
	cancel context.CancelFunc
	status SlotStatus
}

// PlaybackState runs at most one clip per slot.
type PlaybackState struct {
	backend       Backend
	notifications chan PlaybackNotification
	quit          chan struct{}
	quitOnce      sync.Once

	mutex  sync.Mutex
	seq    uint64
	active map[Slot]*clip
	wg     sync.WaitGroup
	logger *log.Entry
}

func NewPlaybackState(backend Backend, notifications chan PlaybackNotification) *PlaybackState {
	return &PlaybackState{
		backend:       backend,
		notifications: notifications,
		quit:          make(chan struct{}),
		active:        make(map[Slot]*clip),
		logger:        log.WithFields(log.Fields{"module": "player"}),
	}
}

// StartVideo replaces whatever runs in slot with the video at path.
func (ps *PlaybackState) StartVideo(slot Slot, mediaID, path string) uint64 {
	return ps.start(slot, mediaID, path, func(ctx context.Context) error {
		return ps.backend.Play(ctx, slot, path)
	})
}

// StartImage shows the image at path in slot for d.
func (ps *PlaybackState) StartImage(slot Slot, mediaID, path string, d time.Duration) uint64 {
	return ps.start(slot, mediaID, path, func(ctx context.Context) error {
		return ps.backend.Show(ctx, slot, path, d)
	})
}

func (ps *PlaybackState) start(slot Slot, mediaID, path string, run func(context.Context) error) uint64 {
	ps.mutex.Lock()
	if prev, ok := ps.active[slot]; ok {
		prev.cancel()
	}
	ps.seq++
	ctx, cancel := context.WithCancel(context.Background())
	c := &clip{
		seq:    ps.seq,
		cancel: cancel,
		status: SlotStatus{Slot: slot, MediaID: mediaID, Path: path, Since: time.Now()},
	}
	ps.active[slot] = c
	ps.wg.Add(1)
	ps.mutex.Unlock()

	ps.logger.Debugf("starting %s in %s slot: %s", mediaID, slot, path)

	go func() {
		defer ps.wg.Done()
		defer cancel()

		ps.notify(PlaybackNotification{Event: PlaybackStarted, MediaID: mediaID, Slot: slot, Path: path, Seq: c.seq})
		err := run(ctx)

		ps.mutex.Lock()
		if ps.active[slot] == c {
			delete(ps.active, slot)
		}
		ps.mutex.Unlock()

		n := PlaybackNotification{MediaID: mediaID, Slot: slot, Path: path, Seq: c.seq}
		switch {
		case errors.Is(err, context.Canceled):
			n.Event = PlaybackStopped
		case err != nil:
			ps.logger.Errorf("playback of %s failed: %v", mediaID, err)
			sentry.CaptureException(err)
			n.Event = PlaybackError
			n.Error = err
		default:
			n.Event = PlaybackCompleted
		}
		ps.notify(n)
	}()
	return c.seq
}

func (ps *PlaybackState) notify(n PlaybackNotification) {
	select {
	case ps.notifications <- n:
	case <-ps.quit:
	}
}

// Stop cancels every running clip. Stopped events are still delivered.
func (ps *PlaybackState) Stop() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	for slot, c := range ps.active {
		c.cancel()
		delete(ps.active, slot)
	}
}

// Wait blocks until every started clip has finished.
func (ps *PlaybackState) Wait() {
	ps.wg.Wait()
}

// Quit stops playback and releases goroutines blocked on notification delivery.
func (ps *PlaybackState) Quit() {
	ps.Stop()
	ps.quitOnce.Do(func() { close(ps.quit) })
	ps.wg.Wait()
}

func (ps *PlaybackState) IsPlaying() bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return len(ps.active) > 0
}

// Playing lists the clips on screen.
func (ps *PlaybackState) Playing() []SlotStatus {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	out := make([]SlotStatus, 0, len(ps.active))
	for _, slot := range []Slot{SlotFull, SlotLeft, SlotRight} {
		if c, ok := ps.active[slot]; ok {
			out = append(out, c.status)
		}
	}
	return out
}
