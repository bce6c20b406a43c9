// Package controller cycles through the playlist and puts each item on screen.
package controller

import (
	"context"
	"sync"
	"time"

	"caesartv/database"
	"caesartv/models"
	"caesartv/player"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

type ControlEventType string

const (
	EventLoad  ControlEventType = "load"
	EventSkip  ControlEventType = "skip"
	EventRetry ControlEventType = "retry"
	EventStop  ControlEventType = "stop"
)

type ControlEvent struct {
	Type  ControlEventType
	Items []models.MediaItem
}

// History receives one record per presentation outcome.
type History interface {
	RecordPlay(ctx context.Context, mediaID, title, path string, outcome database.PlayOutcome) error
}

type Options struct {
	Supports4K      bool
	ImageDisplay    time.Duration
	MultipleTimeout time.Duration
	// Online reports whether remote URLs can be streamed.
	Online func() bool
}

type Status struct {
	Items   int                 `json:"items"`
	Index   int                 `json:"index"`
	Current string              `json:"current,omitempty"`
	Playing []player.SlotStatus `json:"playing"`
}

type slotClip struct {
	slot     player.Slot
	path     string
	fallback string
}

// presentation is one playlist item on screen. It is owned by the event loop.
type presentation struct {
	item      models.MediaItem
	clips     map[uint64]slotClip
	completed int
	need      int
	failed    bool
	timer     *time.Timer
}

type Controller struct {
	PlaybackState         *player.PlaybackState
	playbackNotifications chan player.PlaybackNotification
	events                chan ControlEvent
	finished              chan struct{}
	quit                  chan struct{}
	done                  chan struct{}
	closeOnce             sync.Once

	history History
	opts    Options
	logger  *log.Entry

	// loop state
	items   []models.MediaItem
	index   int
	current *models.MediaItem
	showing *presentation
	timeout <-chan time.Time

	mutex  sync.Mutex
	status Status
}

func New(backend player.Backend, history History, opts Options) *Controller {
	if opts.ImageDisplay <= 0 {
		opts.ImageDisplay = 3 * time.Second
	}
	if opts.MultipleTimeout <= 0 {
		opts.MultipleTimeout = 10 * time.Second
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}

	playbackNotifications := make(chan player.PlaybackNotification, 100)
	c := &Controller{
		PlaybackState:         player.NewPlaybackState(backend, playbackNotifications),
		playbackNotifications: playbackNotifications,
		events:                make(chan ControlEvent, 100),
		finished:              make(chan struct{}, 1),
		quit:                  make(chan struct{}),
		done:                  make(chan struct{}),
		history:               history,
		opts:                  opts,
		logger:                log.WithFields(log.Fields{"module": "controller"}),
	}
	c.listenForEvents()
	return c
}

// Finished fires when the end of the playlist is reached, or when there is
// nothing to play.
func (c *Controller) Finished() <-chan struct{} {
	return c.finished
}

// Load replaces the playlist and starts from its first item. When the item on
// screen is part of the new playlist it keeps playing and the playlist
// continues after it.
func (c *Controller) Load(items []models.MediaItem) {
	c.send(ControlEvent{Type: EventLoad, Items: append([]models.MediaItem(nil), items...)})
}

func (c *Controller) Skip() {
	c.send(ControlEvent{Type: EventSkip})
}

// RetryCurrent presents the last item again.
func (c *Controller) RetryCurrent() {
	c.send(ControlEvent{Type: EventRetry})
}

func (c *Controller) Stop() {
	c.send(ControlEvent{Type: EventStop})
}

// Close stops playback and the event loop.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.done
		c.PlaybackState.Quit()
	})
}

func (c *Controller) Status() Status {
	c.mutex.Lock()
	s := c.status
	c.mutex.Unlock()
	s.Playing = c.PlaybackState.Playing()
	return s
}

func (c *Controller) send(event ControlEvent) {
	select {
	case c.events <- event:
	default:
		msg := "controller event channel is full, dropping " + string(event.Type)
		sentry.CaptureMessage(msg)
		c.logger.Warn(msg)
	}
}

func (c *Controller) listenForEvents() {
	go func() {
		defer close(c.done)
		for {
			select {
			case event := <-c.events:
				c.logger.Tracef("control event: %s", event.Type)
				c.handleControl(event)
			case n := <-c.playbackNotifications:
				c.handlePlayback(n)
			case <-c.timeout:
				c.handleTimeout()
			case <-c.quit:
				c.endPresentation()
				return
			}
			c.publishStatus()
		}
	}()
}

func (c *Controller) handleControl(event ControlEvent) {
	switch event.Type {
	case EventLoad:
		c.load(event.Items)
	case EventSkip:
		if c.showing != nil {
			c.record(c.showing.item, database.OutcomeSkipped)
		}
		c.playNext()
	case EventRetry:
		c.retryCurrent()
	case EventStop:
		c.logger.Info("stopping playback")
		c.endPresentation()
	default:
		c.logger.Warnf("unknown control event: %s", event.Type)
	}
}

func (c *Controller) load(items []models.MediaItem) {
	c.logger.Infof("loaded playlist %v", models.MediaIDs(items))
	c.items = items
	c.index = 0

	// A resent playlist keeps the item on screen and continues after it.
	if c.showing != nil {
		for i, item := range items {
			if item.ID == c.showing.item.ID {
				c.logger.Debugf("%s is already on screen, continuing at %d", item.ID, i+1)
				c.showing.item = item
				c.current = &item
				c.index = i + 1
				return
			}
		}
	}
	c.playNext()
}

func (c *Controller) playNext() {
	c.endPresentation()
	if len(c.items) == 0 || c.index >= len(c.items) {
		c.logger.Debugf("playlist finished after %d items", c.index)
		c.finish()
		return
	}
	item := c.items[c.index]
	c.index++
	c.present(item, false)
}

func (c *Controller) retryCurrent() {
	if c.current == nil {
		c.logger.Warn("nothing to retry")
		c.endPresentation()
		c.finish()
		return
	}
	item := *c.current
	c.logger.Infof("retrying %s", item.ID)
	c.endPresentation()
	c.present(item, true)
}

func (c *Controller) finish() {
	select {
	case c.finished <- struct{}{}:
	default:
	}
}

func (c *Controller) present(item models.MediaItem, retrying bool) {
	if c.showing != nil && c.showing.item.ID == item.ID && !retrying {
		c.logger.Debugf("ignoring duplicate presentation of %s", item.ID)
		return
	}
	c.current = &item

	switch item.MediaType {
	case models.MediaSingle:
		c.presentSingle(item)
	case models.MediaMultiple:
		c.presentMultiple(item)
	default:
		c.logger.Warnf("unknown media type %q for %s, skipping", item.MediaType, item.ID)
		c.record(item, database.OutcomeSkipped)
		c.playNext()
	}
}

func (c *Controller) resolve(local, remote string) (path, fallback string) {
	path = player.Resolve(local, remote, c.opts.Supports4K, c.opts.Online())
	if path != "" && path != remote && remote != "" {
		fallback = remote
	}
	return path, fallback
}

func (c *Controller) presentSingle(item models.MediaItem) {
	path, fallback := c.resolve(item.LocalFilePath, item.URL)
	if path == "" {
		c.logger.Warnf("no playable source for %s, skipping", item.ID)
		c.record(item, database.OutcomeSkipped)
		c.playNext()
		return
	}

	p := &presentation{item: item, clips: make(map[uint64]slotClip), need: 1}
	c.showing = p
	seq := c.PlaybackState.StartVideo(player.SlotFull, item.ID, path)
	p.clips[seq] = slotClip{slot: player.SlotFull, path: path, fallback: fallback}
	c.record(item, database.OutcomeStarted)
}

func (c *Controller) presentMultiple(item models.MediaItem) {
	if len(item.MultipleURL) < 2 {
		c.logger.Warnf("split item %s has %d urls, skipping", item.ID, len(item.MultipleURL))
		c.record(item, database.OutcomeSkipped)
		c.playNext()
		return
	}

	need := 1
	if item.HasSplitVideos() {
		need = 2
	}
	p := &presentation{item: item, clips: make(map[uint64]slotClip), need: need}
	c.showing = p
	c.record(item, database.OutcomeStarted)

	for i, slot := range []player.Slot{player.SlotLeft, player.SlotRight} {
		u := item.MultipleURL[i]
		switch u.URLType {
		case models.URLImage:
			if u.PlaybackPath() == "" {
				p.completed++
				continue
			}
			seq := c.PlaybackState.StartImage(slot, item.ID, u.PlaybackPath(), c.opts.ImageDisplay)
			p.clips[seq] = slotClip{slot: slot, path: u.PlaybackPath()}
		default:
			path, fallback := c.resolve(u.LocalFilePath, u.URL)
			if path == "" {
				c.logger.Warnf("no playable source for %s %s slot", item.ID, slot)
				p.completed++
				continue
			}
			seq := c.PlaybackState.StartVideo(slot, item.ID, path)
			p.clips[seq] = slotClip{slot: slot, path: path, fallback: fallback}
		}
	}

	if p.completed >= p.need {
		c.advance(p)
		return
	}
	p.timer = time.NewTimer(c.opts.MultipleTimeout)
	c.timeout = p.timer.C
}

func (c *Controller) handlePlayback(n player.PlaybackNotification) {
	p := c.showing
	if p == nil {
		return
	}
	clip, ok := p.clips[n.Seq]
	if !ok {
		c.logger.Tracef("stale playback event %s for %s", n.Event, n.MediaID)
		return
	}

	switch n.Event {
	case player.PlaybackStarted:
		c.logger.Debugf("%s started in %s slot", n.MediaID, n.Slot)
	case player.PlaybackStopped:
		delete(p.clips, n.Seq)
	case player.PlaybackCompleted:
		delete(p.clips, n.Seq)
		p.completed++
		if p.completed >= p.need {
			c.advance(p)
		}
	case player.PlaybackError:
		delete(p.clips, n.Seq)
		if clip.fallback != "" {
			c.logger.Warnf("local playback of %s failed, retrying from %s", n.MediaID, clip.fallback)
			seq := c.PlaybackState.StartVideo(clip.slot, n.MediaID, clip.fallback)
			p.clips[seq] = slotClip{slot: clip.slot, path: clip.fallback}
			return
		}
		p.failed = true
		p.completed++
		if p.completed >= p.need {
			c.advance(p)
		}
	default:
		c.logger.Warnf("unknown playback event: %s", n.Event)
	}
}

func (c *Controller) handleTimeout() {
	c.timeout = nil
	if c.showing == nil {
		return
	}
	c.logger.Warnf("split item %s timed out, forcing completion", c.showing.item.ID)
	c.advance(c.showing)
}

func (c *Controller) advance(p *presentation) {
	if p.failed {
		c.record(p.item, database.OutcomeFailed)
	} else {
		c.record(p.item, database.OutcomeCompleted)
	}
	c.playNext()
}

func (c *Controller) endPresentation() {
	if c.showing == nil {
		return
	}
	if c.showing.timer != nil {
		c.showing.timer.Stop()
	}
	c.timeout = nil
	c.showing = nil
	c.PlaybackState.Stop()
}

func (c *Controller) record(item models.MediaItem, outcome database.PlayOutcome) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.RecordPlay(ctx, item.ID, item.Title, item.PlaybackPath(), outcome); err != nil {
		c.logger.Errorf("failed to record %s of %s: %v", outcome, item.ID, err)
	}
}

func (c *Controller) publishStatus() {
	s := Status{Items: len(c.items), Index: c.index}
	if c.showing != nil {
		s.Current = c.showing.item.ID
	}
	c.mutex.Lock()
	c.status = s
	c.mutex.Unlock()
}
