// Package remote keeps the device registered with the content server and
// turns realtime events into playlist notifications.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"caesartv/api"
	"caesartv/config"
	"caesartv/models"
	"caesartv/socketio"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

type NotificationType string

const (
	MediaFetched NotificationType = "media_fetched"
	Blocked      NotificationType = "blocked"
	Unblocked    NotificationType = "unblocked"
	Error        NotificationType = "error"
)

type Notification struct {
	Type   NotificationType
	Items  []models.MediaItem
	Reason string
}

const (
	eventRegister         = "register_tv"
	eventRegistered       = "registered_success"
	eventRegisterFailed   = "registered_failed"
	eventLatestMedia      = "latest_all_media"
	eventBlocked          = "blocked_device"
	eventUnblocked        = "unblocked_device"
	reasonClientClosed    = "io client disconnect"
	reasonMediaTimeout    = "timeout waiting for media"
	reasonRetriesExceeded = "max socket retries reached or network unavailable"
)

var ErrOffline = errors.New("network unavailable")

// Socket is the realtime transport; *socketio.Client satisfies it.
type Socket interface {
	On(event string, h socketio.Handler)
	Connect(ctx context.Context) error
	Emit(event string, args ...any) error
	Close() error
	Connected() bool
}

type MediaFetcher interface {
	FetchMedia(ctx context.Context, deviceID string) ([]models.MediaItem, error)
}

type Options struct {
	Device       models.Device
	MaxRetries   int
	BaseDelay    time.Duration
	MediaTimeout time.Duration
	// Online is consulted before connecting and reconnecting; nil means always online.
	Online func(context.Context) bool
}

type registration struct {
	models.Device
	AppID      string `json:"appId"`
	AppVersion string `json:"appVersion"`
}

type Source struct {
	socket        Socket
	fetcher       MediaFetcher
	opts          Options
	notifications chan Notification
	logger        *log.Entry

	mu            sync.Mutex
	retries       int
	mediaReceived bool
	stopped       bool
	runCtx        context.Context
	cancel        context.CancelFunc
	timers        map[*time.Timer]struct{}
	// generation counts socket connects; timers armed on a connect only act
	// while it is still current.
	generation uint64
}

func New(socket Socket, fetcher MediaFetcher, opts Options) *Source {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MediaTimeout <= 0 {
		opts.MediaTimeout = 10 * time.Second
	}

	s := &Source{
		socket:        socket,
		fetcher:       fetcher,
		opts:          opts,
		notifications: make(chan Notification, 100),
		logger:        log.WithFields(log.Fields{"module": "remote", "deviceID": opts.Device.ID}),
		runCtx:        context.Background(),
		stopped:       true,
		timers:        make(map[*time.Timer]struct{}),
	}

	socket.On(socketio.EventConnect, s.handleConnect)
	socket.On(socketio.EventConnectError, s.handleConnectError)
	socket.On(socketio.EventDisconnect, s.handleDisconnect)
	socket.On(eventRegistered, s.handleRegistered)
	socket.On(eventRegisterFailed, s.handleRegisterFailed)
	socket.On(eventLatestMedia, s.handleLatestMedia)
	socket.On(eventBlocked, s.handleBlocked)
	socket.On(eventUnblocked, s.handleUnblocked)
	return s
}

func (s *Source) Notifications() <-chan Notification {
	return s.notifications
}

func (s *Source) online(ctx context.Context) bool {
	return s.opts.Online == nil || s.opts.Online(ctx)
}

// Connect opens the realtime channel. A failed attempt is retried in the
// background with exponential backoff until MaxRetries is exhausted.
func (s *Source) Connect(ctx context.Context) error {
	if !s.online(ctx) {
		s.logger.Warn("no network available, skipping socket connection")
		return ErrOffline
	}
	if s.socket.Connected() {
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.runCtx, s.cancel = context.WithCancel(context.Background())
		s.stopped = false
		s.retries = 0
	}
	s.mu.Unlock()

	s.logger.Debug("connecting to socket")
	if err := s.socket.Connect(ctx); err != nil {
		return fmt.Errorf("socket connect failed: %w", err)
	}
	return nil
}

// Disconnect closes the channel and cancels pending reconnects and fetches.
// It must not be called from a socket handler.
func (s *Source) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
	s.mu.Unlock()

	if err := s.socket.Close(); err != nil {
		s.logger.Warnf("error closing socket: %v", err)
	}
	s.logger.Debug("socket disconnected and closed")
}

func (s *Source) publish(n Notification) {
	select {
	case s.notifications <- n:
	default:
		msg := "remote notifications channel is full, dropping " + string(n.Type)
		sentry.CaptureMessage(msg)
		s.logger.Warn(msg)
	}
}

func (s *Source) fail(reason string) {
	s.publish(Notification{Type: Error, Reason: reason})
}

// after runs f once d has elapsed unless the source is stopped first.
func (s *Source) after(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			f()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Source) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

func (s *Source) handleConnect(json.RawMessage) {
	s.mu.Lock()
	s.retries = 0
	s.mediaReceived = false
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	s.logger.Info("socket connected")
	reg := registration{
		Device:     s.opts.Device,
		AppID:      config.AppID,
		AppVersion: config.Version,
	}
	// Emit from a goroutine, the handler runs on the socket read loop.
	go func() {
		if err := s.socket.Emit(eventRegister, reg); err != nil {
			s.logger.Errorf("error emitting %s: %v", eventRegister, err)
			s.fail(err.Error())
			return
		}
		s.logger.Debugf("emitted %s for %s", eventRegister, reg.Name)
	}()

	s.after(s.opts.MediaTimeout, func() {
		s.mu.Lock()
		received := s.mediaReceived
		current := s.generation == generation
		s.mu.Unlock()
		if current && s.socket.Connected() && !received {
			s.logger.Warn(reasonMediaTimeout)
			s.fail(reasonMediaTimeout)
		}
	})
}

func (s *Source) handleConnectError(payload json.RawMessage) {
	s.logger.Debugf("socket connection error: %s", string(payload))
	s.scheduleReconnect()
}

func (s *Source) handleDisconnect(payload json.RawMessage) {
	var reason string
	_ = json.Unmarshal(payload, &reason)
	s.logger.Warnf("socket disconnected: %s", reason)
	if reason == reasonClientClosed {
		return
	}
	s.scheduleReconnect()
}

func (s *Source) scheduleReconnect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	retry := s.retries < s.opts.MaxRetries
	if retry {
		s.retries++
	}
	attempt := s.retries
	s.mu.Unlock()

	if !retry || !s.online(ctx) {
		s.logger.Warn(reasonRetriesExceeded)
		s.fail(reasonRetriesExceeded)
		return
	}

	delay := s.opts.BaseDelay * time.Duration(1<<(attempt-1))
	s.logger.Debugf("retrying socket connection, attempt %d/%d, delay %s", attempt, s.opts.MaxRetries, delay)
	s.after(delay, func() {
		// connect_error handlers pick up a failure from here.
		if err := s.socket.Connect(ctx); err != nil {
			s.logger.Debugf("reconnect attempt %d failed: %v", attempt, err)
		}
	})
}

type devicePayload struct {
	DeviceID string `json:"deviceId"`
}

func (s *Source) deviceIDFrom(payload json.RawMessage) string {
	var p devicePayload
	if err := json.Unmarshal(payload, &p); err == nil && strings.TrimSpace(p.DeviceID) != "" {
		return p.DeviceID
	}
	return s.opts.Device.ID
}

func (s *Source) handleRegistered(payload json.RawMessage) {
	s.logger.Debugf("device registered: %s", string(payload))
	go s.fetch(s.deviceIDFrom(payload))
}

func (s *Source) handleRegisterFailed(payload json.RawMessage) {
	s.logger.Warnf("device registration failed: %s", string(payload))
	s.fail("registration failed")
}

func (s *Source) handleLatestMedia(payload json.RawMessage) {
	deviceID, items, ok := api.ParseSocketMedia(payload)
	if ok && len(items) > 0 {
		s.logger.Debugf("latest_all_media carried %d items", len(items))
		s.mediaFetched(items)
		return
	}
	if strings.TrimSpace(deviceID) == "" {
		deviceID = s.opts.Device.ID
	}
	go s.fetch(deviceID)
}

func (s *Source) handleBlocked(payload json.RawMessage) {
	s.logger.Warnf("device blocked: %s", string(payload))
	s.publish(Notification{Type: Blocked})
}

func (s *Source) handleUnblocked(json.RawMessage) {
	s.logger.Info("device unblocked, fetching media")
	s.publish(Notification{Type: Unblocked})
	go s.fetch(s.opts.Device.ID)
}

func (s *Source) fetch(deviceID string) {
	ctx := s.runContext()
	items, err := s.fetcher.FetchMedia(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warnf("media fetch for %s failed: %v", deviceID, err)
		if !errors.Is(err, api.ErrNoMedia) {
			sentry.CaptureException(err)
		}
		return
	}
	if len(items) == 0 {
		s.logger.Warnf("no active media for %s", deviceID)
		return
	}
	s.mediaFetched(items)
}

func (s *Source) mediaFetched(items []models.MediaItem) {
	s.mu.Lock()
	s.mediaReceived = true
	s.mu.Unlock()
	s.logger.Infof("fetched %d media items: %v", len(items), models.MediaIDs(items))
	s.publish(Notification{Type: MediaFetched, Items: items})
}
