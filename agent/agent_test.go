package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"caesartv/models"
	"caesartv/netcheck"
	"caesartv/remote"
)

type fakeSource struct {
	notifications chan remote.Notification
	connectErr    error
	connects      atomic.Int32
	disconnects   atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{notifications: make(chan remote.Notification, 10)}
}

func (s *fakeSource) Notifications() <-chan remote.Notification { return s.notifications }

func (s *fakeSource) Connect(context.Context) error {
	s.connects.Add(1)
	return s.connectErr
}

func (s *fakeSource) Disconnect() { s.disconnects.Add(1) }

type fakeStore struct {
	mutex  sync.Mutex
	cached []models.MediaItem
	syncs  atomic.Int32
}

func (s *fakeStore) Sync(_ context.Context, items []models.MediaItem) ([]models.MediaItem, error) {
	s.syncs.Add(1)
	s.setCached(items)
	return items, nil
}

func (s *fakeStore) CachedMedia(context.Context) ([]models.MediaItem, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cached, nil
}

func (s *fakeStore) setCached(items []models.MediaItem) {
	s.mutex.Lock()
	s.cached = items
	s.mutex.Unlock()
}

type fakePlayer struct {
	loads    chan []string
	stops    atomic.Int32
	finished chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{loads: make(chan []string, 10), finished: make(chan struct{}, 1)}
}

func (p *fakePlayer) Load(items []models.MediaItem) { p.loads <- models.MediaIDs(items) }
func (p *fakePlayer) Stop()                         { p.stops.Add(1) }
func (p *fakePlayer) Finished() <-chan struct{}     { return p.finished }

type fixture struct {
	source *fakeSource
	store  *fakeStore
	player *fakePlayer
	agent  *Agent
	cancel context.CancelFunc
	result chan error
}

func start(t *testing.T, opts Options, cached ...models.MediaItem) *fixture {
	t.Helper()
	f := &fixture{
		source: newFakeSource(),
		store:  &fakeStore{cached: cached},
		player: newFakePlayer(),
		result: make(chan error, 1),
	}
	if opts.Splash == 0 {
		opts.Splash = 10 * time.Millisecond
	}
	opts.PollInterval = 5 * time.Millisecond
	if opts.MinCycle == 0 {
		opts.MinCycle = time.Millisecond
	}
	f.agent = New(f.source, f.store, f.player, opts)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.result <- f.agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-f.result
	})
	return f
}

func item(id string) models.MediaItem {
	return models.MediaItem{ID: id, MediaType: models.MediaSingle, URL: "https://cdn.example/" + id + ".mp4"}
}

func expectLoad(t *testing.T, p *fakePlayer, want ...string) {
	t.Helper()
	select {
	case got := <-p.loads:
		if len(got) != len(want) {
			t.Fatalf("loaded %v; want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("loaded %v; want %v", got, want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing loaded; want %v", want)
	}
}

func waitConnects(t *testing.T, s *fakeSource, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.connects.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("connects = %d; want %d", s.connects.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectNoLoad(t *testing.T, p *fakePlayer) {
	t.Helper()
	select {
	case got := <-p.loads:
		t.Fatalf("unexpected load %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPlaysCachedMediaAfterSplash(t *testing.T) {
	f := start(t, Options{}, item("m1"))
	expectLoad(t, f.player, "m1")

	if s := f.agent.Status(); s.State != StatePlaying || s.Items != 1 {
		t.Errorf("Status() = %+v", s)
	}
	if f.source.connects.Load() != 1 {
		t.Errorf("connects = %d; want 1", f.source.connects.Load())
	}
}

func TestSplashHoldsFetchedMedia(t *testing.T) {
	f := start(t, Options{Splash: 200 * time.Millisecond})
	f.source.notifications <- remote.Notification{Type: remote.MediaFetched, Items: []models.MediaItem{item("m2")}}
	expectNoLoad(t, f.player)
	expectLoad(t, f.player, "m2")
}

func TestWaitsForFetchedMedia(t *testing.T) {
	f := start(t, Options{MediaTimeout: time.Minute})
	expectNoLoad(t, f.player)
	if s := f.agent.Status(); s.State != StateWaiting {
		t.Fatalf("state = %s; want waiting", s.State)
	}

	f.source.notifications <- remote.Notification{Type: remote.MediaFetched, Items: []models.MediaItem{item("m2")}}
	expectLoad(t, f.player, "m2")
	if f.store.syncs.Load() != 1 {
		t.Errorf("syncs = %d; want 1", f.store.syncs.Load())
	}
	if s := f.agent.Status(); s.LastSync.IsZero() {
		t.Error("LastSync not recorded")
	}
}

func TestWaitTimeoutFallsBackToCache(t *testing.T) {
	f := start(t, Options{MediaTimeout: 50 * time.Millisecond})
	expectNoLoad(t, f.player)

	f.store.setCached([]models.MediaItem{item("m3")})
	expectLoad(t, f.player, "m3")
}

func TestBlockedDeviceShutsDown(t *testing.T) {
	f := start(t, Options{Splash: 20 * time.Millisecond, BlockedCloseWait: 20 * time.Millisecond}, item("m1"))
	f.source.notifications <- remote.Notification{Type: remote.Blocked}

	select {
	case err := <-f.result:
		if !errors.Is(err, ErrBlocked) {
			t.Errorf("Run() = %v; want ErrBlocked", err)
		}
		f.result <- err
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not shut down after block")
	}
	if f.player.stops.Load() == 0 {
		t.Error("player was not stopped")
	}
	if f.source.disconnects.Load() == 0 {
		t.Error("source was not disconnected")
	}
	select {
	case got := <-f.player.loads:
		t.Errorf("blocked device loaded %v", got)
	default:
	}
}

func TestUnblockCancelsShutdown(t *testing.T) {
	f := start(t, Options{BlockedCloseWait: 200 * time.Millisecond}, item("m1"))
	expectLoad(t, f.player, "m1")

	f.source.notifications <- remote.Notification{Type: remote.Blocked}
	time.Sleep(20 * time.Millisecond)
	if s := f.agent.Status(); s.State != StateBlocked || !s.Blocked {
		t.Fatalf("Status() = %+v; want blocked", s)
	}

	f.source.notifications <- remote.Notification{Type: remote.Unblocked}
	expectLoad(t, f.player, "m1")

	select {
	case err := <-f.result:
		t.Fatalf("agent exited after unblock: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNetworkTransitions(t *testing.T) {
	network := make(chan netcheck.State, 2)
	f := start(t, Options{Network: network}, item("m1"))
	expectLoad(t, f.player, "m1")

	network <- netcheck.StateLost
	expectNoLoad(t, f.player)
	if f.source.disconnects.Load() != 1 {
		t.Errorf("disconnects = %d; want 1", f.source.disconnects.Load())
	}
	if f.player.stops.Load() != 0 {
		t.Error("network loss stopped playback")
	}

	network <- netcheck.StateAvailable
	waitConnects(t, f.source, 2)
}

func TestUpdatesWhilePlayingWaitForCycleEnd(t *testing.T) {
	network := make(chan netcheck.State, 2)
	f := start(t, Options{Network: network}, item("m1"))
	expectLoad(t, f.player, "m1")

	f.source.notifications <- remote.Notification{Type: remote.MediaFetched, Items: []models.MediaItem{item("m2"), item("m3")}}
	network <- netcheck.StateLost
	f.source.notifications <- remote.Notification{Type: remote.Unblocked}
	expectNoLoad(t, f.player)
	if f.store.syncs.Load() != 1 {
		t.Errorf("syncs = %d; want 1", f.store.syncs.Load())
	}
	if f.player.stops.Load() != 0 {
		t.Error("playback was interrupted")
	}
	if s := f.agent.Status(); s.State != StatePlaying {
		t.Errorf("state = %s; want playing", s.State)
	}

	f.player.finished <- struct{}{}
	expectLoad(t, f.player, "m2", "m3")
}

func TestFinishedReloadsCache(t *testing.T) {
	f := start(t, Options{}, item("m1"))
	expectLoad(t, f.player, "m1")

	f.store.setCached([]models.MediaItem{item("m1"), item("m2")})
	f.player.finished <- struct{}{}
	expectLoad(t, f.player, "m1", "m2")
}

func TestShortCycleIsDelayed(t *testing.T) {
	f := start(t, Options{MinCycle: 300 * time.Millisecond}, item("m1"))
	expectLoad(t, f.player, "m1")

	f.player.finished <- struct{}{}
	expectNoLoad(t, f.player)
	expectLoad(t, f.player, "m1")
}

func TestConnectAttemptsOnce(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"connected", nil},
		{"server down", errors.New("dial failed")},
		{"offline", remote.ErrOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			source.connectErr = tt.err
			a := New(source, &fakeStore{}, newFakePlayer(), Options{MaxRetries: 2, RetryDelay: time.Millisecond})
			a.connect(context.Background())
			if got := source.connects.Load(); got != 1 {
				t.Errorf("connects = %d; want 1", got)
			}
		})
	}
}

func TestRealtimeErrorReconnects(t *testing.T) {
	f := start(t, Options{MaxRetries: 2, RetryDelay: 5 * time.Millisecond}, item("m1"))
	expectLoad(t, f.player, "m1")
	waitConnects(t, f.source, 1)

	for attempt := int32(2); attempt <= 3; attempt++ {
		f.source.notifications <- remote.Notification{Type: remote.Error, Reason: "timeout waiting for media"}
		waitConnects(t, f.source, attempt)
	}
	if got := f.source.disconnects.Load(); got != 2 {
		t.Errorf("disconnects = %d; want one per reconnect", got)
	}

	f.source.notifications <- remote.Notification{Type: remote.Error, Reason: "registration failed"}
	time.Sleep(100 * time.Millisecond)
	if got := f.source.connects.Load(); got != 3 {
		t.Fatalf("connects = %d after retries ran out; want 3", got)
	}

	f.source.notifications <- remote.Notification{Type: remote.MediaFetched, Items: []models.MediaItem{item("m1")}}
	f.source.notifications <- remote.Notification{Type: remote.Error, Reason: "timeout waiting for media"}
	waitConnects(t, f.source, 4)
	expectNoLoad(t, f.player)
}

func TestBlockedDeviceDoesNotReconnect(t *testing.T) {
	f := start(t, Options{BlockedCloseWait: time.Minute, RetryDelay: time.Millisecond}, item("m1"))
	expectLoad(t, f.player, "m1")
	waitConnects(t, f.source, 1)

	f.source.notifications <- remote.Notification{Type: remote.Blocked}
	f.source.notifications <- remote.Notification{Type: remote.Error, Reason: "transport close"}
	time.Sleep(50 * time.Millisecond)
	if got := f.source.connects.Load(); got != 1 {
		t.Errorf("connects = %d; a blocked device should not reconnect", got)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	f := start(t, Options{}, item("m1"))
	expectLoad(t, f.player, "m1")
	f.cancel()

	select {
	case err := <-f.result:
		if err != nil {
			t.Errorf("Run() = %v; want nil", err)
		}
		f.result <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
