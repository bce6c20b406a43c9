package player

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeBackend struct {
	play func(ctx context.Context, slot Slot, path string) error
}

func (f *fakeBackend) Play(ctx context.Context, slot Slot, path string) error {
	return f.play(ctx, slot, path)
}

func (f *fakeBackend) Show(ctx context.Context, slot Slot, path string, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func blockUntilCanceled(ctx context.Context, _ Slot, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func next(t *testing.T, ch chan PlaybackNotification) PlaybackNotification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback notification")
	}
	return PlaybackNotification{}
}

func TestPlaybackEvents(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want PlaybackNotificationType
	}{
		{"completed", nil, PlaybackCompleted},
		{"decoder error", errors.New("decoder failure"), PlaybackError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan PlaybackNotification, 10)
			ps := NewPlaybackState(&fakeBackend{play: func(context.Context, Slot, string) error { return tt.err }}, ch)
			defer ps.Quit()

			seq := ps.StartVideo(SlotFull, "m1", "/videos/m1.mp4")

			if n := next(t, ch); n.Event != PlaybackStarted || n.Seq != seq {
				t.Errorf("first event = %+v; want started seq %d", n, seq)
			}
			n := next(t, ch)
			if n.Event != tt.want || n.MediaID != "m1" || n.Slot != SlotFull {
				t.Errorf("final event = %+v; want %s", n, tt.want)
			}
			if (n.Error != nil) != (tt.err != nil) {
				t.Errorf("error = %v; want %v", n.Error, tt.err)
			}
			if ps.IsPlaying() {
				t.Error("slot still marked as playing")
			}
		})
	}
}

func TestStartReplacesSlot(t *testing.T) {
	ch := make(chan PlaybackNotification, 10)
	ps := NewPlaybackState(&fakeBackend{play: blockUntilCanceled}, ch)
	defer ps.Quit()

	first := ps.StartVideo(SlotLeft, "a", "/a.mp4")
	next(t, ch)
	second := ps.StartVideo(SlotLeft, "b", "/b.mp4")

	var stoppedFirst, startedSecond bool
	for i := 0; i < 2; i++ {
		n := next(t, ch)
		switch {
		case n.Seq == first && n.Event == PlaybackStopped:
			stoppedFirst = true
		case n.Seq == second && n.Event == PlaybackStarted:
			startedSecond = true
		default:
			t.Errorf("unexpected event %+v", n)
		}
	}
	if !stoppedFirst || !startedSecond {
		t.Errorf("stoppedFirst=%v startedSecond=%v", stoppedFirst, startedSecond)
	}

	playing := ps.Playing()
	if len(playing) != 1 || playing[0].MediaID != "b" {
		t.Errorf("Playing() = %+v", playing)
	}
}

func TestStopCancelsAllSlots(t *testing.T) {
	ch := make(chan PlaybackNotification, 10)
	ps := NewPlaybackState(&fakeBackend{play: blockUntilCanceled}, ch)
	defer ps.Quit()

	ps.StartVideo(SlotLeft, "m1", "/l.mp4")
	ps.StartImage(SlotRight, "m1", "/r.png", time.Hour)
	next(t, ch)
	next(t, ch)

	ps.Stop()
	ps.Wait()
	for i := 0; i < 2; i++ {
		if n := next(t, ch); n.Event != PlaybackStopped {
			t.Errorf("event = %s; want stopped", n.Event)
		}
	}
	if ps.IsPlaying() {
		t.Error("IsPlaying after Stop")
	}
}

func TestQuitReleasesBlockedNotifications(t *testing.T) {
	// Unbuffered and never read.
	ch := make(chan PlaybackNotification)
	ps := NewPlaybackState(&fakeBackend{play: blockUntilCanceled}, ch)
	ps.StartVideo(SlotFull, "m1", "/m1.mp4")

	done := make(chan struct{})
	go func() {
		ps.Quit()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Quit blocked on undelivered notifications")
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.mp4")
	if err := os.WriteFile(small, make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}
	large := filepath.Join(dir, "large.mp4")
	f, err := os.Create(large)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(Likely4KSize + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	const remote = "https://cdn.example.com/v.mp4"
	tests := []struct {
		name       string
		local      string
		remote     string
		supports4K bool
		online     bool
		want       string
	}{
		{"local file", small, remote, false, true, small},
		{"local file offline", small, remote, false, false, small},
		{"large file without 4K", large, remote, false, true, remote},
		{"large file with 4K", large, remote, true, true, large},
		{"large file without remote", large, "", false, true, large},
		{"missing file online", filepath.Join(dir, "gone.mp4"), remote, false, true, remote},
		{"missing file offline", filepath.Join(dir, "gone.mp4"), remote, false, false, ""},
		{"nothing to play", "", "", true, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.local, tt.remote, tt.supports4K, tt.online); got != tt.want {
				t.Errorf("Resolve = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestLikely4K(t *testing.T) {
	if !Likely4K("http://cdn.example.com/v.mp4") {
		t.Error("remote URLs are treated as 4K")
	}
	if Likely4K("") || Likely4K("/does/not/exist.mp4") {
		t.Error("missing files are not 4K")
	}
}

func TestSlotArgs(t *testing.T) {
	tests := []struct {
		slot Slot
		want string
	}{
		{SlotFull, "--fs"},
		{SlotLeft, "--geometry=50%x100%+0+0"},
		{SlotRight, "--geometry=50%x100%-0+0"},
	}
	for _, tt := range tests {
		args := slotArgs(tt.slot)
		found := false
		for _, a := range args {
			if a == tt.want {
				found = true
			}
		}
		if !found {
			t.Errorf("slotArgs(%s) = %v; missing %s", tt.slot, args, tt.want)
		}
	}
}
