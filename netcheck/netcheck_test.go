package netcheck

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://tvapi.example.com/", "tvapi.example.com:443"},
		{"https://tvapi.example.com/media/getMedia/", "tvapi.example.com:443"},
		{"http://10.0.0.5/", "10.0.0.5:80"},
		{"ws://localhost:3000/socket.io/", "localhost:3000"},
		{"localhost:9000", "localhost:9000"},
	}
	for _, tt := range tests {
		if got := hostPort(tt.in); got != tt.want {
			t.Errorf("hostPort(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	c := New("http://" + ln.Addr().String() + "/")
	if !c.Available(context.Background()) {
		t.Error("listening server reported unavailable")
	}

	ln.Close()
	if c.Available(context.Background()) {
		t.Error("closed server reported available")
	}
}

func TestMonitorPublishesTransitions(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	m := NewMonitor(func(context.Context) bool { return up.Load() }, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !m.Online() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never reported online")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case s := <-m.Changes():
		t.Fatalf("initial state was published: %s", s)
	default:
	}

	up.Store(false)
	expectState(t, m, StateLost)
	if m.Online() {
		t.Error("Online() after loss")
	}

	up.Store(true)
	expectState(t, m, StateAvailable)
}

func expectState(t *testing.T, m *Monitor, want State) {
	t.Helper()
	select {
	case got := <-m.Changes():
		if got != want {
			t.Errorf("state = %s; want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s transition", want)
	}
}
