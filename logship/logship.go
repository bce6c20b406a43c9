// Package logship forwards log entries to the content server's log endpoint.
package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	queueSize  = 256
	timeLayout = "2006-01-02 15:04:05"
)

type payload struct {
	Text string `json:"text"`
}

// Hook is a logrus hook that posts entries from a single background
// goroutine. Entries are dropped when the queue is full.
type Hook struct {
	url     string
	client  *http.Client
	levels  []log.Level
	queue   chan payload
	pending atomic.Int64
	idle    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	mutex   sync.Mutex
	dropped int
}

// New starts a hook posting to url. Entries at level and above are shipped.
func New(url string, level log.Level) *Hook {
	h := &Hook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan payload, queueSize),
		idle:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, l := range log.AllLevels {
		if l <= level {
			h.levels = append(h.levels, l)
		}
	}
	go h.run()
	return h
}

func (h *Hook) Levels() []log.Level {
	return h.levels
}

// Format renders an entry as "[yyyy-MM-dd HH:mm:ss] module: message".
func Format(entry *log.Entry) string {
	module, _ := entry.Data["module"].(string)
	if module == "" {
		module = "caesartv"
	}
	return fmt.Sprintf("[%s] %s: %s", entry.Time.Format(timeLayout), module, entry.Message)
}

func (h *Hook) Fire(entry *log.Entry) error {
	select {
	case <-h.quit:
		return nil
	default:
	}

	h.pending.Add(1)
	select {
	case h.queue <- payload{Text: Format(entry)}:
	default:
		h.pending.Add(-1)
		h.mutex.Lock()
		h.dropped++
		h.mutex.Unlock()
	}
	return nil
}

// Dropped reports how many entries were discarded because the queue was full.
func (h *Hook) Dropped() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.dropped
}

func (h *Hook) run() {
	defer close(h.done)
	for {
		select {
		case p := <-h.queue:
			h.ship(p)
		case <-h.quit:
			for {
				select {
				case p := <-h.queue:
					h.ship(p)
				default:
					return
				}
			}
		}
	}
}

func (h *Hook) ship(p payload) {
	h.post(p)
	if h.pending.Add(-1) == 0 {
		select {
		case h.idle <- struct{}{}:
		default:
		}
	}
}

// post must not log through logrus, the hook would feed on itself.
func (h *Hook) post(p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// Flush waits until queued entries are posted or ctx is done. Entries fired
// while Flush runs may keep it waiting.
func (h *Hook) Flush(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for h.pending.Load() > 0 {
		select {
		case <-h.idle:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close posts what is queued and stops the background goroutine.
func (h *Hook) Close() {
	h.once.Do(func() { close(h.quit) })
	<-h.done
}
