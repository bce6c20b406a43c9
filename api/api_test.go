package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"caesartv/models"
)

const sampleResponse = `{
	"status": "success",
	"data": {
		"mediaAllData": [
			{"_id": "m1", "title": "Promo", "mediaType": "SINGLE", "url": "https://cdn.example/m1.mp4",
			 "duration": 30, "displayOrder": 2, "isActive": true, "createdAt": "2024-01-01"},
			{"_id": "m2", "title": "Hidden", "mediaType": "SINGLE", "url": "https://cdn.example/m2.mp4", "isActive": false},
			{"_id": "m3", "title": "Split", "mediaType": "MULTIPLE", "displayOrder": "1", "isActive": true,
			 "multipleUrl": [
				{"_id": "u1", "urlType": "video", "url": "https://cdn.example/u1.mp4"},
				{"_id": "u2", "urlType": "image", "url": "https://cdn.example/u2.png"}
			 ]}
		]
	}
}`

func TestParseMediaResponse(t *testing.T) {
	items, err := ParseMediaResponse([]byte(sampleResponse))
	if err != nil {
		t.Fatalf("ParseMediaResponse: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 active items, got %d", len(items))
	}
	if items[0].ID != "m1" || items[0].Duration != 30 || items[0].DisplayOrder != 2 {
		t.Errorf("unexpected first item: %+v", items[0])
	}
	split := items[1]
	if split.MediaType != models.MediaMultiple || split.DisplayOrder != 1 {
		t.Errorf("unexpected split item: %+v", split)
	}
	if len(split.MultipleURL) != 2 || split.MultipleURL[1].URLType != models.URLImage || split.MultipleURL[0].ID != "u1" {
		t.Errorf("unexpected split urls: %+v", split.MultipleURL)
	}
	if split.URL != "" {
		t.Errorf("missing url should decode empty, got %q", split.URL)
	}
}

func TestParseMediaResponseNonSuccess(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"status error", `{"status":"error","data":{"mediaAllData":[{"_id":"x","isActive":true}]}}`},
		{"no data", `{"status":"success"}`},
		{"no list", `{"status":"success","data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseMediaResponse([]byte(tt.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(items) != 0 {
				t.Errorf("expected no items, got %d", len(items))
			}
		})
	}

	if _, err := ParseMediaResponse([]byte("not json")); err == nil {
		t.Error("expected decode error for invalid json")
	}
}

func TestParseMediaResponseLenientFields(t *testing.T) {
	tests := []struct {
		name   string
		media  string
		active bool
		title  string
	}{
		{"bool", `{"_id":"m1","title":"Promo","isActive":true}`, true, "Promo"},
		{"string true", `{"_id":"m1","title":"Promo","isActive":"true"}`, true, "Promo"},
		{"string false", `{"_id":"m1","title":"Promo","isActive":"false"}`, false, ""},
		{"garbage flag", `{"_id":"m1","isActive":"yes please"}`, false, ""},
		{"null flag", `{"_id":"m1","isActive":null}`, false, ""},
		{"numeric title", `{"_id":"m1","title":2024,"isActive":true}`, true, "2024"},
		{"object title", `{"_id":"m1","title":{"en":"Promo"},"isActive":"TRUE"}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"status":"success","data":{"mediaAllData":[` + tt.media + `]}}`
			items, err := ParseMediaResponse([]byte(body))
			if err != nil {
				t.Fatalf("ParseMediaResponse: %v", err)
			}
			if !tt.active {
				if len(items) != 0 {
					t.Errorf("expected item to be inactive, got %+v", items)
				}
				return
			}
			if len(items) != 1 {
				t.Fatalf("expected 1 active item, got %d", len(items))
			}
			if items[0].ID != "m1" || items[0].Title != tt.title || !items[0].IsActive {
				t.Errorf("unexpected item: %+v", items[0])
			}
		})
	}
}

func TestParseSocketMedia(t *testing.T) {
	payload := `{"deviceId":"dev-9","data":{"data":{"mediaAllData":[{"_id":"a","isActive":true}]}}}`
	id, items, ok := ParseSocketMedia([]byte(payload))
	if !ok || id != "dev-9" || len(items) != 1 || items[0].ID != "a" {
		t.Errorf("ParseSocketMedia = %q, %v, %v", id, items, ok)
	}

	id, _, ok = ParseSocketMedia([]byte(`{"deviceId":"dev-9"}`))
	if ok || id != "dev-9" {
		t.Errorf("payload without list: id=%q ok=%v", id, ok)
	}
}

func TestFetchMediaRetriesUntilMedia(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/dev-1") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "1" || r.URL.Query().Get("limit") != "10" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			_, _ = w.Write([]byte(`{"status":"success","data":{"mediaAllData":[]}}`))
		default:
			_, _ = w.Write([]byte(sampleResponse))
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/media/getMedia/", MaxRetries: 3, BaseDelay: time.Millisecond})
	items, err := c.FetchMedia(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("FetchMedia: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestFetchMediaGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","data":{"mediaAllData":[]}}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", MaxRetries: 3, BaseDelay: time.Millisecond})
	_, err := c.FetchMedia(context.Background(), "dev-1")
	if !errors.Is(err, ErrNoMedia) {
		t.Errorf("expected ErrNoMedia, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestFetchMediaOffline(t *testing.T) {
	c := New(Options{
		BaseURL:    "http://127.0.0.1:1/",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Online:     func(context.Context) bool { return false },
	})
	if _, err := c.FetchMedia(context.Background(), "dev-1"); err == nil {
		t.Error("expected error when offline")
	}
}

func TestFetchMediaCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Options{BaseURL: srv.URL + "/", MaxRetries: 3, BaseDelay: time.Hour})
	if _, err := c.FetchMedia(ctx, "dev-1"); err == nil {
		t.Error("expected error for canceled context")
	}
}
