package models

import (
	"os"
	"strings"
)

type MediaType string

const (
	MediaSingle   MediaType = "SINGLE"
	MediaMultiple MediaType = "MULTIPLE"
)

type URLType string

const (
	URLVideo URLType = "video"
	URLImage URLType = "image"
)

type MediaURL struct {
	// DBID is the local row id, zero until persisted.
	DBID          int64   `json:"-"`
	ID            string  `json:"id"`
	URLType       URLType `json:"urlType"`
	URL           string  `json:"url"`
	LocalFilePath string  `json:"localFilePath,omitempty"`
}

// PlaybackPath prefers the downloaded copy over the remote URL.
func (u MediaURL) PlaybackPath() string {
	if u.LocalFilePath != "" {
		return u.LocalFilePath
	}
	return u.URL
}

type MediaItem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	MediaType     MediaType  `json:"mediaType"`
	URL           string     `json:"url"`
	LocalFilePath string     `json:"localFilePath,omitempty"`
	MultipleURL   []MediaURL `json:"multipleUrl"`
	ThumbnailURL  string     `json:"thumbnailUrl"`
	Duration      int        `json:"duration"`
	DisplayOrder  int        `json:"displayOrder"`
	IsActive      bool       `json:"isActive"`
	CreatedAt     string     `json:"createdAt"`
	UpdatedAt     string     `json:"updatedAt"`
}

func (m MediaItem) PlaybackPath() string {
	if m.LocalFilePath != "" {
		return m.LocalFilePath
	}
	return m.URL
}

// HasSplitVideos reports whether both split-screen slots are videos.
func (m MediaItem) HasSplitVideos() bool {
	if m.MediaType != MediaMultiple || len(m.MultipleURL) < 2 {
		return false
	}
	return m.MultipleURL[0].URLType == URLVideo && m.MultipleURL[1].URLType == URLVideo
}

func MediaIDs(items []MediaItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

type Device struct {
	ID   string `json:"deviceId"`
	Name string `json:"deviceName"`
}

func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// FileReadable is true for an existing, readable regular file.
func FileReadable(path string) bool {
	if path == "" || IsRemote(path) {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}
