package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"caesartv/models"

	log "github.com/sirupsen/logrus"
)

type wireURL struct {
	URLType flexString `json:"urlType"`
	URL     flexString `json:"url"`
	ID      flexString `json:"_id"`
}

type wireMedia struct {
	ID           flexString `json:"_id"`
	Title        flexString `json:"title"`
	Description  flexString `json:"description"`
	MediaType    flexString `json:"mediaType"`
	URL          flexString `json:"url"`
	MultipleURL  []wireURL  `json:"multipleUrl"`
	ThumbnailURL flexString `json:"thumbnailUrl"`
	Duration     flexInt    `json:"duration"`
	DisplayOrder flexInt    `json:"displayOrder"`
	IsActive     flexBool   `json:"isActive"`
	CreatedAt    flexString `json:"createdAt"`
	UpdatedAt    flexString `json:"updatedAt"`
}

type mediaPage struct {
	MediaAllData []wireMedia `json:"mediaAllData"`
}

type apiResponse struct {
	Status string     `json:"status"`
	Data   *mediaPage `json:"data"`
}

type socketMediaPayload struct {
	DeviceID string `json:"deviceId"`
	Data     *struct {
		Data *mediaPage `json:"data"`
	} `json:"data"`
}

// flexInt accepts JSON numbers and numeric strings; anything else decodes as 0.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// flexBool accepts JSON booleans and "true"/"false" strings; anything else
// decodes as false.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*f = flexBool(t)
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(t))
		*f = flexBool(err == nil && parsed)
	default:
		*f = false
	}
	return nil
}

// flexString accepts strings, numbers and booleans; objects, arrays and null
// decode as "".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*f = flexString(t)
	case float64:
		*f = flexString(strconv.FormatFloat(t, 'f', -1, 64))
	case bool:
		*f = flexString(strconv.FormatBool(t))
	default:
		*f = ""
	}
	return nil
}

// ParseMediaResponse decodes the REST media list. A non-success status or a
// missing list is not an error, it just yields no items.
func ParseMediaResponse(body []byte) ([]models.MediaItem, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode media response: %w", err)
	}
	if resp.Status != "success" {
		log.Warnf("API response status is not success: %q", resp.Status)
		return nil, nil
	}
	if resp.Data == nil || resp.Data.MediaAllData == nil {
		log.Warn("no 'data.mediaAllData' field in API response")
		return nil, nil
	}
	return activeItems(resp.Data.MediaAllData), nil
}

// ParseSocketMedia decodes a latest_all_media payload. The bool result is
// false when the payload carries no media list and a REST fetch is needed.
func ParseSocketMedia(payload []byte) (deviceID string, items []models.MediaItem, ok bool) {
	var p socketMediaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", nil, false
	}
	if p.Data == nil || p.Data.Data == nil || p.Data.Data.MediaAllData == nil {
		return p.DeviceID, nil, false
	}
	return p.DeviceID, activeItems(p.Data.Data.MediaAllData), true
}

func activeItems(raw []wireMedia) []models.MediaItem {
	items := make([]models.MediaItem, 0, len(raw))
	for _, w := range raw {
		if !w.IsActive {
			continue
		}
		items = append(items, w.toModel())
	}
	return items
}

func (w wireMedia) toModel() models.MediaItem {
	urls := make([]models.MediaURL, 0, len(w.MultipleURL))
	for _, u := range w.MultipleURL {
		urls = append(urls, models.MediaURL{
			ID:      string(u.ID),
			URLType: models.URLType(u.URLType),
			URL:     string(u.URL),
		})
	}
	return models.MediaItem{
		ID:           string(w.ID),
		Title:        string(w.Title),
		Description:  string(w.Description),
		MediaType:    models.MediaType(w.MediaType),
		URL:          string(w.URL),
		MultipleURL:  urls,
		ThumbnailURL: string(w.ThumbnailURL),
		Duration:     int(w.Duration),
		DisplayOrder: int(w.DisplayOrder),
		IsActive:     bool(w.IsActive),
		CreatedAt:    string(w.CreatedAt),
		UpdatedAt:    string(w.UpdatedAt),
	}
}
