package recordstore

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/keepsakehq/keepsake/internal/memory"
)

// wireRecord is the record shape on the zone API. Attachments travel as
// one JSON-serialized string field.
type wireRecord struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags"`
	Media     string    `json:"media"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toWire(m *memory.Memory) wireRecord {
	return wireRecord{
		ID:        m.ID,
		Text:      m.Text,
		Tags:      m.Tags,
		Media:     encodeMedia(m.Media),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (r wireRecord) toMemory(userID string, logger *slog.Logger) *memory.Memory {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return &memory.Memory{
		ID:        r.ID,
		UserID:    userID,
		Text:      r.Text,
		Tags:      tags,
		Media:     decodeMedia(r.Media, r.ID, logger),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func encodeMedia(atts []memory.MediaAttachment) string {
	if len(atts) == 0 {
		return "[]"
	}
	data, err := json.Marshal(atts)
	if err != nil {
		// Attachments are plain data; marshal cannot realistically fail.
		return "[]"
	}
	return string(data)
}

// decodeMedia parses the serialized attachment field. Corrupt content
// degrades to an empty list so one bad record never blocks the
// collection from loading.
func decodeMedia(s, recordID string, logger *slog.Logger) []memory.MediaAttachment {
	if s == "" {
		return []memory.MediaAttachment{}
	}
	var atts []memory.MediaAttachment
	if err := json.Unmarshal([]byte(s), &atts); err != nil {
		logger.Warn("corrupt media field, treating as no attachments",
			"record", recordID,
			"error", err)
		return []memory.MediaAttachment{}
	}
	if atts == nil {
		atts = []memory.MediaAttachment{}
	}
	return atts
}
