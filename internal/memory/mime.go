package memory

import (
	"mime"
	"path"
	"strings"
)

// ClassifyMIME maps an upload content type onto a media type. Audio and
// video prefixes map directly; anything else is stored as an image.
func ClassifyMIME(mimeType string) MediaType {
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	default:
		return MediaImage
	}
}

// extMIME covers the media extensions the journal produces. Checked before
// the platform table so uploads classify the same way on every OS.
var extMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

// MIME derives an upload content type for a file of this media type.
// Extension heuristics win; the type tag only picks the fallback when the
// extension is unknown. Used when re-uploading migrated attachments whose
// original content type was not stored.
func (t MediaType) MIME(fileName string) string {
	if ext := strings.ToLower(path.Ext(fileName)); ext != "" {
		if mt, ok := extMIME[ext]; ok {
			return mt
		}
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	switch t {
	case MediaAudio:
		return "audio/mpeg"
	case MediaVideo:
		return "video/mp4"
	default:
		return "image/jpeg"
	}
}
