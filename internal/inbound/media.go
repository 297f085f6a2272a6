package inbound

import "github.com/shilomagen/shula-sub000/internal/driver"

// MediaDescriptor is the normalized attachment reference carried on a
// message-received event. Content is never inlined; Ref points at the
// driver's media handle for on-demand retrieval.
type MediaDescriptor struct {
	Type      string  `json:"type"` // image|video|audio|document|sticker|location|contact
	MimeType  string  `json:"mime_type,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	Ref       string  `json:"ref,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	VCard     string  `json:"vcard,omitempty"`
}

// supportedKinds are the native message kinds the pipeline normalizes.
// Everything else (revocations, call logs, protocol notifications) is dropped
// before dedup registration.
var supportedKinds = map[string]bool{
	"chat":     true,
	"image":    true,
	"video":    true,
	"audio":    true,
	"ptt":      true,
	"document": true,
	"sticker":  true,
	"location": true,
	"vcard":    true,
}

// describeMedia builds the media descriptor for a raw message, or nil for
// plain text.
func describeMedia(msg driver.RawMessage) *MediaDescriptor {
	switch msg.Kind {
	case "image", "video", "document", "sticker":
		return &MediaDescriptor{
			Type:     msg.Kind,
			MimeType: msg.MediaMime,
			Filename: msg.MediaName,
			Ref:      msg.MediaRef,
		}
	case "audio", "ptt":
		return &MediaDescriptor{
			Type:     "audio",
			MimeType: msg.MediaMime,
			Filename: msg.MediaName,
			Ref:      msg.MediaRef,
		}
	case "location":
		return &MediaDescriptor{
			Type:      "location",
			Latitude:  msg.Latitude,
			Longitude: msg.Longitude,
		}
	case "vcard":
		return &MediaDescriptor{
			Type:  "contact",
			VCard: msg.VCard,
		}
	default:
		return nil
	}
}
