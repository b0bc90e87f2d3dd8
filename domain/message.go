package domain

import (
	"path"
	"strings"
)

// DeliveryState tracks a message's progress toward remote confirmation.
type DeliveryState string

const (
	StateSynced   DeliveryState = "synced"
	StatePending  DeliveryState = "pending"
	StateRetrying DeliveryState = "retrying"
	StateFailed   DeliveryState = "failed"
)

// Message is one entry in a room's sequence. LocalID is assigned at
// construction and never changes; RemoteID is empty until the first
// successful push or until the record arrives in a remote fetch, and
// once assigned never changes.
type Message struct {
	LocalID   string        `json:"local_id"`
	RoomID    string        `json:"room_id"`
	SenderID  string        `json:"sender_id"`
	Body      string        `json:"body,omitempty"`
	AssetRef  string        `json:"asset_ref,omitempty"`
	CreatedAt int64         `json:"created_at"` // unix milliseconds
	RemoteID  string        `json:"remote_id,omitempty"`
	Edited    bool          `json:"edited,omitempty"`
	State     DeliveryState `json:"state"`
}

// Ref addresses the message by remote identity when known, falling
// back to the local identifier.
func (m Message) Ref() MessageRef {
	return MessageRef{RemoteID: m.RemoteID, LocalID: m.LocalID}
}

// AssetKind reports the kind inferred from the asset reference.
func (m Message) AssetKind() AssetKind {
	return AssetKindOf(m.AssetRef)
}

// Before reports whether m sorts before other: creation timestamp
// order with a stable tie-break on local identifier.
func (m Message) Before(other Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.LocalID < other.LocalID
}

// MessageRef is a message reference usable before and after remote
// confirmation.
type MessageRef struct {
	RemoteID string `json:"remote_id,omitempty"`
	LocalID  string `json:"local_id,omitempty"`
}

// Key returns a stable map key for the reference.
func (r MessageRef) Key() string {
	if r.RemoteID != "" {
		return "r:" + r.RemoteID
	}
	return "l:" + r.LocalID
}

func (r MessageRef) IsZero() bool {
	return r.RemoteID == "" && r.LocalID == ""
}

// AssetKind classifies an asset reference by file extension.
type AssetKind string

const (
	AssetNone  AssetKind = ""
	AssetImage AssetKind = "image"
	AssetVideo AssetKind = "video"
	AssetAudio AssetKind = "audio"
	AssetFile  AssetKind = "file"
)

// AssetKindOf infers the asset kind from an opaque path or URL.
func AssetKindOf(ref string) AssetKind {
	if ref == "" {
		return AssetNone
	}
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		ref = ref[:i]
	}
	switch strings.ToLower(path.Ext(ref)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return AssetImage
	case ".mp4", ".mov", ".m4v", ".webm":
		return AssetVideo
	case ".m4a", ".mp3", ".aac", ".ogg", ".wav":
		return AssetAudio
	default:
		return AssetFile
	}
}
