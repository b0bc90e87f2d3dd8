package domain

// Room is the external-owned conversation descriptor: identifier,
// counterpart identity, and the per-room auto-download preference.
// The core reads it and never mutates it.
type Room struct {
	ID           string `json:"id"`
	Counterpart  string `json:"counterpart,omitempty"`
	AutoDownload bool   `json:"auto_download,omitempty"`
}

// Profile is a resolved user display profile.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}
