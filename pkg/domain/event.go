package domain

import "time"

type EventType string

const (
	EventNoteAccessed   EventType = "note_accessed"
	EventLoginFailed    EventType = "login_failed"
	EventBruteForce     EventType = "brute_force"
	EventFileUploaded   EventType = "file_uploaded"
	EventFileDownloaded EventType = "file_downloaded"
	EventFileDeleted    EventType = "file_deleted"
	EventPadCreated     EventType = "pad_created"
	EventFileExpired    EventType = "file_expired"
	EventContentExpired EventType = "content_expired"
)

// Alertable reports whether the owner of a pad is notified about t.
// Successful access is only interesting on private pads.
func (t EventType) Alertable(padIsPublic bool) bool {
	switch t {
	case EventNoteAccessed:
		return !padIsPublic
	case EventBruteForce, EventFileUploaded, EventFileDownloaded, EventFileDeleted:
		return true
	}
	return false
}

// SecurityEvent is one append-only row of the security log.
type SecurityEvent struct {
	ID        int64     `json:"id"`
	PadSlug   string    `json:"pad_slug"`
	Type      EventType `json:"event_type"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

type FailureCount struct {
	IPAddress string
	Count     int
}

// AlertDetail is what a notifier needs to render a message.
type AlertDetail struct {
	IP           string
	UserAgent    string
	FileName     string
	AttemptCount int
}
