package domain

import (
	"regexp"
	"time"
)

const (
	SlugMinLen = 3
	SlugMaxLen = 50

	// MinPasswordLen is counted in characters, not bytes.
	MinPasswordLen = 4
	MaxPasswordLen = 256
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// ValidSlug reports whether s can name a pad.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Pad is a note addressed by its slug. IsPublic, CredentialHash, AlertEmail
// and the TTLs are fixed at creation; only the content changes afterwards.
type Pad struct {
	Slug             string        `json:"slug"`
	Content          string        `json:"content"`
	SealedContent    []byte        `json:"-"`
	ContentDEK       []byte        `json:"-"`
	IsPublic         bool          `json:"is_public"`
	CredentialHash   string        `json:"-"`
	AlertEmail       string        `json:"-"`
	FileTTL          time.Duration `json:"-"`
	ContentTTL       time.Duration `json:"-"`
	ContentExpiresAt *time.Time    `json:"content_expires_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Header returns a copy without content or key material.
func (p *Pad) Header() *Pad {
	h := *p
	h.Content = ""
	h.SealedContent = nil
	h.ContentDEK = nil
	return &h
}

func (p *Pad) HasAlertEmail() bool {
	return p.AlertEmail != ""
}

type CreateParams struct {
	Slug       string
	Password   string
	IsPublic   bool
	AlertEmail string
	FileTTL    time.Duration
	ContentTTL time.Duration
}

type FileAttachment struct {
	ID           string    `json:"id"`
	PadSlug      string    `json:"-"`
	BlobKey      string    `json:"-"`
	OriginalName string    `json:"name"`
	Size         int64     `json:"size"`
	MIMEType     string    `json:"mime_type"`
	UploadedAt   time.Time `json:"uploaded_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (f *FileAttachment) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}
