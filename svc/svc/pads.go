// Package svc holds the pad and file operations. Everything that reads or
// changes a pad takes an *access.Grant, so it runs only after the verifier
// has admitted and logged the request.
package svc

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"securepad/cfg"
	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/pkg/kms"
	"securepad/svc/access"
	"securepad/svc/cache"
	"securepad/svc/db"
	"securepad/svc/summary"
	"securepad/svc/util"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 200
)

type Pads struct {
	db         *db.SQLite
	headers    *cache.Headers
	hasher     passwordHasher
	envelope   *kms.Envelope
	recorder   *access.Recorder
	summarizer *summary.Client
	retention  cfg.RetentionCfg
	maxContent int64
	validate   *validator.Validate
	now        func() time.Time
}

type passwordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
}

func NewPads(sqlDB *db.SQLite, headers *cache.Headers, hasher passwordHasher, envelope *kms.Envelope,
	recorder *access.Recorder, summarizer *summary.Client, c *cfg.Cfg) *Pads {
	if sqlDB == nil || headers == nil || hasher == nil || envelope == nil || recorder == nil || c == nil {
		panic("pads service: nil dependency")
	}
	return &Pads{
		db:         sqlDB,
		headers:    headers,
		hasher:     hasher,
		envelope:   envelope,
		recorder:   recorder,
		summarizer: summarizer,
		retention:  c.Retention,
		maxContent: c.MaxContentSize,
		validate:   newValidator(),
		now:        time.Now,
	}
}

type createInput struct {
	Slug       string        `validate:"slug"`
	Password   string        `validate:"required_if=IsPublic false,omitempty,password"`
	IsPublic   bool          `validate:"-"`
	AlertEmail string        `validate:"omitempty,email,max=254"`
	FileTTL    time.Duration `validate:"-"`
	ContentTTL time.Duration `validate:"-"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return domain.ValidSlug(fl.Field().String())
	})
	v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		n := utf8.RuneCountInString(fl.Field().String())
		return n >= domain.MinPasswordLen && n <= domain.MaxPasswordLen
	})
	return v
}

func (p *Pads) validateCreate(in createInput) error {
	err := p.validate.Struct(in)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Slug":
			return domain.ErrInvalidSlug
		case "Password":
			return domain.ErrPasswordTooShort
		}
		return domain.ErrInvalidRequest
	}
	if err != nil {
		return errors.Wrap(err, "validate create")
	}
	for _, ttl := range []time.Duration{in.FileTTL, in.ContentTTL} {
		if ttl < 0 || (ttl > 0 && ttl < time.Minute) || ttl > p.retention.MaxRequestedTTL {
			return domain.ErrInvalidRequest
		}
	}
	return nil
}

func (p *Pads) Exists(ctx context.Context, slug string) (bool, error) {
	if !domain.ValidSlug(slug) {
		return false, domain.ErrInvalidSlug
	}
	if _, ok := p.headers.Get(slug); ok {
		return true, nil
	}
	return p.db.PadExists(ctx, slug)
}

// Create stores a new pad. Public pads store the hash of the empty string
// so every row has the same shape; it is never compared.
func (p *Pads) Create(ctx context.Context, params domain.CreateParams, ip, userAgent string) (*domain.Pad, error) {
	in := createInput{
		Slug:       params.Slug,
		Password:   params.Password,
		IsPublic:   params.IsPublic,
		AlertEmail: strings.TrimSpace(params.AlertEmail),
		FileTTL:    params.FileTTL,
		ContentTTL: params.ContentTTL,
	}
	if in.IsPublic {
		in.Password = ""
	}
	if err := p.validateCreate(in); err != nil {
		return nil, err
	}
	taken, err := p.db.PadExists(ctx, in.Slug)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domain.ErrSlugTaken
	}
	hash, err := p.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	wrapped, err := p.envelope.NewKey(ctx, in.Slug)
	if err != nil {
		return nil, domain.Upstream(err, "new data key")
	}
	now := p.now().UTC()
	pad := &domain.Pad{
		Slug:           in.Slug,
		ContentDEK:     wrapped,
		IsPublic:       in.IsPublic,
		CredentialHash: hash,
		AlertEmail:     in.AlertEmail,
		FileTTL:        orDefault(in.FileTTL, p.retention.FileTTL),
		ContentTTL:     orDefault(in.ContentTTL, p.retention.ContentTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.db.CreatePad(ctx, pad); err != nil {
		return nil, err
	}
	p.headers.Add(pad)
	visibility := "private"
	if pad.IsPublic {
		visibility = "public"
	}
	metrics.PadsCreated.WithLabelValues(visibility).Inc()
	p.recorder.RecordDetached(ctx, pad, access.Entry{
		Type:      domain.EventPadCreated,
		IP:        ip,
		UserAgent: userAgent,
		Success:   true,
		Details:   visibility,
	})
	util.Info().Str("slug", pad.Slug).Str("visibility", visibility).Msg("pad created")
	return pad.Header(), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// Header serves the verifier: the immutable part of a pad, cached.
func (p *Pads) Header(ctx context.Context, slug string) (*domain.Pad, error) {
	if h, ok := p.headers.Get(slug); ok {
		return h, nil
	}
	pad, err := p.db.GetPadHeader(ctx, slug)
	if err != nil {
		return nil, err
	}
	p.headers.Add(pad)
	return pad.Header(), nil
}

// Content returns the pad with its decrypted content.
func (p *Pads) Content(ctx context.Context, g *access.Grant) (*domain.Pad, error) {
	pad, err := p.db.GetPad(ctx, g.Slug())
	if err != nil {
		return nil, err
	}
	if pad.SealedContent != nil {
		plain, err := p.envelope.Open(ctx, pad.Slug, pad.ContentDEK, pad.SealedContent)
		if err != nil {
			return nil, errors.Wrap(err, "open content")
		}
		pad.Content = string(plain)
		util.Wipe(plain)
	}
	pad.SealedContent = nil
	pad.ContentDEK = nil
	return pad, nil
}

// SaveContent replaces the pad's content. Concurrent saves are last write
// wins.
func (p *Pads) SaveContent(ctx context.Context, g *access.Grant, content string) (*domain.Pad, error) {
	content = sanitizeContent(content)
	if int64(len(content)) > p.maxContent {
		return nil, domain.ErrContentTooLarge
	}
	key, err := p.db.PadKey(ctx, g.Slug())
	if err != nil {
		return nil, err
	}
	sealed, err := p.envelope.Seal(ctx, g.Slug(), key, []byte(content))
	if err != nil {
		return nil, errors.Wrap(err, "seal content")
	}
	pad := g.Pad()
	now := p.now().UTC()
	var expiresAt *time.Time
	if p.retention.ContentExpiry {
		exp := now.Add(pad.ContentTTL)
		expiresAt = &exp
	}
	if err := p.db.UpdatePadContent(ctx, pad.Slug, sealed, expiresAt, now); err != nil {
		return nil, err
	}
	pad.Content = content
	pad.ContentExpiresAt = expiresAt
	pad.UpdatedAt = now
	pad.CredentialHash = ""
	return pad, nil
}

// Summarize summarizes text, or the stored content when text is empty.
// The pad is never modified.
func (p *Pads) Summarize(ctx context.Context, g *access.Grant, text string) (summary.Result, error) {
	if strings.TrimSpace(text) == "" {
		pad, err := p.Content(ctx, g)
		if err != nil {
			return summary.Result{}, err
		}
		text = pad.Content
	}
	text = strings.TrimSpace(sanitizeContent(text))
	if utf8.RuneCountInString(text) < summary.MinTextLen {
		return summary.Result{}, domain.ErrTextTooShort
	}
	if p.summarizer == nil {
		return summary.Result{Summary: summary.Extract(text), Degraded: true}, nil
	}
	return p.summarizer.Summarize(ctx, text), nil
}

// SecurityLog returns recent events, newest first. On public pads other
// visitors' addresses are redacted.
func (p *Pads) SecurityLog(ctx context.Context, g *access.Grant, limit int) ([]*domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	events, err := p.db.RecentEvents(ctx, g.Slug(), limit)
	if err != nil {
		return nil, err
	}
	if g.Pad().IsPublic {
		for _, e := range events {
			if e.IPAddress != g.IP() {
				e.IPAddress = util.RedactIP(e.IPAddress)
			}
		}
	}
	return events, nil
}
