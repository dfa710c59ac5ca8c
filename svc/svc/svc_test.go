package svc

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"securepad/cfg"
	"securepad/pkg/domain"
	"securepad/pkg/kms"
	"securepad/svc/access"
	"securepad/svc/auth"
	"securepad/svc/blob"
	"securepad/svc/cache"
	"securepad/svc/db"
	"securepad/svc/summary"
)

var envSeq int64

type notice struct {
	event domain.EventType
	file  string
}

type recNotifier struct {
	mu  sync.Mutex
	got []notice
}

func (n *recNotifier) Notify(ctx context.Context, email, slug string, event domain.EventType, detail domain.AlertDetail) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notice{event: event, file: detail.FileName})
	return true
}

type env struct {
	db       *db.SQLite
	pads     *Pads
	files    *Files
	blobs    blob.Store
	verifier *access.Verifier
	notifier *recNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	path := fmt.Sprintf("file:svctest%d?mode=memory&cache=shared", atomic.AddInt64(&envSeq, 1))
	store, err := db.NewSQLite(path, db.Options{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	hasher, err := auth.NewHasher(auth.Params{Time: 1, Memory: 1024, Parallelism: 1}, []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hasher.Stop)

	adapter, err := kms.NewAdapter(ctx, kms.Options{LocalKey: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", FailClosed: true})
	if err != nil {
		t.Fatal(err)
	}
	dekCache := kms.NewDEKCache(adapter, time.Minute)
	t.Cleanup(dekCache.Stop)
	envelope := kms.NewEnvelope(adapter, dekCache)

	headers, err := cache.NewHeaders(64, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := &cfg.Cfg{
		MaxContentSize: 1024,
		MaxFileSize:    4096,
		Retention: cfg.RetentionCfg{
			FileTTL:         1440 * time.Minute,
			ContentTTL:      1440 * time.Minute,
			ContentExpiry:   true,
			MaxRequestedTTL: 30 * 24 * time.Hour,
		},
	}
	notifier := &recNotifier{}
	rec := access.NewRecorder(store, notifier)
	det := access.NewDetector(store, rec, 15*time.Minute, 5)
	pads := NewPads(store, headers, hasher, envelope, rec, summary.New(cfg.SummarizerCfg{}), c)
	return &env{
		db:       store,
		pads:     pads,
		files:    NewFiles(store, blobs, envelope, rec, c.MaxFileSize),
		blobs:    blobs,
		verifier: access.NewVerifier(pads, hasher, rec, det),
		notifier: notifier,
	}
}

func (e *env) grant(t *testing.T, slug, password string) *access.Grant {
	t.Helper()
	g, err := e.verifier.Verify(context.Background(), access.Request{Slug: slug, Credential: password, IP: "10.0.0.7", UserAgent: "test"})
	if err != nil {
		t.Fatalf("verify %s: %v", slug, err)
	}
	return g
}

func (e *env) create(t *testing.T, params domain.CreateParams) *domain.Pad {
	t.Helper()
	p, err := e.pads.Create(context.Background(), params, "10.0.0.7", "test")
	if err != nil {
		t.Fatalf("create %s: %v", params.Slug, err)
	}
	return p
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"short slug", domain.CreateParams{Slug: "ab", Password: "secret1"}, domain.ErrInvalidSlug},
		{"bad slug chars", domain.CreateParams{Slug: "a b c", Password: "secret1"}, domain.ErrInvalidSlug},
		{"private without password", domain.CreateParams{Slug: "abc"}, domain.ErrPasswordTooShort},
		{"short password", domain.CreateParams{Slug: "abc", Password: strings.Repeat("x", domain.MinPasswordLen-1)}, domain.ErrPasswordTooShort},
		{"short in characters", domain.CreateParams{Slug: "abc", Password: strings.Repeat("é", domain.MinPasswordLen-1)}, domain.ErrPasswordTooShort},
		{"bad email", domain.CreateParams{Slug: "abc", Password: "secret1", AlertEmail: "nope"}, domain.ErrInvalidRequest},
		{"ttl below a minute", domain.CreateParams{Slug: "abc", Password: "secret1", FileTTL: time.Second}, domain.ErrInvalidRequest},
		{"ttl above max", domain.CreateParams{Slug: "abc", Password: "secret1", ContentTTL: 365 * 24 * time.Hour}, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.pads.Create(context.Background(), tt.params, "10.0.0.7", "test")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if ok, _ := e.pads.Exists(context.Background(), "abc"); ok {
		t.Fatal("rejected create left a row")
	}
	e.create(t, domain.CreateParams{Slug: "shortest", Password: strings.Repeat("é", domain.MinPasswordLen)})
}

func TestCreateConflictAndDefaults(t *testing.T) {
	e := newEnv(t)
	p := e.create(t, domain.CreateParams{Slug: "board", IsPublic: true, Password: "ignored"})
	if p.FileTTL != 1440*time.Minute || p.ContentTTL != 1440*time.Minute {
		t.Fatalf("ttl defaults = %v / %v", p.FileTTL, p.ContentTTL)
	}
	if _, err := e.pads.Create(context.Background(), domain.CreateParams{Slug: "board", IsPublic: true}, "", ""); !errors.Is(err, domain.ErrSlugTaken) {
		t.Fatalf("duplicate create: %v", err)
	}
	if ok, err := e.pads.Exists(context.Background(), "board"); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	// the ignored password must not grant or block anything
	e.grant(t, "board", "")
	e.grant(t, "board", "whatever")
}

func TestContentRoundTripIsSealed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, domain.CreateParams{Slug: "alice-notes", Password: "secret1"})
	g := e.grant(t, "alice-notes", "secret1")

	saved, err := e.pads.SaveContent(ctx, g, "Cafe\u0301 plan\x00\x07 ok\n")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Content != "Café plan ok\n" {
		t.Fatalf("sanitized content = %q", saved.Content)
	}
	if saved.ContentExpiresAt == nil || saved.ContentExpiresAt.Sub(saved.UpdatedAt) != 1440*time.Minute {
		t.Fatalf("content expiry = %v", saved.ContentExpiresAt)
	}
	raw, err := e.db.GetPad(ctx, "alice-notes")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw.SealedContent, []byte("plan")) {
		t.Fatal("content stored in plaintext")
	}
	got, err := e.pads.Content(ctx, g)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "Café plan ok\n" || got.ContentDEK != nil || got.SealedContent != nil {
		t.Fatalf("content read = %+v", got)
	}

	if _, err := e.pads.SaveContent(ctx, g, strings.Repeat("x", 1025)); !errors.Is(err, domain.ErrContentTooLarge) {
		t.Fatalf("oversize save: %v", err)
	}
}

func TestEmptyPadContent(t *testing.T) {
	e := newEnv(t)
	e.create(t, domain.CreateParams{Slug: "fresh", IsPublic: true})
	got, err := e.pads.Content(context.Background(), e.grant(t, "fresh", ""))
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "" {
		t.Fatalf("content = %q", got.Content)
	}
}

func TestSummarize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, domain.CreateParams{Slug: "sum", IsPublic: true})
	g := e.grant(t, "sum", "")
	if _, err := e.pads.Summarize(ctx, g, "too short"); !errors.Is(err, domain.ErrTextTooShort) {
		t.Fatalf("short text: %v", err)
	}
	text := "First point is about budgets. Second point is about hiring. Third point is deadlines. Fourth is extra."
	if _, err := e.pads.SaveContent(ctx, g, text); err != nil {
		t.Fatal(err)
	}
	res, err := e.pads.Summarize(ctx, g, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded || strings.Contains(res.Summary, "Fourth") {
		t.Fatalf("summary = %+v", res)
	}
	pad, _ := e.pads.Content(ctx, g)
	if pad.Content != text {
		t.Fatal("summarize changed the pad")
	}
}

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")
)

func docxBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"[Content_Types].xml", "word/document.xml"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("<xml/>"))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
		err  bool
	}{
		{"scan.PDF", pdfBytes, "application/pdf", false},
		{"pic.png", pngBytes, "image/png", false},
		{"photo.jpg", append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 16)...), "image/jpeg", false},
		{"doc.docx", docxBytes(t), "application/vnd.openxmlformats-officedocument.wordprocessingml.document", false},
		{"fake.pdf", pngBytes, "", true},
		{"run.exe", pdfBytes, "", true},
		{"noext", pdfBytes, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := detectType(tt.name, tt.data)
			if tt.err {
				if !errors.Is(err, domain.ErrFileType) {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("detectType = %q, %v", got, err)
			}
		})
	}
}

func TestFileLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, domain.CreateParams{Slug: "files", Password: "secret1", AlertEmail: "o@example.com"})
	g := e.grant(t, "files", "secret1")

	f, err := e.files.Upload(ctx, g, `C:\Users\me\report.pdf`, pdfBytes)
	if err != nil {
		t.Fatal(err)
	}
	if f.OriginalName != "report.pdf" || f.Size != int64(len(pdfBytes)) || len(f.ID) != 11 {
		t.Fatalf("file = %+v", f)
	}
	if f.ExpiresAt.Sub(f.UploadedAt) != 1440*time.Minute {
		t.Fatalf("file window = %v", f.ExpiresAt.Sub(f.UploadedAt))
	}
	stored, err := e.blobs.Get(ctx, f.BlobKey)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(stored, []byte("%PDF")) {
		t.Fatal("blob stored in plaintext")
	}

	list, err := e.files.List(ctx, g)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
	meta, data, err := e.files.Download(ctx, g, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, pdfBytes) || meta.MIMEType != "application/pdf" {
		t.Fatal("download mismatch")
	}

	e.create(t, domain.CreateParams{Slug: "other", IsPublic: true})
	if _, _, err := e.files.Download(ctx, e.grant(t, "other", ""), f.ID); !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("cross-pad download: %v", err)
	}

	if err := e.files.Delete(ctx, g, f.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.blobs.Get(ctx, f.BlobKey); !errors.Is(err, blob.ErrNotFound) {
		t.Fatal("blob survived delete")
	}
	if err := e.files.Delete(ctx, g, f.ID); !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("second delete: %v", err)
	}

	var events []domain.EventType
	for _, n := range e.notifier.got {
		if n.event != domain.EventNoteAccessed {
			events = append(events, n.event)
		}
	}
	want := []domain.EventType{domain.EventFileUploaded, domain.EventFileDownloaded, domain.EventFileDeleted}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("alerts = %v, want %v", events, want)
	}
}

func TestUploadRejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, domain.CreateParams{Slug: "up", IsPublic: true})
	g := e.grant(t, "up", "")
	if _, err := e.files.Upload(ctx, g, "big.pdf", append(pdfBytes, make([]byte, 5000)...)); !errors.Is(err, domain.ErrFileTooLarge) {
		t.Fatalf("oversize: %v", err)
	}
	if _, err := e.files.Upload(ctx, g, "x.png", pdfBytes); !errors.Is(err, domain.ErrFileType) {
		t.Fatalf("mismatched type: %v", err)
	}
	if _, err := e.files.Upload(ctx, g, "empty.pdf", nil); !errors.Is(err, domain.ErrFileType) {
		t.Fatalf("empty file: %v", err)
	}
}

type failingBlobs struct{ blob.Store }

func (failingBlobs) Put(ctx context.Context, data []byte, meta blob.Meta) (string, error) {
	return "", errors.New("bucket unreachable")
}

func TestUploadBlobFailureLeavesNoRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, domain.CreateParams{Slug: "flaky", IsPublic: true})
	g := e.grant(t, "flaky", "")
	e.files.blobs = failingBlobs{e.blobs}
	_, err := e.files.Upload(ctx, g, "a.pdf", pdfBytes)
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("err = %v", err)
	}
	list, _ := e.files.List(ctx, g)
	if len(list) != 0 {
		t.Fatal("metadata row created without a blob")
	}
}

func TestExpiredFileIsGone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, domain.CreateParams{Slug: "old", IsPublic: true, FileTTL: time.Minute})
	g := e.grant(t, "old", "")
	f, err := e.files.Upload(ctx, g, "a.png", pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	e.files.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, _, err := e.files.Download(ctx, g, f.ID); !errors.Is(err, domain.ErrFileExpired) {
		t.Fatalf("download expired: %v", err)
	}
	list, _ := e.files.List(ctx, g)
	if len(list) != 0 {
		t.Fatal("expired file listed")
	}
}

func TestSecurityLogRedactsOnPublicPads(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, domain.CreateParams{Slug: "pub", IsPublic: true})
	if _, err := e.verifier.Verify(ctx, access.Request{Slug: "pub", IP: "203.0.113.9"}); err != nil {
		t.Fatal(err)
	}
	g := e.grant(t, "pub", "")
	events, err := e.pads.SecurityLog(ctx, g, 0)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.IPAddress] = true
	}
	if seen["203.0.113.9"] || !seen["203.0.113.0"] || !seen["10.0.0.7"] {
		t.Fatalf("addresses = %v", seen)
	}
}
