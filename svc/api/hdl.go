package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"securepad/cfg"
	"securepad/pkg/domain"
	"securepad/svc/access"
	"securepad/svc/svc"
	"securepad/svc/util"
)

const (
	maxJSONOverhead = 16 * 1024
	multipartSlack  = 1024 * 1024
)

type Hdl struct {
	pads     *svc.Pads
	files    *svc.Files
	verifier *access.Verifier
	cfg      *cfg.Cfg
}

type CreateReq struct {
	Password          string `json:"password,omitempty"`
	IsPublic          bool   `json:"is_public"`
	AlertEmail        string `json:"alert_email,omitempty"`
	FileTTLMinutes    int    `json:"file_ttl_minutes,omitempty"`
	ContentTTLMinutes int    `json:"content_ttl_minutes,omitempty"`
}

type PadResp struct {
	Slug              string     `json:"slug"`
	IsPublic          bool       `json:"is_public"`
	Content           *string    `json:"content,omitempty"`
	HasAlertEmail     bool       `json:"has_alert_email"`
	FileTTLMinutes    int        `json:"file_ttl_minutes"`
	ContentTTLMinutes int        `json:"content_ttl_minutes"`
	ContentExpiresAt  *time.Time `json:"content_expires_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type SaveReq struct {
	Content string `json:"content"`
}

type SummaryReq struct {
	Text string `json:"text,omitempty"`
}

func padResp(p *domain.Pad, withContent bool) PadResp {
	resp := PadResp{
		Slug:              p.Slug,
		IsPublic:          p.IsPublic,
		HasAlertEmail:     p.HasAlertEmail(),
		FileTTLMinutes:    int(p.FileTTL / time.Minute),
		ContentTTLMinutes: int(p.ContentTTL / time.Minute),
		ContentExpiresAt:  p.ContentExpiresAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if withContent {
		c := p.Content
		resp.Content = &c
	}
	return resp
}

func (h *Hdl) Exists(w http.ResponseWriter, r *http.Request) error {
	ok, err := h.pads.Exists(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
	return nil
}

func (h *Hdl) CreatePad(w http.ResponseWriter, r *http.Request) error {
	var req CreateReq
	if err := decodeJSON(w, r, maxJSONOverhead, &req); err != nil {
		return err
	}
	if req.FileTTLMinutes < 0 || req.ContentTTLMinutes < 0 {
		return domain.ErrInvalidRequest
	}
	pad, err := h.pads.Create(r.Context(), domain.CreateParams{
		Slug:       chi.URLParam(r, "slug"),
		Password:   req.Password,
		IsPublic:   req.IsPublic,
		AlertEmail: req.AlertEmail,
		FileTTL:    time.Duration(req.FileTTLMinutes) * time.Minute,
		ContentTTL: time.Duration(req.ContentTTLMinutes) * time.Minute,
	}, h.clientIP(r), util.Truncate(r.UserAgent(), 512))
	if err != nil {
		return err
	}
	hlog.FromRequest(r).Info().
		Str("slug", pad.Slug).
		Bool("public", pad.IsPublic).
		Bool("alerts", pad.HasAlertEmail()).
		Msg("pad created")
	writeJSON(w, http.StatusCreated, padResp(pad, false))
	return nil
}

func (h *Hdl) Verify(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "is_public": g.Pad().IsPublic})
	return nil
}

func (h *Hdl) GetContent(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	pad, err := h.pads.Content(r.Context(), g)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, padResp(pad, true))
	return nil
}

func (h *Hdl) SaveContent(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	var req SaveReq
	if err := decodeJSON(w, r, h.cfg.MaxContentSize*2+maxJSONOverhead, &req); err != nil {
		return err
	}
	pad, err := h.pads.SaveContent(r.Context(), g, req.Content)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, padResp(pad, false))
	return nil
}

func (h *Hdl) Summarize(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	var req SummaryReq
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxContentSize*2+maxJSONOverhead, &req); err != nil {
			return err
		}
	}
	res, err := h.pads.Summarize(r.Context(), g, req.Text)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (h *Hdl) ListFiles(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	files, err := h.files.List(r.Context(), g)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
	return nil
}

func (h *Hdl) UploadFile(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	maxSize := h.files.MaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartSlack)
	if err := r.ParseMultipartForm(maxSize + multipartSlack); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return domain.ErrFileTooLarge
		}
		return domain.ErrInvalidRequest
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		return domain.ErrInvalidRequest
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return errors.Wrap(err, "read upload")
	}
	att, err := h.files.Upload(r.Context(), g, header.Filename, data)
	if err != nil {
		return err
	}
	hlog.FromRequest(r).Info().
		Str("slug", g.Slug()).
		Str("file_id", att.ID).
		Int64("size", att.Size).
		Msg("file uploaded")
	writeJSON(w, http.StatusCreated, att)
	return nil
}

func (h *Hdl) DownloadFile(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	att, data, err := h.files.Download(r.Context(), g, chi.URLParam(r, "fileID"))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", att.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.OriginalName}))
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("download write failed")
	}
	return nil
}

func (h *Hdl) DeleteFile(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	if err := h.files.Delete(r.Context(), g, chi.URLParam(r, "fileID")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	return nil
}

func (h *Hdl) SecurityLog(w http.ResponseWriter, r *http.Request, g *access.Grant) error {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return domain.ErrInvalidRequest
		}
		limit = n
	}
	events, err := h.pads.SecurityLog(r.Context(), g, limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*domain.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return domain.ErrUnsupportedMedia
	}
	if r.Header.Get("Content-Encoding") != "" {
		return domain.ErrInvalidRequest
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return domain.ErrContentTooLarge
		}
		return domain.ErrInvalidRequest
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.Warn().Err(err).Msg("encode response failed")
	}
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 && statusCode != http.StatusBadGateway {
		resp.Error.Code = "INTERNAL_ERROR"
		resp.Error.Msg = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      resp.Error.Msg,
		"code":       resp.Error.Code,
		"request_id": requestID,
	})
}
