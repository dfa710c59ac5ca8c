package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"securepad/pkg/domain"
	"securepad/svc/access"
	"securepad/svc/lim"
	"securepad/svc/util"
)

// PasswordHeader carries the pad password on every gated request.
const PasswordHeader = "X-Pad-Password"

type (
	openFunc  func(w http.ResponseWriter, r *http.Request) error
	gatedFunc func(w http.ResponseWriter, r *http.Request, g *access.Grant) error
)

// route is one row of the API table. Exactly one of open and gated is set;
// gated routes run only after the verifier admitted the request.
type route struct {
	op      string
	kind    string
	method  string
	pattern string
	class   lim.Class
	open    openFunc
	gated   gatedFunc
}

func (h *Hdl) routes() []route {
	return []route{
		{op: "check", kind: "pad", method: http.MethodGet, pattern: "/api/pads/{slug}/exists", class: lim.ClassCheck, open: h.Exists},
		{op: "create", kind: "pad", method: http.MethodPost, pattern: "/api/pads/{slug}", class: lim.ClassCreate, open: h.CreatePad},
		{op: "verify", kind: "pad", method: http.MethodPost, pattern: "/api/pads/{slug}/verify", class: lim.ClassVerify, gated: h.Verify},
		{op: "read", kind: "content", method: http.MethodGet, pattern: "/api/pads/{slug}/content", class: lim.ClassRead, gated: h.GetContent},
		{op: "write", kind: "content", method: http.MethodPut, pattern: "/api/pads/{slug}/content", class: lim.ClassWrite, gated: h.SaveContent},
		{op: "read", kind: "summary", method: http.MethodPost, pattern: "/api/pads/{slug}/summary", class: lim.ClassWrite, gated: h.Summarize},
		{op: "list", kind: "file", method: http.MethodGet, pattern: "/api/pads/{slug}/files", class: lim.ClassRead, gated: h.ListFiles},
		{op: "create", kind: "file", method: http.MethodPost, pattern: "/api/pads/{slug}/files", class: lim.ClassUpload, gated: h.UploadFile},
		{op: "read", kind: "file", method: http.MethodGet, pattern: "/api/pads/{slug}/files/{fileID}", class: lim.ClassRead, gated: h.DownloadFile},
		{op: "delete", kind: "file", method: http.MethodDelete, pattern: "/api/pads/{slug}/files/{fileID}", class: lim.ClassWrite, gated: h.DeleteFile},
		{op: "list", kind: "log", method: http.MethodGet, pattern: "/api/pads/{slug}/security-log", class: lim.ClassRead, gated: h.SecurityLog},
	}
}

func (h *Hdl) mount(r chi.Router, mw *Mw) {
	for _, rt := range h.routes() {
		r.With(mw.RateLimit(rt.class)).Method(rt.method, rt.pattern, h.handler(rt))
	}
}

func (h *Hdl) handler(rt route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		if rt.gated != nil {
			err = h.gate(w, r, rt.gated)
		} else {
			err = rt.open(w, r)
		}
		if err != nil {
			h.fail(w, r, rt, err)
		}
	})
}

// gate runs the verifier for the pad named in the path and hands the
// grant to next. Denials stop here.
func (h *Hdl) gate(w http.ResponseWriter, r *http.Request, next gatedFunc) error {
	slug := chi.URLParam(r, "slug")
	if !domain.ValidSlug(slug) {
		return domain.ErrInvalidSlug
	}
	g, err := h.verifier.Verify(r.Context(), access.Request{
		Slug:       slug,
		Credential: r.Header.Get(PasswordHeader),
		IP:         h.clientIP(r),
		UserAgent:  util.Truncate(r.UserAgent(), 512),
	})
	if err != nil {
		return err
	}
	return next(w, r, g)
}

func (h *Hdl) fail(w http.ResponseWriter, r *http.Request, rt route, err error) {
	log := hlog.FromRequest(r)
	status := domain.Status(err)
	ev := log.Warn()
	if status >= 500 {
		ev = log.Error()
	}
	ev.Err(err).
		Str("op", rt.op).
		Str("kind", rt.kind).
		Str("slug", chi.URLParam(r, "slug")).
		Int("status", status).
		Msg("request failed")
	writeErr(w, err, util.GetRequestID(r.Context()))
}

func (h *Hdl) clientIP(r *http.Request) string {
	return lim.GetRealIP(r, h.cfg.TrustedProxies)
}
