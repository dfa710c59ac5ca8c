package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPadNotFound       = NewErr("PAD_NOT_FOUND", "note not found", http.StatusNotFound)
	ErrFileNotFound      = NewErr("FILE_NOT_FOUND", "file not found", http.StatusNotFound)
	ErrFileExpired       = NewErr("FILE_EXPIRED", "file expired", http.StatusGone)
	ErrUnauthorized      = NewErr("UNAUTHORIZED", "incorrect password", http.StatusUnauthorized)
	ErrSlugTaken         = NewErr("SLUG_TAKEN", "note already exists", http.StatusConflict)
	ErrInvalidSlug       = NewErr("INVALID_SLUG", "note id must be 3-50 characters of letters, digits, '-' or '_'", http.StatusBadRequest)
	ErrPasswordTooShort  = NewErr("PASSWORD_TOO_SHORT", fmt.Sprintf("password must be at least %d characters", MinPasswordLen), http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnsupportedMedia  = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrTextTooShort      = NewErr("TEXT_TOO_SHORT", "write at least 50 characters to summarize", http.StatusBadRequest)
	ErrContentTooLarge   = NewErr("CONTENT_TOO_LARGE", "content too large", http.StatusRequestEntityTooLarge)
	ErrFileTooLarge      = NewErr("FILE_TOO_LARGE", "file too large", http.StatusRequestEntityTooLarge)
	ErrFileType          = NewErr("INVALID_FILE_TYPE", "invalid or corrupted file", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUpstream          = NewErr("UPSTREAM_UNAVAILABLE", "upstream service unavailable", http.StatusBadGateway)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGeneration      = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

// Upstream marks err as an external dependency failure while keeping the
// cause for logs.
func Upstream(err error, what string) error {
	if err == nil {
		return nil
	}
	return &upstreamErr{cause: errors.Wrap(err, what)}
}

type upstreamErr struct {
	cause error
}

func (e *upstreamErr) Error() string        { return e.cause.Error() }
func (e *upstreamErr) Unwrap() error        { return e.cause }
func (e *upstreamErr) Is(target error) bool { return target == ErrUpstream }

func asErr(err error) (*Err, bool) {
	if errors.Is(err, ErrUpstream) {
		return ErrUpstream, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
