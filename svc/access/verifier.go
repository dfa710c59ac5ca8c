package access

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/svc/util"
)

// Verifier is the single gate in front of every pad operation.
type Verifier struct {
	pads     HeaderSource
	checker  PasswordChecker
	recorder *Recorder
	detector *Detector
	now      func() time.Time
}

func NewVerifier(pads HeaderSource, checker PasswordChecker, recorder *Recorder, detector *Detector) *Verifier {
	return &Verifier{pads: pads, checker: checker, recorder: recorder, detector: detector, now: time.Now}
}

// Verify decides one request. A missing pad yields domain.ErrPadNotFound
// and leaves no trace in the log. A public pad is granted without looking
// at the credential. A private pad is granted only when the credential
// matches; a mismatch is logged, handed to the detector and answered with
// domain.ErrUnauthorized. If the outcome cannot be logged the request is
// refused.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Grant, error) {
	pad, err := v.pads.Header(ctx, req.Slug)
	if err != nil {
		return nil, err
	}
	if pad.IsPublic {
		return v.allow(ctx, pad, req, "public")
	}
	ok, err := v.checker.Verify(req.Credential, pad.CredentialHash)
	if err != nil {
		return nil, errors.Wrap(err, "verify credential")
	}
	if ok {
		return v.allow(ctx, pad, req, "private")
	}
	metrics.AccessDecisions.WithLabelValues("denied").Inc()
	failure, err := v.recorder.Record(ctx, pad, Entry{
		Type:      domain.EventLoginFailed,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Success:   false,
		Details:   "incorrect password",
	})
	if err != nil {
		return nil, err
	}
	if _, err := v.detector.Check(ctx, pad, failure); err != nil {
		// detection is advisory; the attempt is already logged
		util.Error().Err(err).Str("slug", pad.Slug).Msg("brute force check failed")
	}
	return nil, domain.ErrUnauthorized
}

func (v *Verifier) allow(ctx context.Context, pad *domain.Pad, req Request, mode string) (*Grant, error) {
	if _, err := v.recorder.Record(ctx, pad, Entry{
		Type:      domain.EventNoteAccessed,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Success:   true,
		Details:   mode,
	}); err != nil {
		return nil, err
	}
	metrics.AccessDecisions.WithLabelValues("allowed_" + mode).Inc()
	return &Grant{pad: pad, ip: req.IP, userAgent: req.UserAgent, at: v.now().UTC()}, nil
}
