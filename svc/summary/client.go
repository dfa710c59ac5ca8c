// Package summary asks an external service for a short summary of note
// text and falls back to a local extract when the service is unavailable.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unicode"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"securepad/cfg"
	"securepad/metrics"
	"securepad/svc/util"
)

const (
	MinTextLen       = 50
	maxInputBytes    = 64 * 1024
	maxResponseBytes = 64 * 1024
	fallbackMaxRunes = 400
	fallbackMaxSents = 3
)

type Result struct {
	Summary  string `json:"summary"`
	Degraded bool   `json:"degraded"`
}

type Client struct {
	url    string
	apiKey string
	http   *retryablehttp.Client
}

// New returns a client. With no URL configured every call is answered
// by the local fallback.
func New(c cfg.SummarizerCfg) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = c.RetryMax
	hc.HTTPClient.Timeout = c.Timeout
	hc.Logger = leveledLogger{log: util.GetLogger().With().Str("component", "summarizer").Logger()}
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{url: c.URL, apiKey: c.APIKey.Value(), http: hc}
}

func (c *Client) Configured() bool {
	return c.url != ""
}

// Summarize never fails; a remote error degrades to the extractive summary.
func (c *Client) Summarize(ctx context.Context, text string) Result {
	if c.Configured() {
		s, err := c.remote(ctx, text)
		if err == nil && strings.TrimSpace(s) != "" {
			metrics.SummaryRequests.WithLabelValues("remote").Inc()
			return Result{Summary: strings.TrimSpace(s)}
		}
		if err != nil {
			util.Warn().Err(err).Msg("summarizer unavailable, using fallback")
		}
	}
	metrics.SummaryRequests.WithLabelValues("fallback").Inc()
	return Result{Summary: Extract(text), Degraded: true}
}

type summarizeReq struct {
	Text string `json:"text"`
}

type summarizeResp struct {
	Summary string `json:"summary"`
}

func (c *Client) remote(ctx context.Context, text string) (string, error) {
	if len(text) > maxInputBytes {
		text = text[:maxInputBytes]
	}
	body, err := json.Marshal(summarizeReq{Text: text})
	if err != nil {
		return "", errors.Wrap(err, "marshal summary request")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build summary request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "summary request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("summarizer returned %d", resp.StatusCode)
	}
	var out summarizeResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode summary response")
	}
	return out.Summary, nil
}

// Extract returns the first few sentences of text, bounded in length.
func Extract(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	var b strings.Builder
	sentences := 0
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		b.WriteString(strings.TrimSpace(string(runes[start : i+1])))
		b.WriteByte(' ')
		start = i + 1
		sentences++
		if sentences == fallbackMaxSents {
			break
		}
	}
	if sentences == 0 {
		b.WriteString(text)
	}
	out := strings.TrimSpace(b.String())
	if r := []rune(out); len(r) > fallbackMaxRunes {
		out = strings.TrimSpace(string(r[:fallbackMaxRunes-1])) + "…"
	}
	return out
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Info().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
