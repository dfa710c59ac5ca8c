package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"securepad/cfg"
)

const sample = "The quarterly plan covers three launches. Marketing owns the first. " +
	"Engineering owns the second! Who owns the third? Nobody has decided yet."

func TestSummarizeRemote(t *testing.T) {
	var gotAuth, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req summarizeReq
		json.NewDecoder(r.Body).Decode(&req)
		gotText = req.Text
		json.NewEncoder(w).Encode(summarizeResp{Summary: "  Three launches, owners partly assigned.  "})
	}))
	defer srv.Close()

	c := New(cfg.SummarizerCfg{URL: srv.URL, APIKey: cfg.NewSecret("k1"), Timeout: time.Second})
	res := c.Summarize(context.Background(), sample)
	if res.Degraded {
		t.Fatal("remote summary marked degraded")
	}
	if res.Summary != "Three launches, owners partly assigned." {
		t.Errorf("summary = %q", res.Summary)
	}
	if gotAuth != "Bearer k1" || gotText != sample {
		t.Errorf("request auth=%q text=%q", gotAuth, gotText)
	}
}

func TestSummarizeFallsBackOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(cfg.SummarizerCfg{URL: srv.URL, Timeout: time.Second})
	res := c.Summarize(context.Background(), sample)
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	want := "The quarterly plan covers three launches. Marketing owns the first. Engineering owns the second!"
	if res.Summary != want {
		t.Errorf("summary = %q, want %q", res.Summary, want)
	}
}

func TestSummarizeUnconfigured(t *testing.T) {
	c := New(cfg.SummarizerCfg{})
	if c.Configured() {
		t.Fatal("client without URL reports configured")
	}
	if res := c.Summarize(context.Background(), sample); !res.Degraded || res.Summary == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no terminator", "just some words   without\nend", "just some words without end"},
		{"decimal is not a sentence end", "Version 2.5 ships today. Then rest.", "Version 2.5 ships today. Then rest."},
		{"single", "One sentence.", "One sentence."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Extract(tt.in); got != tt.want {
				t.Errorf("Extract(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	long := strings.Repeat("word ", 200)
	if got := []rune(Extract(long)); len(got) > fallbackMaxRunes {
		t.Errorf("extract length %d exceeds bound", len(got))
	}
}
