package cfg

import (
	"strings"
	"testing"
	"time"
)

func loadValid(t *testing.T) *Cfg {
	t.Helper()
	t.Setenv("PEPPER", strings.Repeat("p", 32))
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	return c
}

func TestLoadDefaults(t *testing.T) {
	c := loadValid(t)
	if c.Retention.FileTTL != 1440*time.Minute || c.Retention.ContentTTL != 1440*time.Minute {
		t.Errorf("ttl defaults = %v / %v", c.Retention.FileTTL, c.Retention.ContentTTL)
	}
	if c.BruteForce.Window != 15*time.Minute || c.BruteForce.Threshold != 5 {
		t.Errorf("brute force defaults = %v / %d", c.BruteForce.Window, c.BruteForce.Threshold)
	}
	if c.Blob.Backend != "fs" || !c.Retention.ContentExpiry {
		t.Errorf("blob=%q contentExpiry=%v", c.Blob.Backend, c.Retention.ContentExpiry)
	}
	if c.SMTP.Enabled() {
		t.Error("smtp enabled without a host")
	}
}

func TestMinutesAcceptBareIntegers(t *testing.T) {
	t.Setenv("FILE_TTL", "90")
	t.Setenv("CONTENT_TTL", "2h")
	t.Setenv("BRUTE_FORCE_WINDOW", "30")
	c := loadValid(t)
	if c.Retention.FileTTL != 90*time.Minute {
		t.Errorf("FILE_TTL = %v", c.Retention.FileTTL)
	}
	if c.Retention.ContentTTL != 2*time.Hour {
		t.Errorf("CONTENT_TTL = %v", c.Retention.ContentTTL)
	}
	if c.BruteForce.Window != 30*time.Minute {
		t.Errorf("BRUTE_FORCE_WINDOW = %v", c.BruteForce.Window)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("RETENTION_BATCH_SIZE", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Cfg)
		want   string
	}{
		{"short pepper", func(c *Cfg) { c.Pepper = NewSecret("short") }, "PEPPER"},
		{"pepper from kms", func(c *Cfg) { c.Pepper = NewSecret(""); c.PepperFromKMS = true }, ""},
		{"db outside workdir", func(c *Cfg) { c.DatabasePath = "/etc/securepad.db" }, "DATABASE_PATH"},
		{"in-memory db", func(c *Cfg) { c.DatabasePath = ":memory:" }, ""},
		{"rediss without tls", func(c *Cfg) { c.RedisURL = "rediss://cache:6379" }, "REDIS_TLS"},
		{"tiny ttl", func(c *Cfg) { c.Retention.FileTTL = time.Second }, "FILE_TTL"},
		{"max below default", func(c *Cfg) { c.Retention.MaxRequestedTTL = time.Hour }, "MAX_REQUESTED_TTL"},
		{"threshold of one", func(c *Cfg) { c.BruteForce.Threshold = 1 }, "BRUTE_FORCE_THRESHOLD"},
		{"unknown backend", func(c *Cfg) { c.Blob.Backend = "ftp" }, "BLOB_BACKEND"},
		{"s3 without bucket", func(c *Cfg) { c.Blob.Backend = "s3" }, "S3_BUCKET"},
		{"bad smtp from", func(c *Cfg) { c.SMTP.Host = "smtp.example.com"; c.SMTP.From = "not an address" }, "SMTP_FROM"},
		{"bad summarizer url", func(c *Cfg) { c.Summarizer.URL = "ftp://x" }, "SUMMARIZER_URL"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/33"} }, "TRUSTED_PROXIES"},
		{"production metrics", func(c *Cfg) { c.Environment = "production" }, "METRICS_USER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := loadValid(t)
			tt.mutate(c)
			err := Validate(c)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestSecretRedacts(t *testing.T) {
	s := NewSecret("hunter22")
	if s.String() == "hunter22" || strings.Contains(s.String(), "hunter") {
		t.Fatalf("secret printed: %s", s)
	}
	if s.Value() != "hunter22" {
		t.Fatal("value lost")
	}
}
