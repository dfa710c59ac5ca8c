package cfg

import (
	"fmt"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	AppURL            string
	DatabasePath      string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	WALCheckpoint     time.Duration
	RedisURL          string
	RedisTLS          bool
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	LRUCacheSize      int
	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	Argon2KeyLen      uint32
	HasherWorkerCount int
	VerifyFloor       time.Duration
	Pepper            Secret
	PepperFromKMS     bool
	DEKCacheTTL       time.Duration
	RateLimit         RateLimitCfg
	TrustedProxies    []string
	MetricsUser       string
	MetricsPass       Secret
	ContextTimeout    time.Duration
	AllowedOrigins    []string

	MaxContentSize int64
	MaxFileSize    int64

	Retention  RetentionCfg
	BruteForce BruteForceCfg
	Blob       BlobCfg
	SMTP       SMTPCfg
	Summarizer SummarizerCfg
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// RetentionCfg holds the defaults a pad gets when its creator does not pick
// its own windows.
type RetentionCfg struct {
	FileTTL         time.Duration
	ContentTTL      time.Duration
	ContentExpiry   bool
	Interval        time.Duration
	BatchSize       int
	MaxRequestedTTL time.Duration
}

type BruteForceCfg struct {
	Window    time.Duration
	Threshold int
}

type BlobCfg struct {
	Backend     string
	UploadDir   string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	S3Prefix    string
}

type SMTPCfg struct {
	Host        string
	Port        int
	Username    string
	Password    Secret
	From        string
	SSL         bool
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	Cooldown    time.Duration
}

func (s SMTPCfg) Enabled() bool {
	return s.Host != "" && s.Username != "" && s.Password.Value() != ""
}

type SummarizerCfg struct {
	URL      string
	APIKey   Secret
	Timeout  time.Duration
	RetryMax int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "3000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.AppURL = strings.TrimRight(getEnv("APP_URL", "http://localhost:3000"), "/")
	c.DatabasePath = getEnv("DATABASE_PATH", "securepad.db")
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 50); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.WALCheckpoint, err = getDuration("WAL_CHECKPOINT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS", false)
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.Argon2KeyLen, err = getUint32("ARGON2_KEYLEN", 32); err != nil {
		return nil, err
	}
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if c.VerifyFloor, err = getDuration("VERIFY_MIN_DURATION", 250*time.Millisecond); err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getBool("PEPPER_FROM_KMS", false)
	if c.DEKCacheTTL, err = getDuration("DEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 30); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 120); err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	if c.MaxContentSize, err = getInt64("MAX_CONTENT_SIZE", 5*1024*1024); err != nil {
		return nil, err
	}
	if c.MaxFileSize, err = getInt64("MAX_FILE_SIZE", 10*1024*1024); err != nil {
		return nil, err
	}

	if c.Retention.FileTTL, err = getMinutes("FILE_TTL", 1440*time.Minute); err != nil {
		return nil, err
	}
	if c.Retention.ContentTTL, err = getMinutes("CONTENT_TTL", 1440*time.Minute); err != nil {
		return nil, err
	}
	c.Retention.ContentExpiry = getBool("CONTENT_EXPIRY_ENABLED", true)
	if c.Retention.Interval, err = getMinutes("RETENTION_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if c.Retention.BatchSize, err = getInt("RETENTION_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if c.Retention.MaxRequestedTTL, err = getMinutes("MAX_REQUESTED_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}

	if c.BruteForce.Window, err = getMinutes("BRUTE_FORCE_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.BruteForce.Threshold, err = getInt("BRUTE_FORCE_THRESHOLD", 5); err != nil {
		return nil, err
	}

	c.Blob.Backend = strings.ToLower(getEnv("BLOB_BACKEND", "fs"))
	c.Blob.UploadDir = getEnv("UPLOAD_DIR", "uploads")
	c.Blob.S3Bucket = getEnv("S3_BUCKET", "")
	c.Blob.S3Region = getEnv("S3_REGION", getEnv("AWS_REGION", ""))
	c.Blob.S3Endpoint = getEnv("S3_ENDPOINT", "")
	c.Blob.S3PathStyle = getBool("S3_PATH_STYLE", false)
	c.Blob.S3Prefix = getEnv("S3_PREFIX", "securepad/")

	c.SMTP.Host = getEnv("SMTP_HOST", "")
	if c.SMTP.Port, err = getInt("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	c.SMTP.Username = getEnv("SMTP_USER", "")
	c.SMTP.Password = NewSecret(getEnv("SMTP_PASS", ""))
	c.SMTP.From = getEnv("SMTP_FROM", c.SMTP.Username)
	c.SMTP.SSL = getBool("SMTP_SECURE", false)
	if c.SMTP.Workers, err = getInt("ALERT_WORKERS", 2); err != nil {
		return nil, err
	}
	if c.SMTP.QueueSize, err = getInt("ALERT_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if c.SMTP.SendTimeout, err = getDuration("SMTP_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if c.SMTP.Cooldown, err = getMinutes("ALERT_COOLDOWN", 10*time.Minute); err != nil {
		return nil, err
	}

	c.Summarizer.URL = getEnv("SUMMARIZER_URL", "")
	c.Summarizer.APIKey = NewSecret(getEnv("SUMMARIZER_API_KEY", ""))
	if c.Summarizer.Timeout, err = getDuration("SUMMARIZER_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if c.Summarizer.RetryMax, err = getInt("SUMMARIZER_RETRY_MAX", 2); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DatabasePath != ":memory:" && !strings.HasPrefix(c.DatabasePath, "file:") {
		if err := withinWorkDir("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 19*1024 {
		return errors.New("ARGON2_MEMORY must be >= 19456 (19MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.Argon2KeyLen < 32 {
		return errors.New("ARGON2_KEYLEN must be >= 32")
	}
	if c.VerifyFloor < 0 || c.VerifyFloor > 2*time.Second {
		return errors.New("VERIFY_MIN_DURATION must be between 0 and 2s")
	}
	if !c.PepperFromKMS {
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes when PEPPER_FROM_KMS=false")
		}
	}
	if c.DEKCacheTTL < time.Minute || c.DEKCacheTTL > time.Hour {
		return errors.New("DEK_CACHE_TTL must be between 1m and 1h")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.MaxContentSize <= 0 || c.MaxContentSize > 50*1024*1024 {
		return errors.New("MAX_CONTENT_SIZE must be between 1 byte and 50MB")
	}
	if c.MaxFileSize <= 0 || c.MaxFileSize > 100*1024*1024 {
		return errors.New("MAX_FILE_SIZE must be between 1 byte and 100MB")
	}
	if err := validateRetention(c.Retention); err != nil {
		return err
	}
	if c.BruteForce.Window < time.Minute {
		return errors.New("BRUTE_FORCE_WINDOW must be at least 1 minute")
	}
	if c.BruteForce.Threshold < 2 {
		return errors.New("BRUTE_FORCE_THRESHOLD must be at least 2")
	}
	switch c.Blob.Backend {
	case "fs":
		if c.Blob.UploadDir == "" {
			return errors.New("UPLOAD_DIR is required for BLOB_BACKEND=fs")
		}
		if err := withinWorkDir("UPLOAD_DIR", c.Blob.UploadDir); err != nil {
			return err
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for BLOB_BACKEND=s3")
		}
		if c.Blob.S3Region == "" {
			return errors.New("S3_REGION or AWS_REGION is required for BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q (want fs or s3)", c.Blob.Backend)
	}
	if c.SMTP.Host != "" {
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			return errors.New("SMTP_PORT out of range")
		}
		if _, err := mail.ParseAddress(c.SMTP.From); err != nil {
			return errors.Wrap(err, "SMTP_FROM is not a valid address")
		}
	}
	if c.SMTP.Workers < 1 || c.SMTP.QueueSize < 1 {
		return errors.New("ALERT_WORKERS and ALERT_QUEUE_SIZE must be positive")
	}
	if c.Summarizer.URL != "" && !strings.HasPrefix(c.Summarizer.URL, "http://") && !strings.HasPrefix(c.Summarizer.URL, "https://") {
		return errors.New("SUMMARIZER_URL must be an http(s) URL")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func validateRetention(r RetentionCfg) error {
	if r.FileTTL < time.Minute {
		return errors.New("FILE_TTL must be at least 1 minute")
	}
	if r.ContentTTL < time.Minute {
		return errors.New("CONTENT_TTL must be at least 1 minute")
	}
	if r.MaxRequestedTTL < r.FileTTL || r.MaxRequestedTTL < r.ContentTTL {
		return errors.New("MAX_REQUESTED_TTL must not be below the default TTLs")
	}
	if r.Interval < time.Minute {
		return errors.New("RETENTION_INTERVAL must be at least 1 minute")
	}
	if r.BatchSize <= 0 || r.BatchSize > 1000 {
		return errors.New("RETENTION_BATCH_SIZE must be between 1 and 1000")
	}
	return nil
}

func withinWorkDir(key, path string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if !strings.HasPrefix(abs, absWorkDir+string(filepath.Separator)) && abs != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", key, absWorkDir)
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.SMTP.Password.Wipe()
	c.Summarizer.APIKey.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string, fallback bool) bool {
	s := strings.ToLower(getEnv(key, ""))
	switch s {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// getMinutes is getDuration that also takes a bare integer as minutes, the
// unit retention windows are usually written in.
func getMinutes(key string, fallback time.Duration) (time.Duration, error) {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	return getDuration(key, fallback)
}
