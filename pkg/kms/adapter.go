package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is bound to every wrapped key as associated data.
type EncryptionContext map[string]string

type Provider interface {
	Name() string
	Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Options struct {
	RequirePrimary bool
	FailClosed     bool
	VaultAddr      string
	VaultToken     string
	VaultTokenFile string
	VaultMount     string
	VaultKeyID     string
	VaultSecrets   string
	AWSRegion      string
	AWSKeyID       string
	LocalKey       string
}

func OptionsFromEnv() Options {
	return Options{
		RequirePrimary: strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true",
		FailClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
		VaultAddr:      os.Getenv("VAULT_ADDR"),
		VaultToken:     os.Getenv("VAULT_TOKEN"),
		VaultTokenFile: os.Getenv("VAULT_TOKEN_FILE"),
		VaultMount:     getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		VaultKeyID:     getEnvOrDefault("VAULT_KEY_ID", "securepad-master"),
		VaultSecrets:   getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/securepad"),
		AWSRegion:      os.Getenv("AWS_REGION"),
		AWSKeyID:       getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/securepad-master"),
		LocalKey:       os.Getenv("KMS_LOCAL_KEY"),
	}
}

// Adapter picks Vault, then AWS KMS, as primary and the local key as
// fallback. With FailClosed a primary error is returned instead of
// falling back.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	var primary, fallback Provider
	if opts.VaultAddr != "" {
		if vp, err := newVaultProvider(ctx, opts); err == nil {
			primary = vp
		}
	}
	if primary == nil && opts.AWSRegion != "" {
		if ap, err := newAWSProvider(ctx, opts); err == nil {
			primary = ap
		}
	}
	if !opts.RequirePrimary && primary == nil && opts.LocalKey != "" {
		lp, err := newLocalProvider(opts.LocalKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local provider: %w", err)
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		if opts.RequirePrimary {
			return nil, errors.New("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, errors.New("no KMS providers available (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     opts.FailClosed,
		requirePrimary: opts.RequirePrimary,
	}, nil
}

func (a *Adapter) Name() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) Wrap(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	if a.primary != nil {
		ciphertext, err := a.primary.Wrap(ctx, plaintext, aad)
		if err == nil {
			return ciphertext, nil
		}
		if a.requirePrimary || a.failClosed {
			return nil, fmt.Errorf("%s wrap failed: %w", a.primary.Name(), err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Wrap(ctx, plaintext, aad)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) Unwrap(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	if a.primary != nil {
		plaintext, err := a.primary.Unwrap(ctx, ciphertext, aad)
		if err == nil {
			return plaintext, nil
		}
		if a.requirePrimary || a.failClosed {
			return nil, fmt.Errorf("%s unwrap failed: %w", a.primary.Name(), err)
		}
	}
	if a.fallback != nil {
		plaintext, err := a.fallback.Unwrap(ctx, ciphertext, aad)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return plaintext, nil
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary || a.failClosed {
			return "", fmt.Errorf("get secret failed: %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

// serializeEncryptionContext sorts keys so equal maps give equal bytes.
func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
