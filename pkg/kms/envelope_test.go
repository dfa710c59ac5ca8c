package kms_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"securepad/pkg/kms"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func newLocalAdapter(t *testing.T) *kms.Adapter {
	t.Helper()
	adapter, err := kms.NewAdapter(context.Background(), kms.Options{LocalKey: testLocalKey, FailClosed: true})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return adapter
}

func TestNewAdapterRequiresProvider(t *testing.T) {
	if _, err := kms.NewAdapter(context.Background(), kms.Options{}); err == nil {
		t.Fatal("expected error without providers")
	}
	if _, err := kms.NewAdapter(context.Background(), kms.Options{LocalKey: "short"}); err == nil {
		t.Fatal("expected error for malformed local key")
	}
	if _, err := kms.NewAdapter(context.Background(), kms.Options{LocalKey: testLocalKey, RequirePrimary: true}); err == nil {
		t.Fatal("local key must not satisfy KMS_REQUIRE_PRIMARY")
	}
}

func TestEncryptionContextBinding(t *testing.T) {
	adapter := newLocalAdapter(t)
	ctx := context.Background()
	secret := []byte("data key bytes")

	t.Run("matching context", func(t *testing.T) {
		wrapped, err := adapter.Wrap(ctx, secret, kms.EncryptionContext{"pad": "alice"})
		if err != nil {
			t.Fatal(err)
		}
		plain, err := adapter.Unwrap(ctx, wrapped, kms.EncryptionContext{"pad": "alice"})
		if err != nil {
			t.Fatalf("unwrap with same context: %v", err)
		}
		if !bytes.Equal(plain, secret) {
			t.Errorf("got %q", plain)
		}
	})

	t.Run("other pad", func(t *testing.T) {
		wrapped, _ := adapter.Wrap(ctx, secret, kms.EncryptionContext{"pad": "alice"})
		if _, err := adapter.Unwrap(ctx, wrapped, kms.EncryptionContext{"pad": "bob"}); err == nil {
			t.Error("unwrapped with another pad's context")
		}
		if _, err := adapter.Unwrap(ctx, wrapped, nil); err == nil {
			t.Error("unwrapped without context")
		}
	})

	t.Run("key order", func(t *testing.T) {
		wrapped, _ := adapter.Wrap(ctx, secret, kms.EncryptionContext{"a": "1", "z": "26", "m": "13"})
		if _, err := adapter.Unwrap(ctx, wrapped, kms.EncryptionContext{"z": "26", "m": "13", "a": "1"}); err != nil {
			t.Errorf("context serialization depends on map order: %v", err)
		}
	})
}

func TestEnvelopeSealOpen(t *testing.T) {
	adapter := newLocalAdapter(t)
	cache := kms.NewDEKCache(adapter, time.Hour)
	defer cache.Stop()
	env := kms.NewEnvelope(adapter, cache)
	ctx := context.Background()

	wrapped, err := env.NewKey(ctx, "alice-notes")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	sealed, err := env.Seal(ctx, "alice-notes", wrapped, []byte("meeting at noon"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("meeting")) {
		t.Fatal("sealed content contains plaintext")
	}
	plain, err := env.Open(ctx, "alice-notes", wrapped, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "meeting at noon" {
		t.Errorf("got %q", plain)
	}

	if _, err := env.Open(ctx, "bob-notes", wrapped, sealed); err == nil {
		t.Error("content opened under another pad")
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := env.Open(ctx, "alice-notes", wrapped, sealed); err == nil {
		t.Error("tampered content opened")
	}
}

func TestLocalProviderGCMFormat(t *testing.T) {
	raw, _ := base64.StdEncoding.DecodeString(testLocalKey)
	block, _ := aes.NewCipher(raw)
	gcm, _ := cipher.NewGCM(block)
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}
	external := gcm.Seal(nonce, nonce, []byte("key"), nil)

	adapter := newLocalAdapter(t)
	plain, err := adapter.Unwrap(context.Background(), external, nil)
	if err != nil {
		t.Fatalf("nonce||ciphertext layout not accepted: %v", err)
	}
	if string(plain) != "key" {
		t.Errorf("got %q", plain)
	}
}
