package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"securepad/metrics"
)

const dekSize = chacha20poly1305.KeySize

type keyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error)
}

// Envelope seals pad content with a per-pad data key. The data key is
// stored wrapped by the KMS next to the pad; scope binds both the wrapped
// key and the sealed content to one pad.
type Envelope struct {
	wrapper keyWrapper
	cache   *DEKCache
}

func NewEnvelope(adapter *Adapter, cache *DEKCache) *Envelope {
	return &Envelope{wrapper: adapter, cache: cache}
}

func scopeContext(scope string) EncryptionContext {
	return EncryptionContext{"pad": scope}
}

// NewKey returns a fresh wrapped data key for scope.
func (e *Envelope) NewKey(ctx context.Context, scope string) ([]byte, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer wipeBytes(dek)
	wrapped, err := e.wrapper.Wrap(ctx, dek, scopeContext(scope))
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}
	return wrapped, nil
}

func (e *Envelope) Seal(ctx context.Context, scope string, wrapped, plaintext []byte) ([]byte, error) {
	dek, err := e.cache.Unwrap(ctx, wrapped, scopeContext(scope))
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	defer wipeBytes(dek)
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	return AEADSeal(plaintext, dek, []byte(scope))
}

func (e *Envelope) Open(ctx context.Context, scope string, wrapped, sealed []byte) ([]byte, error) {
	dek, err := e.cache.Unwrap(ctx, wrapped, scopeContext(scope))
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	defer wipeBytes(dek)
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	plain, err := AEADOpen(sealed, dek, []byte(scope))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// AEADSeal encrypts with XChaCha20-Poly1305 and prepends the nonce.
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}
