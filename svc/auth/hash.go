package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"securepad/svc/util"
)

const maxPasswordLength = 1024

var ErrShuttingDown = errors.New("hasher is shutting down")

// Params fixes the Argon2id work factor. VerifyFloor is the minimum time a
// Verify call takes, matching or not.
type Params struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
	KeyLen      uint32
	VerifyFloor time.Duration
}

// Hasher derives pad credential hashes on a bounded worker pool so that a
// burst of pad creations cannot pin every CPU.
type Hasher struct {
	params   Params
	pepper   []byte
	mu       sync.RWMutex
	jobQueue chan hashJob
	quit     chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

type hashJob struct {
	password string
	resp     chan hashResult
}

type hashResult struct {
	hash string
	err  error
}

func NewHasher(p Params, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if p.Time == 0 || p.Time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if p.Memory < 1024 || p.Memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if p.Parallelism == 0 || p.Parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	if p.KeyLen == 0 {
		p.KeyLen = 32
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		params:   p,
		pepper:   pepperCopy,
		jobQueue: make(chan hashJob, 1024),
		quit:     make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			hash, err := h.doHash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash returns a PHC-formatted Argon2id hash of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", errors.New("hasher not started - call Start() first")
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp := make(chan hashResult, 1)
	select {
	case h.jobQueue <- hashJob{password: password, resp: resp}:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash queue")
	case <-h.quit:
		return "", ErrShuttingDown
	}
	select {
	case res := <-resp:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	case <-h.quit:
		return "", ErrShuttingDown
	}
}

func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrShuttingDown
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "salt")
	}
	p := h.params
	hash := argon2.IDKey(peppered, salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// Verify compares pwd against encoded in constant time. Malformed hashes
// and oversized passwords still pay for one derivation and report false.
func (h *Hasher) Verify(pwd, encoded string) (bool, error) {
	start := time.Now()
	var match bool
	var err error
	if len(pwd) > maxPasswordLength {
		h.verifyInternal(strings.Repeat("x", 16), "")
	} else {
		match, err = h.verifyInternal(pwd, encoded)
	}
	if elapsed := time.Since(start); elapsed < h.params.VerifyFloor {
		time.Sleep(h.params.VerifyFloor - elapsed)
	}
	return match, err
}

func (h *Hasher) verifyInternal(pwd, encoded string) (bool, error) {
	p := h.params
	mem, iters, threads := p.Memory, p.Time, p.Parallelism
	var salt, want []byte
	valid := true
	parts := strings.Split(encoded, "$")
	switch {
	case len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id":
		valid = false
	default:
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil ||
			mem > 2*1024*1024 || iters > 1000 || threads > 128 || iters == 0 || threads == 0 {
			valid = false
			mem, iters, threads = p.Memory, p.Time, p.Parallelism
			break
		}
		var err error
		if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(salt) == 0 {
			valid = false
			salt = nil
		}
		if want, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(want) == 0 || len(want) > 256 {
			valid = false
			want = nil
		}
	}
	if salt == nil {
		salt = make([]byte, 16)
	}
	if want == nil {
		want = make([]byte, p.KeyLen)
	}
	defer util.Wipe(want)
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false, ErrShuttingDown
	}
	defer util.Wipe(peppered)
	got := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(want)))
	defer util.Wipe(got)
	match := subtle.ConstantTimeCompare(want, got) == 1
	return valid && match, nil
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
