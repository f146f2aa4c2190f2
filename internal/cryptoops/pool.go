// ABOUTME: Bounded worker pool for CPU-bound RSA operations
// ABOUTME: Uses a weighted semaphore so request handlers wait for a slot, and caches parsed private keys

package cryptoops

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
	"tailscale.com/util/lru"
)

// DefaultKeyCacheSize bounds the number of parsed private keys a pool keeps.
const DefaultKeyCacheSize = 1024

type keyID [sha256.Size]byte

// Pool limits the number of concurrent RSA operations. Private keys parsed on the
// pool are remembered, so encrypted OpenSSH and PKCS#8 keys run their KDF once.
type Pool struct {
	sem  *semaphore.Weighted
	size int

	mu   sync.Mutex
	keys *lru.Cache[keyID, *rsa.PrivateKey]
}

// NewPool creates a pool with the given number of slots.
// A non-positive size defaults to GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
		keys: &lru.Cache[keyID, *rsa.PrivateKey]{MaxEntries: DefaultKeyCacheSize},
	}
}

// Size returns the number of concurrent operations allowed.
func (p *Pool) Size() int {
	return p.size
}

// run executes fn once a slot is free. The wait is abandoned if ctx ends first.
func (p *Pool) run(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for crypto worker: %w", err)
	}
	defer p.sem.Release(1)
	fn()
	return nil
}

func privateKeyID(privatePEM, passphrase string) keyID {
	h := sha256.New()
	h.Write([]byte(privatePEM))
	h.Write([]byte{0})
	h.Write([]byte(passphrase))
	var id keyID
	copy(id[:], h.Sum(nil))
	return id
}

// privateKey parses privatePEM or returns the key parsed by an earlier call.
// Parse failures are not cached.
func (p *Pool) privateKey(privatePEM, passphrase string) (*rsa.PrivateKey, error) {
	id := privateKeyID(privatePEM, passphrase)

	p.mu.Lock()
	key, ok := p.keys.GetOk(id)
	p.mu.Unlock()
	if ok {
		return key, nil
	}

	key, err := ParsePrivateKey(privatePEM, passphrase)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.keys.Set(id, key)
	p.mu.Unlock()
	return key, nil
}

// cachedKeys reports how many parsed private keys the pool holds.
func (p *Pool) cachedKeys() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys.Len()
}

// Encrypt runs Encrypt on the pool.
func (p *Pool) Encrypt(ctx context.Context, plaintext, publicPEM string) (out string, err error) {
	if perr := p.run(ctx, func() { out, err = Encrypt(plaintext, publicPEM) }); perr != nil {
		return "", perr
	}
	return out, err
}

// Decrypt runs Decrypt on the pool.
func (p *Pool) Decrypt(ctx context.Context, ciphertextB64, privatePEM, passphrase string) (out string, err error) {
	perr := p.run(ctx, func() {
		var ciphertext []byte
		if ciphertext, err = decodeCiphertext(ciphertextB64); err != nil {
			return
		}
		var priv *rsa.PrivateKey
		if priv, err = p.privateKey(privatePEM, passphrase); err != nil {
			return
		}
		out, err = decryptWithKey(ciphertext, priv)
	})
	if perr != nil {
		return "", perr
	}
	return out, err
}

// Sign runs Sign on the pool.
func (p *Pool) Sign(ctx context.Context, message, privatePEM, passphrase string) (out string, err error) {
	perr := p.run(ctx, func() {
		if message == "" {
			err = fmt.Errorf("%w: message is required", ErrInvalidArgument)
			return
		}
		var priv *rsa.PrivateKey
		if priv, err = p.privateKey(privatePEM, passphrase); err != nil {
			return
		}
		out, err = signWithKey(message, priv)
	})
	if perr != nil {
		return "", perr
	}
	return out, err
}

// Verify runs Verify on the pool.
func (p *Pool) Verify(ctx context.Context, message, signatureB64, publicPEM string) (ok bool, err error) {
	if perr := p.run(ctx, func() { ok, err = Verify(message, signatureB64, publicPEM) }); perr != nil {
		return false, perr
	}
	return ok, err
}

// ValidateKeyPair runs ValidateKeyPair on the pool. A pair that validates leaves its
// parsed private key cached for the calls that follow enrollment.
func (p *Pool) ValidateKeyPair(ctx context.Context, privatePEM, publicPEM, passphrase string) (err error) {
	perr := p.run(ctx, func() {
		var priv *rsa.PrivateKey
		if priv, err = p.privateKey(privatePEM, passphrase); err != nil {
			return
		}
		err = matchPublicKey(priv, publicPEM)
	})
	if perr != nil {
		return perr
	}
	return err
}
