// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package channelcrypto decrypts logical messages once the channel between
// client and server has switched to symmetric encryption.
//
// The ciphertext layout is a 16-byte IV encrypted with AES-ECB under the
// session key, followed by the message encrypted with AES-CBC under that IV
// and PKCS#7 padded. When HMAC mode is on, the first 13 bytes of the IV are
// a truncated HMAC-SHA1 over the last 3 IV bytes and the plaintext.
package channelcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
)

// KeySize is the session key length in bytes.
const KeySize = 32

const (
	hmacPrefixLen = 13
	hmacKeyLen    = 16
)

var (
	// ErrNoKey means Decrypt was called before a session key was installed.
	ErrNoKey = errors.New("no session key")

	// ErrKeySize means SetKey was given a key that is not KeySize bytes.
	ErrKeySize = errors.New("invalid session key size")

	// ErrCiphertext means the input is too short or not block aligned.
	ErrCiphertext = errors.New("invalid ciphertext length")

	// ErrPadding means the PKCS#7 padding did not validate.
	ErrPadding = errors.New("invalid padding")

	// ErrHMAC means the HMAC carried in the IV did not match the plaintext.
	ErrHMAC = errors.New("iv hmac mismatch")
)

// SymmetricDecrypter holds the session key for one client session.
// It is safe for concurrent use.
type SymmetricDecrypter struct {
	mu      sync.RWMutex
	block   cipher.Block
	hmacKey []byte
	useHMAC bool
}

// NewSymmetricDecrypter returns a decrypter without a key. When useHMAC is
// set, every message's IV must carry a valid HMAC.
func NewSymmetricDecrypter(useHMAC bool) *SymmetricDecrypter {
	return &SymmetricDecrypter{useHMAC: useHMAC}
}

// SetKey installs (or replaces) the session key.
func (d *SymmetricDecrypter) SetKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes: %w", err)
	}

	d.mu.Lock()
	d.block = block
	d.hmacKey = append([]byte(nil), key[:hmacKeyLen]...)
	d.mu.Unlock()
	return nil
}

// HasKey reports whether a session key is installed.
func (d *SymmetricDecrypter) HasKey() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.block != nil
}

// Decrypt returns the plaintext of one encrypted logical message.
// The returned slice never aliases the input.
func (d *SymmetricDecrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	d.mu.RLock()
	block, hmacKey, useHMAC := d.block, d.hmacKey, d.useHMAC
	d.mu.RUnlock()

	if block == nil {
		return nil, ErrNoKey
	}
	if len(ciphertext) < 2*aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertext, len(ciphertext))
	}

	iv := make([]byte, aes.BlockSize)
	block.Decrypt(iv, ciphertext[:aes.BlockSize])

	// CBC output is exactly the ciphertext body; padding only shrinks it.
	out := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext[aes.BlockSize:])

	plain, err := unpad(out)
	if err != nil {
		return nil, err
	}

	if useHMAC {
		mac := hmac.New(sha1.New, hmacKey)
		mac.Write(iv[hmacPrefixLen:])
		mac.Write(plain)
		if !hmac.Equal(mac.Sum(nil)[:hmacPrefixLen], iv[:hmacPrefixLen]) {
			return nil, ErrHMAC
		}
	}
	return plain, nil
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: pad byte %d", ErrPadding, n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}
