// Package envelope implements the at-rest encryption format used to
// protect a secret stored on disk rather than configured literally.
//
// The on-disk layout is base64(salt || nonce || tag || ciphertext), with
// a 16-byte salt, a 12-byte nonce, and a 16-byte GCM tag. The key is
// derived from the passphrase with PBKDF2-HMAC-SHA256, and the cipher is
// AES-256-GCM with an empty AAD. There is no version byte: the layout is
// fixed and any future parameter change needs an out-of-band switch.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen    = 16
	nonceLen   = 12
	tagLen     = 16
	headerLen  = saltLen + nonceLen + tagLen
	keyLen     = 32
	pbkdf2Iter = 210000
)

// ErrMalformed is returned when the input is not valid base64 or the
// decoded blob is shorter than the fixed header, i.e. it cannot possibly
// hold salt+nonce+tag.
var ErrMalformed = errors.New("envelope: malformed ciphertext")

// ErrWrongPassphrase is returned when the GCM tag fails to authenticate,
// which is indistinguishable from "wrong passphrase" without further
// context and is reported as such.
var ErrWrongPassphrase = errors.New("envelope: wrong passphrase")

// Encrypt seals plaintext under a key derived from passphrase, returning
// the base64-encoded envelope. Encryption is randomized: two calls with
// the same inputs yield different ciphertexts (fresh salt and nonce
// per call), both of which decrypt back to plaintext.
func Encrypt(plaintext, passphrase []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("envelope: generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: generate nonce: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	// Seal appends the tag to the ciphertext; we want tag and ciphertext
	// as separate fields in the output layout, so split them back out.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, headerLen+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a base64 envelope with the given passphrase. It returns
// ErrMalformed if b64 is not valid base64 or the decoded blob is shorter
// than the fixed header, and
// ErrWrongPassphrase if GCM authentication fails.
func Decrypt(b64 string, passphrase []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(data) < headerLen {
		return nil, ErrMalformed
	}

	salt := data[:saltLen]
	nonce := data[saltLen : saltLen+nonceLen]
	tag := data[saltLen+nonceLen : headerLen]
	ct := data[headerLen:]

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func deriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdf2Iter, keyLen, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new GCM: %w", err)
	}
	return gcm, nil
}
