// Package secretprov implements the polymorphic source of the secret
// string delivered to an authenticated client: a literal value, a file,
// an environment variable, or any of those wrapped in the at-rest
// encryption envelope.
//
// Per the spec's own design note, this is modeled as a small interface
// with four concrete implementations rather than a class hierarchy.
package secretprov

import (
	"fmt"
	"os"

	"github.com/izenynn/ssh-drop/internal/envelope"
)

// Provider yields the secret's bytes, optionally given a passphrase.
type Provider interface {
	// GetSecret returns the secret. passphrase is ignored by providers
	// that don't need one.
	GetSecret(passphrase []byte) ([]byte, error)

	// NeedsPassphrase reports whether GetSecret requires a non-empty
	// passphrase to succeed. Only the Encrypted wrapper returns true.
	NeedsPassphrase() bool
}

// Literal holds the secret bytes directly, as configured inline.
type Literal struct {
	Value []byte
}

func (l Literal) GetSecret([]byte) ([]byte, error) { return l.Value, nil }
func (l Literal) NeedsPassphrase() bool            { return false }

// File reads the secret from a file's full contents on every call, so a
// rotated file is picked up without a restart.
type File struct {
	Path string
}

func (f File) GetSecret([]byte) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("secretprov: read secret file %q: %w", f.Path, err)
	}
	return data, nil
}

func (f File) NeedsPassphrase() bool { return false }

// Env reads the secret from a named environment variable on every call.
type Env struct {
	Name string
}

func (e Env) GetSecret([]byte) ([]byte, error) {
	v, ok := os.LookupEnv(e.Name)
	if !ok {
		return nil, fmt.Errorf("secretprov: environment variable %q not set", e.Name)
	}
	return []byte(v), nil
}

func (e Env) NeedsPassphrase() bool { return false }

// Encrypted wraps another provider whose GetSecret yields a base64
// envelope, and decrypts it with the supplied passphrase.
type Encrypted struct {
	Inner Provider
}

func (e Encrypted) GetSecret(passphrase []byte) ([]byte, error) {
	blob, err := e.Inner.GetSecret(nil)
	if err != nil {
		return nil, err
	}
	plaintext, err := envelope.Decrypt(string(blob), passphrase)
	if err != nil {
		if err == envelope.ErrWrongPassphrase {
			return nil, fmt.Errorf("secretprov: wrong passphrase")
		}
		return nil, fmt.Errorf("secretprov: %w", err)
	}
	return plaintext, nil
}

func (e Encrypted) NeedsPassphrase() bool { return true }

// Source describes the three disjoint configured origins for a secret
// (or password, or username): a literal value, a file path, or an
// environment variable name. Exactly one should be set; New returns nil
// with no error if none are.
type Source struct {
	Literal string
	File    string
	Env     string
}

// New builds the leaf Provider matching whichever field of src is set,
// wrapping it in Encrypted when encrypted is true. Returns (nil, nil) if
// src has no field set.
func New(src Source, encrypted bool) (Provider, error) {
	var leaf Provider
	switch {
	case src.Literal != "":
		leaf = Literal{Value: []byte(src.Literal)}
	case src.File != "":
		leaf = File{Path: src.File}
	case src.Env != "":
		leaf = Env{Name: src.Env}
	default:
		return nil, nil
	}

	if encrypted {
		return Encrypted{Inner: leaf}, nil
	}
	return leaf, nil
}
