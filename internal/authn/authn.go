// Package authn implements the single-purpose authentication policy: which
// methods are accepted, which public keys are authorized, and what the
// expected password and username are.
//
// Per the design note in the spec this stays a single struct (methods
// bitmask plus optional policy pieces) rather than an inheritance
// hierarchy — there is exactly one composite, so a tagged variant would
// be ceremony without payoff.
package authn

import (
	"bufio"
	"crypto/subtle"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Method is a bitmask over the two supported authentication factors.
type Method int

const (
	Pubkey Method = 1 << iota
	Password
)

// dummyPassword is compared against on every CheckPassword call where no
// password is configured, so the absence of a policy doesn't
// shortcut into a faster return than a configured-but-wrong comparison.
const dummyPassword = "ssh-drop-dummy-compare-value-------------------"

// Authenticator holds the configured policy: which methods are accepted,
// where the authorized-keys file lives, and the expected password and
// username (each optional — username absent means any user is accepted).
type Authenticator struct {
	Methods        Method
	AuthorizedKeys string
	ExpectPassword []byte
	ExpectUser     []byte
}

// SupportedMethods returns the configured method bitmask.
func (a *Authenticator) SupportedMethods() Method {
	return a.Methods
}

// RequiresBoth reports whether both pubkey and password must succeed.
func (a *Authenticator) RequiresBoth() bool {
	return a.Methods == Pubkey|Password
}

// CheckPubkey streams the authorized-keys file line by line, comparing
// each parsed key to candidate by structural equality (the marshaled
// wire form, which is independent of comments and surrounding
// whitespace). It returns false, without error, if the file cannot be
// opened — an absent authorized-keys file denies everyone rather than
// panicking the worker.
//
// Re-reading on every call is deliberate: the file is the live policy
// surface and must be editable without a restart.
func (a *Authenticator) CheckPubkey(candidate ssh.PublicKey) bool {
	f, err := os.Open(a.AuthorizedKeys)
	if err != nil {
		return false
	}
	defer f.Close()

	candidateBytes := candidate.Marshal()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
		if err != nil {
			continue
		}
		if subtleKeyEqual(key.Marshal(), candidateBytes) {
			return true
		}
	}
	return false
}

func subtleKeyEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CheckPassword compares pw against the configured password. If no
// password is configured it still runs a dummy constant-time compare
// before returning false, so the absent-provider path costs the same
// time as a configured-but-wrong one.
func (a *Authenticator) CheckPassword(pw []byte) bool {
	if a.ExpectPassword == nil {
		subtle.ConstantTimeCompare(pw, []byte(dummyPassword))
		return false
	}
	return constantTimeEqual(pw, a.ExpectPassword)
}

// CheckUser returns true if no username is configured; otherwise it
// compares user against the configured one in constant time.
func (a *Authenticator) CheckUser(user []byte) bool {
	if a.ExpectUser == nil {
		return true
	}
	return constantTimeEqual(user, a.ExpectUser)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
