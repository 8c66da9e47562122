// Package connhandler drives a single accepted SSH connection from the
// moment it's handed off by the accept loop through authentication,
// channel/shell negotiation, and secret delivery, under one deadline.
//
// golang.org/x/crypto/ssh collapses most of what the original libssh
// design modeled as an explicit callback-driven poll loop into a single
// blocking ssh.NewServerConn call, and it already distinguishes an
// unsigned "query" public-key probe from a signature-verified attempt
// internally — a caller's PublicKeyCallback is asked only whether a key
// is authorized (for queries and signed attempts alike), and the library
// itself verifies the signature before it treats that answer as
// authentication. Likewise, ssh.PartialSuccessError is the
// library's native mechanism for "this factor passed, more are needed,"
// including re-advertising only the remaining methods. So this handler
// doesn't track authenticated/pubkey_passed flags by hand: it builds a
// ServerConfig whose callbacks close over the Authenticator, and lets
// the library's own auth loop enforce the ordering invariant.
//
// A single net.Conn deadline set once, right after accept, bounds the
// whole interaction (handshake, auth, channel open, shell request, and
// the passphrase read): every blocking read the library or this handler
// performs eventually touches that same connection, so one deadline is
// sufficient and there is no separate per-phase timer to keep in sync.
package connhandler

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/izenynn/ssh-drop/internal/authn"
	"github.com/izenynn/ssh-drop/internal/envelope"
	"github.com/izenynn/ssh-drop/internal/secretprov"
	"github.com/izenynn/ssh-drop/internal/sshadapter"
)

// maxPassphraseLen bounds the passphrase line read so a client that
// never sends a terminator can't make the handler buffer without limit
// before the connection deadline closes it anyway.
const maxPassphraseLen = 4096

// errAuthDenied is the single error value every rejecting auth callback
// returns. Its text is never surfaced to the client or distinguished in
// logs by which factor failed.
var errAuthDenied = errors.New("denied")

// errChannelClosed means the client's channel/request stream ended
// (closed or the connection deadline tore it down) before the expected
// event arrived.
var errChannelClosed = errors.New("connhandler: channel closed before expected event")

// Metrics is the minimal observability surface the handler drives;
// callers wire in whatever concrete implementation they like (or leave
// it nil, which disables metrics entirely).
type Metrics interface {
	ConnectionAccepted()
	AuthDenied()
	AuthTimedOut()
	SecretDelivered()
	ObserveDuration(time.Duration)
}

// Handler holds everything shared read-only across connections: the
// authentication policy, the secret provider, the host key, and the
// single auth_timeout that bounds every connection handled.
type Handler struct {
	Authn       *authn.Authenticator
	Secrets     secretprov.Provider
	HostKey     ssh.Signer
	AuthTimeout time.Duration
	Logger      *slog.Logger
	Metrics     Metrics
}

// Handle drives one accepted connection to completion. It never panics
// and never returns an error: every failure path is logged and the
// connection is closed, so the caller's accept loop can move on.
func (h *Handler) Handle(conn net.Conn) {
	start := time.Now()
	defer conn.Close()

	logger := h.Logger.With("remote", conn.RemoteAddr().String())
	if h.Metrics != nil {
		h.Metrics.ConnectionAccepted()
	}

	deadline := start.Add(h.AuthTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		logger.Warn("connection setup failed", "err", err)
		return
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, h.buildServerConfig())
	if err != nil {
		h.reportAuthFailure(logger, deadline, err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	logger.Info("Client authenticated")

	rawCh, chanReqs, err := acceptSessionChannel(chans)
	if err != nil {
		h.reportAuthFailure(logger, deadline, err)
		return
	}
	ch := sshadapter.NewChannel(rawCh)
	defer ch.Close()

	if err := awaitShellRequest(chanReqs); err != nil {
		h.reportAuthFailure(logger, deadline, err)
		return
	}

	delivered, err := h.deliver(logger, ch)
	if err != nil {
		logger.Warn("Secret delivery failed")
		return
	}
	if !delivered {
		return
	}

	if h.Metrics != nil {
		h.Metrics.SecretDelivered()
		h.Metrics.ObserveDuration(time.Since(start))
	}
	logger.Info("Secret delivered")
}

// reportAuthFailure logs exactly one of the two generic lines the spec
// allows: a deadline overrun is reported as a timeout, anything else
// (denied credentials, a client hanging up mid-handshake, a transport
// error) is reported as the single undifferentiated "denied" line.
func (h *Handler) reportAuthFailure(logger *slog.Logger, deadline time.Time, err error) {
	if time.Now().After(deadline) || isTimeout(err) {
		logger.Warn("Authentication timed out")
		if h.Metrics != nil {
			h.Metrics.AuthTimedOut()
		}
		return
	}
	logger.Warn("Authentication denied")
	if h.Metrics != nil {
		h.Metrics.AuthDenied()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// buildServerConfig advertises PUBKEY only when both methods are
// required; a successful pubkey check then hands control to a second,
// host-key-less set of callbacks carrying only PasswordCallback, via
// PartialSuccessError, so the re-advertised method set is exactly
// {password} and a client can't satisfy the password factor by
// presenting the same key again. The host key belongs solely on the
// top-level ServerConfig; PartialSuccessError.Next is a
// ServerAuthCallbacks, which has no host key field of its own.
func (h *Handler) buildServerConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{}
	config.AddHostKey(h.HostKey)

	methods := h.Authn.SupportedMethods()

	if h.Authn.RequiresBoth() {
		next := &ssh.ServerAuthCallbacks{PasswordCallback: h.passwordCallback()}
		config.PublicKeyCallback = h.pubkeyCallback(next)
		return config
	}

	if methods&authn.Pubkey != 0 {
		config.PublicKeyCallback = h.pubkeyCallback(nil)
	}
	if methods&authn.Password != 0 {
		config.PasswordCallback = h.passwordCallback()
	}
	return config
}

func (h *Handler) pubkeyCallback(next *ssh.ServerAuthCallbacks) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if !h.Authn.CheckPubkey(key) {
			return nil, errAuthDenied
		}
		if next != nil {
			return nil, &ssh.PartialSuccessError{Next: *next}
		}
		if !h.Authn.CheckUser([]byte(conn.User())) {
			return nil, errAuthDenied
		}
		return nil, nil
	}
}

func (h *Handler) passwordCallback() func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
		defer envelope.Zero(pw)
		if !h.Authn.CheckPassword(pw) {
			return nil, errAuthDenied
		}
		if !h.Authn.CheckUser([]byte(conn.User())) {
			return nil, errAuthDenied
		}
		return nil, nil
	}
}

// acceptSessionChannel takes the first "session" channel offered,
// rejecting any other channel type along the way. Once accepted it
// returns immediately: further channel-open requests are left
// unserviced in chans rather than explicitly rejected, matching the
// spec's tolerance for clients that open extra channels.
func acceptSessionChannel(chans <-chan ssh.NewChannel) (ssh.Channel, <-chan *ssh.Request, error) {
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		return newChan.Accept()
	}
	return nil, nil, errChannelClosed
}

// awaitShellRequest accepts pty-req unconditionally (its only purpose
// on the client side is to put the terminal in raw mode so passphrase
// entry isn't echoed) and returns as soon as a shell request arrives.
func awaitShellRequest(reqs <-chan *ssh.Request) error {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			return nil
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	return errChannelClosed
}

// deliver reads a passphrase first if the provider needs one, then
// writes the secret and sends EOF. An empty passphrase line is not an
// error: it's a silent no-delivery early return (delivered=false, err=
// nil) so a client that drops the connection mid-read doesn't produce
// failure noise in the logs, and the caller must not count or log it as
// a completed delivery.
func (h *Handler) deliver(logger *slog.Logger, ch *sshadapter.Channel) (bool, error) {
	var passphrase []byte
	if h.Secrets.NeedsPassphrase() {
		line, err := readLine(ch, maxPassphraseLen)
		if err != nil {
			return false, err
		}
		if len(line) == 0 {
			logger.Warn("No passphrase received")
			return false, nil
		}
		passphrase = line
		defer envelope.Zero(passphrase)
	}

	secret, err := h.Secrets.GetSecret(passphrase)
	if err != nil {
		return false, err
	}
	defer envelope.Zero(secret)

	if err := ch.Write(secret); err != nil {
		return false, err
	}
	if err := ch.SendEOF(); err != nil {
		return false, err
	}
	return true, nil
}

// readLine reads until the first '\n' or '\r' (exclusive) or EOF,
// whichever comes first, bounded by max bytes.
func readLine(r io.Reader, max int) ([]byte, error) {
	br := bufio.NewReaderSize(r, 64)
	buf := make([]byte, 0, 64)
	for len(buf) < max {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return nil, err
		}
		if b == '\n' || b == '\r' {
			return buf, nil
		}
		buf = append(buf, b)
	}
	return buf, nil
}
