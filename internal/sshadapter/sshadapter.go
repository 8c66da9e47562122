// Package sshadapter provides thin, scoped ownership wrappers around the
// primitives golang.org/x/crypto/ssh exposes as bare handles: a listener
// with a poll-timeout accept, a channel with write/EOF/close/read
// helpers, and a uniform error type that carries which stage failed.
// The channel wrapper sets no deadlines of its own.
//
// golang.org/x/crypto/ssh already frees its own handles on Close/the
// garbage collector, so these wrappers don't reproduce the manual
// free-on-drop discipline of a C library binding; what they do provide
// is the non-blocking-accept-with-timeout shape the server's accept loop
// needs to stay cancellable without a dedicated interrupt pipe, and a
// single error type so callers don't pattern-match library-specific
// error values.
package sshadapter

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// AdapterError wraps an underlying error with the stage of the
// connection lifecycle it occurred in ("bind", "accept",
// "close-listener", "channel-write", "channel-eof", "channel-close"),
// so callers and logs can report
// context without string-matching the wrapped error.
type AdapterError struct {
	Stage string
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("sshadapter: %s: %v", e.Stage, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func wrapErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Stage: stage, Err: err}
}

// ErrAcceptTimeout is returned by Listener.Accept when the poll timeout
// elapses with no pending connection. It is not itself an AdapterError
// since it is an expected, recurring condition the accept loop uses to
// recheck its shutdown flag, not a failure.
var ErrAcceptTimeout = errors.New("sshadapter: accept poll timeout")

// deadliner is satisfied by *net.TCPListener and *net.UnixListener; it
// lets Listener implement a readiness-poll-with-timeout accept loop on
// top of the stdlib's deadline-based cancellation instead of requiring a
// raw file descriptor.
type deadliner interface {
	SetDeadline(time.Time) error
}

// Listener owns a raw net.Listener and exposes a poll-timeout accept so
// the caller's accept loop can recheck a shutdown flag between attempts
// instead of blocking forever in Accept.
type Listener struct {
	ln net.Listener
	dl deadliner
}

// Listen binds network/addr and wraps the resulting listener. Returns
// an AdapterError tagged "bind" on failure.
func Listen(network, addr string) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, wrapErr("bind", err)
	}
	dl, ok := ln.(deadliner)
	if !ok {
		ln.Close()
		return nil, wrapErr("bind", fmt.Errorf("listener type %T does not support deadlines", ln))
	}
	return &Listener{ln: ln, dl: dl}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits up to pollTimeout for an incoming connection. It returns
// ErrAcceptTimeout (not an AdapterError) when nothing arrived in that
// window, so the caller can loop and recheck shutdown state; any other
// failure is returned as an AdapterError tagged "accept".
func (l *Listener) Accept(pollTimeout time.Duration) (net.Conn, error) {
	if err := l.dl.SetDeadline(time.Now().Add(pollTimeout)); err != nil {
		return nil, wrapErr("accept", err)
	}
	conn, err := l.ln.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrAcceptTimeout
		}
		return nil, wrapErr("accept", err)
	}
	return conn, nil
}

// Close releases the underlying listener.
func (l *Listener) Close() error {
	return wrapErr("close-listener", l.ln.Close())
}

// Channel wraps an ssh.Channel accepted from a server connection,
// providing the write/EOF/close operations the delivery phase needs.
type Channel struct {
	ch ssh.Channel
}

// NewChannel wraps an already-accepted ssh.Channel.
func NewChannel(ch ssh.Channel) *Channel {
	return &Channel{ch: ch}
}

// Write writes data to the channel's stdout stream.
func (c *Channel) Write(data []byte) error {
	if _, err := c.ch.Write(data); err != nil {
		return wrapErr("channel-write", err)
	}
	return nil
}

// SendEOF signals end-of-stream to the client.
func (c *Channel) SendEOF() error {
	return wrapErr("channel-eof", c.ch.CloseWrite())
}

// Close releases the channel.
func (c *Channel) Close() error {
	return wrapErr("channel-close", c.ch.Close())
}

// Read reads directly from the channel's stdin stream, satisfying
// io.Reader so callers can wrap it in their own deadline logic (the
// underlying ssh.Channel has no SetReadDeadline of its own).
func (c *Channel) Read(p []byte) (int, error) {
	return c.ch.Read(p)
}
