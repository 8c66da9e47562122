package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/izenynn/ssh-drop/internal/authn"
	"github.com/izenynn/ssh-drop/internal/secretprov"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh-drop.conf")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "secret = hello\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7022 {
		t.Errorf("Port = %d, want 7022", cfg.Port)
	}
	if cfg.HostKeyPath != "key/id_ed25519" {
		t.Errorf("HostKeyPath = %q, want key/id_ed25519", cfg.HostKeyPath)
	}
	if cfg.AuthorizedKeysPath != "key/authorized_keys" {
		t.Errorf("AuthorizedKeysPath = %q, want key/authorized_keys", cfg.AuthorizedKeysPath)
	}
	if cfg.AuthMethod != authn.Pubkey {
		t.Errorf("AuthMethod = %v, want Pubkey", cfg.AuthMethod)
	}
	if cfg.AuthTimeout != 30*time.Second {
		t.Errorf("AuthTimeout = %v, want 30s", cfg.AuthTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Secret.Literal != "hello" {
		t.Errorf("Secret.Literal = %q, want hello", cfg.Secret.Literal)
	}
}

func TestParseFileSkipsCommentsAndBlankLines(t *testing.T) {
	path := writeConfig(t, `
# this is a comment
secret = hello

   # indented comment
port = 2222
`)
	raw, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if raw["secret"] != "hello" {
		t.Errorf("secret = %q, want hello", raw["secret"])
	}
	if raw["port"] != "2222" {
		t.Errorf("port = %q, want 2222", raw["port"])
	}
	if len(raw) != 2 {
		t.Errorf("len(raw) = %d, want 2", len(raw))
	}
}

func TestParseFileTrimsKeyAndValue(t *testing.T) {
	path := writeConfig(t, "  port   =    2222   \n")
	raw, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if raw["port"] != "2222" {
		t.Errorf("port = %q, want 2222", raw["port"])
	}
}

func TestParseFileDuplicateKeyLastWins(t *testing.T) {
	path := writeConfig(t, "port = 1111\nport = 2222\n")
	raw, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if raw["port"] != "2222" {
		t.Errorf("port = %q, want 2222 (last wins)", raw["port"])
	}
}

func TestParseFileLineWithoutEqualsIsError(t *testing.T) {
	path := writeConfig(t, "this line has no equals sign\n")
	if _, err := parseFile(path); err == nil {
		t.Fatal("expected error for line without '='")
	}
}

func TestParseFileEmptyKeyIsError(t *testing.T) {
	path := writeConfig(t, " = value\n")
	if _, err := parseFile(path); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestParseFileMissingFile(t *testing.T) {
	if _, err := parseFile(filepath.Join(t.TempDir(), "does-not-exist.conf")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidatePortBoundaries(t *testing.T) {
	cases := []struct {
		port    int
		wantErr bool
	}{
		{0, true},
		{1, false},
		{65535, false},
		{65536, true},
		{-1, true},
	}
	for _, tc := range cases {
		cfg := defaults()
		cfg.Port = tc.port
		cfg.Secret = secretprov.Source{Literal: "s"}
		err := cfg.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("port %d: expected error, got nil", tc.port)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("port %d: unexpected error: %v", tc.port, err)
		}
	}
}

func TestValidateAuthTimeoutBoundary(t *testing.T) {
	cfg := defaults()
	cfg.Secret = secretprov.Source{Literal: "s"}

	cfg.AuthTimeout = 999 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for auth_timeout < 1s")
	}

	cfg.AuthTimeout = time.Second
	if err := cfg.Validate(); err != nil {
		t.Errorf("auth_timeout = 1s: unexpected error: %v", err)
	}
}

func TestValidateSecretExactlyOne(t *testing.T) {
	cfg := defaults()

	if err := cfg.Validate(); err == nil {
		t.Error("expected error: no secret source configured")
	}

	cfg.Secret = secretprov.Source{Literal: "s"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("one source: unexpected error: %v", err)
	}

	cfg.Secret.File = "secret.txt"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error: two secret sources configured")
	}
}

func TestValidateAuthorizedKeysRequiredForPubkey(t *testing.T) {
	cfg := defaults()
	cfg.Secret = secretprov.Source{Literal: "s"}
	cfg.AuthorizedKeysPath = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: authorized_keys required for publickey auth")
	}
}

func TestValidateAuthPasswordRequiredWhenPasswordMethod(t *testing.T) {
	cfg := defaults()
	cfg.Secret = secretprov.Source{Literal: "s"}
	cfg.AuthMethod = authn.Password

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: auth_password required for password auth")
	}

	cfg.AuthPassword = secretprov.Source{Literal: "pw"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateAuthUserAtMostOne(t *testing.T) {
	cfg := defaults()
	cfg.Secret = secretprov.Source{Literal: "s"}

	if err := cfg.Validate(); err != nil {
		t.Errorf("zero auth_user sources: unexpected error: %v", err)
	}

	cfg.AuthUser.Literal = "bob"
	cfg.AuthUser.File = "user.txt"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: two auth_user sources configured")
	}
}

func TestParseAuthMethod(t *testing.T) {
	cases := map[string]authn.Method{
		"publickey": authn.Pubkey,
		"password":  authn.Password,
		"both":      authn.Pubkey | authn.Password,
	}
	for v, want := range cases {
		got, err := parseAuthMethod(v)
		if err != nil {
			t.Errorf("parseAuthMethod(%q): %v", v, err)
		}
		if got != want {
			t.Errorf("parseAuthMethod(%q) = %v, want %v", v, got, want)
		}
	}
	if _, err := parseAuthMethod("bogus"); err == nil {
		t.Error("expected error for unrecognized auth_method")
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
port = 2022
host_key = /etc/ssh-drop/host_key
authorized_keys = /etc/ssh-drop/authorized_keys
auth_method = both
auth_timeout = 10
secret_file = /etc/ssh-drop/secret.enc
secret_encrypted = true
auth_password_env = SSH_DROP_PASSWORD
auth_user = deploy
log_level = debug
log_file = /var/log/ssh-drop.log
metrics_addr = 127.0.0.1:9090
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 2022 {
		t.Errorf("Port = %d, want 2022", cfg.Port)
	}
	if cfg.AuthMethod != authn.Pubkey|authn.Password {
		t.Errorf("AuthMethod = %v, want Pubkey|Password", cfg.AuthMethod)
	}
	if cfg.AuthTimeout != 10*time.Second {
		t.Errorf("AuthTimeout = %v, want 10s", cfg.AuthTimeout)
	}
	if !cfg.SecretEncrypted {
		t.Error("SecretEncrypted = false, want true")
	}
	if cfg.Secret.File != "/etc/ssh-drop/secret.enc" {
		t.Errorf("Secret.File = %q", cfg.Secret.File)
	}
	if cfg.AuthPassword.Env != "SSH_DROP_PASSWORD" {
		t.Errorf("AuthPassword.Env = %q", cfg.AuthPassword.Env)
	}
	if cfg.AuthUser.Literal != "deploy" {
		t.Errorf("AuthUser.Literal = %q", cfg.AuthUser.Literal)
	}
	if cfg.MetricsAddr != "127.0.0.1:9090" {
		t.Errorf("MetricsAddr = %q, want 127.0.0.1:9090", cfg.MetricsAddr)
	}
}

func TestLoadInvalidConfigWrapsPath(t *testing.T) {
	path := writeConfig(t, "port = not-a-number\nsecret = s\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error %q does not mention path %q", err.Error(), path)
	}
}

func TestResolveStaticLiteral(t *testing.T) {
	got, err := ResolveStatic(secretprov.Source{Literal: "hunter2"})
	if err != nil {
		t.Fatalf("ResolveStatic: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("got %q, want hunter2", got)
	}
}

func TestResolveStaticFileTrimsTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pw.txt")
	if err := os.WriteFile(path, []byte("hunter2\r\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ResolveStatic(secretprov.Source{File: path})
	if err != nil {
		t.Fatalf("ResolveStatic: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("got %q, want hunter2", got)
	}
}

func TestResolveStaticEnv(t *testing.T) {
	t.Setenv("SSH_DROP_TEST_VAR", "from-env")

	got, err := ResolveStatic(secretprov.Source{Env: "SSH_DROP_TEST_VAR"})
	if err != nil {
		t.Fatalf("ResolveStatic: %v", err)
	}
	if string(got) != "from-env" {
		t.Errorf("got %q, want from-env", got)
	}
}

func TestResolveStaticEnvMissing(t *testing.T) {
	if _, err := ResolveStatic(secretprov.Source{Env: "SSH_DROP_DOES_NOT_EXIST"}); err == nil {
		t.Fatal("expected error for unset environment variable")
	}
}

func TestResolveStaticEmptyReturnsNil(t *testing.T) {
	got, err := ResolveStatic(secretprov.Source{})
	if err != nil {
		t.Fatalf("ResolveStatic: %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
