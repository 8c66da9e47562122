// Package config parses the server's configuration file: a
// line-oriented "key = value" grammar, not YAML — the format is
// specified bit-for-bit in terms of line contents, and mapping it onto
// a document format would just be translation overhead for a grammar
// this small.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/izenynn/ssh-drop/internal/authn"
	"github.com/izenynn/ssh-drop/internal/secretprov"
)

// Config is the immutable-after-load server configuration.
type Config struct {
	Port               int
	HostKeyPath        string
	AuthorizedKeysPath string

	AuthMethod  authn.Method
	AuthTimeout time.Duration

	Secret          secretprov.Source
	SecretEncrypted bool

	AuthPassword secretprov.Source
	AuthUser     secretprov.Source

	LogLevel string
	LogFile  string

	MetricsAddr string
}

// defaults mirror the original server's built-in defaults for the keys
// that have one; everything else is the zero value until Validate
// rejects it.
func defaults() Config {
	return Config{
		Port:               7022,
		HostKeyPath:        "key/id_ed25519",
		AuthorizedKeysPath: "key/authorized_keys",
		AuthMethod:         authn.Pubkey,
		AuthTimeout:        30 * time.Second,
		LogLevel:           "info",
	}
}

// Load reads and parses the config file at path, applying defaults for
// any key left unset, then validates the result.
func Load(path string) (*Config, error) {
	raw, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := cfg.applyRaw(raw); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// parseFile implements the grammar: blank lines and lines whose first
// non-whitespace character is '#' are ignored; every other line must
// contain '=' and yields a trimmed key/value pair; a later duplicate
// key overwrites an earlier one.
func parseFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		eq := strings.IndexByte(trimmed, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: %s:%d: expected 'key = value'", path, lineNum)
		}

		key := strings.TrimSpace(trimmed[:eq])
		value := strings.TrimSpace(trimmed[eq+1:])
		if key == "" {
			return nil, fmt.Errorf("config: %s:%d: empty key", path, lineNum)
		}
		result[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return result, nil
}

// applyRaw maps the parsed key/value pairs onto typed fields. Unknown
// keys are ignored rather than rejected, matching the original
// from_map's get-if-present style.
func (c *Config) applyRaw(m map[string]string) error {
	if v, ok := m["port"]; ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("port: %q is not a number", v)
		}
		c.Port = port
	}
	if v, ok := m["host_key"]; ok {
		c.HostKeyPath = v
	}
	if v, ok := m["authorized_keys"]; ok {
		c.AuthorizedKeysPath = v
	}
	if v, ok := m["auth_method"]; ok {
		method, err := parseAuthMethod(v)
		if err != nil {
			return err
		}
		c.AuthMethod = method
	}
	if v, ok := m["auth_timeout"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("auth_timeout: %q is not a number", v)
		}
		c.AuthTimeout = time.Duration(secs) * time.Second
	}
	if v, ok := m["log_level"]; ok {
		c.LogLevel = v
	}
	if v, ok := m["log_file"]; ok {
		c.LogFile = v
	}
	if v, ok := m["metrics_addr"]; ok {
		c.MetricsAddr = v
	}

	c.Secret = secretprov.Source{
		Literal: m["secret"],
		File:    m["secret_file"],
		Env:     m["secret_env"],
	}
	if v, ok := m["secret_encrypted"]; ok {
		enc, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("secret_encrypted: %q is not true/false", v)
		}
		c.SecretEncrypted = enc
	}

	c.AuthPassword = secretprov.Source{
		Literal: m["auth_password"],
		File:    m["auth_password_file"],
		Env:     m["auth_password_env"],
	}
	c.AuthUser = secretprov.Source{
		Literal: m["auth_user"],
		File:    m["auth_user_file"],
		Env:     m["auth_user_env"],
	}

	return nil
}

func parseAuthMethod(v string) (authn.Method, error) {
	switch v {
	case "publickey":
		return authn.Pubkey, nil
	case "password":
		return authn.Password, nil
	case "both":
		return authn.Pubkey | authn.Password, nil
	default:
		return 0, fmt.Errorf("auth_method: %q must be publickey, password, or both", v)
	}
}

// Validate checks the combination of fields the grammar alone can't:
// mutually-exclusive secret sources, the port range, and which sources
// are required by the chosen auth_method.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port: %d out of range 1..65535", c.Port))
	}
	if c.AuthTimeout < time.Second {
		errs = append(errs, "auth_timeout: must be >= 1")
	}
	if c.AuthMethod&(authn.Pubkey|authn.Password) == 0 {
		errs = append(errs, "auth_method: must be publickey, password, or both")
	}

	if err := requireExactlyOne("secret/secret_file/secret_env", c.Secret); err != nil {
		errs = append(errs, err.Error())
	}
	if c.AuthMethod&authn.Pubkey != 0 && c.AuthorizedKeysPath == "" {
		errs = append(errs, "authorized_keys: required when auth_method allows publickey")
	}
	if c.AuthMethod&authn.Password != 0 {
		if err := requireExactlyOne("auth_password/auth_password_file/auth_password_env", c.AuthPassword); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := requireAtMostOne("auth_user/auth_user_file/auth_user_env", c.AuthUser); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func sourceCount(s secretprov.Source) int {
	count := 0
	if s.Literal != "" {
		count++
	}
	if s.File != "" {
		count++
	}
	if s.Env != "" {
		count++
	}
	return count
}

func requireExactlyOne(label string, s secretprov.Source) error {
	if n := sourceCount(s); n != 1 {
		return fmt.Errorf("%s: specify exactly one (got %d)", label, n)
	}
	return nil
}

func requireAtMostOne(label string, s secretprov.Source) error {
	if n := sourceCount(s); n > 1 {
		return fmt.Errorf("%s: specify at most one (got %d)", label, n)
	}
	return nil
}

// ResolveStatic reads a one-shot Source (auth_password or auth_user)
// once at startup, trimming all trailing CR/LF characters from file
// contents so an editor-added newline doesn't become part of the
// credential. Returns nil with no error when src has no field set.
func ResolveStatic(src secretprov.Source) ([]byte, error) {
	switch {
	case src.Literal != "":
		return []byte(src.Literal), nil
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", src.File, err)
		}
		return []byte(strings.TrimRight(string(data), "\r\n")), nil
	case src.Env != "":
		v, ok := os.LookupEnv(src.Env)
		if !ok {
			return nil, fmt.Errorf("config: environment variable %q not set", src.Env)
		}
		return []byte(v), nil
	default:
		return nil, nil
	}
}
