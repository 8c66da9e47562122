// Command ssh-drop runs the secret-delivery SSH server, or, via its
// encrypt/decrypt subcommands, prepares and inspects an at-rest
// encrypted secret file.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/izenynn/ssh-drop/internal/authn"
	"github.com/izenynn/ssh-drop/internal/config"
	"github.com/izenynn/ssh-drop/internal/connhandler"
	"github.com/izenynn/ssh-drop/internal/envelope"
	"github.com/izenynn/ssh-drop/internal/logging"
	"github.com/izenynn/ssh-drop/internal/metrics"
	"github.com/izenynn/ssh-drop/internal/secretprov"
	"github.com/izenynn/ssh-drop/internal/server"
	"github.com/izenynn/ssh-drop/internal/shutdown"
)

func main() {
	root := &cobra.Command{
		Use:     "ssh-drop [config-file]",
		Short:   "Deliver a single secret to one authenticated SSH client per connection",
		Args:    cobra.MaximumNArgs(1),
		RunE:    runServe,
		Version: "dev",
	}

	root.AddCommand(encryptCmd())
	root.AddCommand(decryptCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "config/ssh-drop.conf"
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	hostKey, err := loadHostKey(cfg.HostKeyPath)
	if err != nil {
		return err
	}
	if info, err := os.Stat(cfg.AuthorizedKeysPath); err == nil {
		logger.Debug("authorized_keys loaded", "path", cfg.AuthorizedKeysPath, "size", humanize.Bytes(uint64(info.Size())))
	}

	secrets, err := secretprov.New(cfg.Secret, cfg.SecretEncrypted)
	if err != nil {
		return err
	}
	if secrets == nil {
		return fmt.Errorf("ssh-drop: no secret source configured")
	}

	authenticator := &authn.Authenticator{
		Methods:        cfg.AuthMethod,
		AuthorizedKeys: cfg.AuthorizedKeysPath,
	}
	if cfg.AuthMethod&authn.Password != 0 {
		pw, err := config.ResolveStatic(cfg.AuthPassword)
		if err != nil {
			return err
		}
		authenticator.ExpectPassword = pw
	}
	if user, err := config.ResolveStatic(cfg.AuthUser); err != nil {
		return err
	} else {
		authenticator.ExpectUser = user
	}

	handler := &connhandler.Handler{
		Authn:       authenticator,
		Secrets:     secrets,
		HostKey:     hostKey,
		AuthTimeout: cfg.AuthTimeout,
		Logger:      logger,
		Metrics:     metrics.Default(),
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := server.New(addr, handler, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("ssh-drop: %w", err)
	}
	logger.Info("listening", "addr", srv.BoundAddr())

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)

	ctx, stop := shutdown.Context()
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}
	return srv.Stop()
}

// shutdownGrace bounds how long the metrics HTTP server gets to drain
// in-flight scrapes before the process exits.
const shutdownGrace = 5 * time.Second

// startMetricsServer launches the Prometheus exposition endpoint when
// metrics_addr is set, returning nil when it's left empty (the default).
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssh-drop: read host key %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("ssh-drop: parse host key %q: %w", path, err)
	}
	return signer, nil
}

func encryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt <output-path>",
		Short: "Encrypt a secret read from stdin into an at-rest envelope file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Enter passphrase: ")
			pass1, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("ssh-drop: read passphrase: %w", err)
			}
			defer envelope.Zero(pass1)

			fmt.Fprint(os.Stderr, "Confirm passphrase: ")
			pass2, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("ssh-drop: read passphrase confirmation: %w", err)
			}
			defer envelope.Zero(pass2)

			if string(pass1) != string(pass2) {
				return fmt.Errorf("ssh-drop: passphrases do not match")
			}

			secret, err := readSecretLine(os.Stdin)
			if err != nil {
				return err
			}
			defer envelope.Zero(secret)

			blob, err := envelope.Encrypt(secret, pass1)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], []byte(blob), 0o600); err != nil {
				return fmt.Errorf("ssh-drop: write %q: %w", args[0], err)
			}
			return nil
		},
	}
	return cmd
}

func decryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt <input-path>",
		Short: "Decrypt an at-rest envelope file and print the secret to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Enter passphrase: ")
			pass, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("ssh-drop: read passphrase: %w", err)
			}
			defer envelope.Zero(pass)

			blob, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("ssh-drop: read %q: %w", args[0], err)
			}

			plaintext, err := envelope.Decrypt(string(blob), pass)
			if err != nil {
				return err
			}
			defer envelope.Zero(plaintext)

			_, err = os.Stdout.Write(plaintext)
			return err
		},
	}
	return cmd
}

func readSecretLine(r *os.File) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("ssh-drop: read secret: %w", err)
		}
		return nil, fmt.Errorf("ssh-drop: no secret provided on stdin")
	}
	return scanner.Bytes(), nil
}
