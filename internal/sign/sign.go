// Package sign aligns and signs rebuilt packages with the Android SDK
// build tools.
package sign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	ErrToolFailed = errors.New("sign: tool failed")
	ErrVerify     = errors.New("sign: signature verification failed")
)

// Signer produces a signed copy of an unsigned package.
type Signer interface {
	Sign(ctx context.Context, unsigned, out string) error
}

// Debug keystore parameters, matching the SDK's debug key.
const (
	DebugAlias = "androiddebugkey"
	DebugPass  = "android"
	DebugDName = "CN=Android Debug,O=Android,C=US"
)

// Apksigner signs with apksigner, optionally running zipalign first and
// generating a debug keystore with keytool when none is configured.
type Apksigner struct {
	Apksigner string // default "apksigner"
	Zipalign  string // empty skips alignment
	Keytool   string // default "keytool"

	Keystore  string // empty selects <KeystoreDir>/debug.keystore
	KeyAlias  string
	StorePass string
	KeyPass   string
	// KeystoreDir holds the generated debug keystore.
	KeystoreDir string

	Verify bool
	Logger *slog.Logger
}

func (s *Apksigner) Sign(ctx context.Context, unsigned, out string) error {
	log := s.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	in := unsigned
	if s.Zipalign != "" {
		aligned := out + ".aligned"
		defer os.Remove(aligned)
		if err := s.run(ctx, s.Zipalign, "-p", "-f", "4", unsigned, aligned); err != nil {
			return err
		}
		in = aligned
		log.Debug("aligned", "path", aligned)
	}

	ks, alias, storePass, keyPass, err := s.keystore(ctx, log)
	if err != nil {
		return err
	}
	err = s.run(ctx, def(s.Apksigner, "apksigner"), "sign",
		"--ks", ks,
		"--ks-pass", "pass:"+storePass,
		"--key-pass", "pass:"+keyPass,
		"--ks-key-alias", alias,
		"--out", out,
		in)
	if err != nil {
		os.Remove(out)
		return err
	}
	os.Remove(out + ".idsig")

	if s.Verify {
		if err := s.run(ctx, def(s.Apksigner, "apksigner"), "verify", out); err != nil {
			os.Remove(out)
			return fmt.Errorf("%w: %w", ErrVerify, err)
		}
	}
	log.Info("signed", "out", out, "keystore", ks)
	return nil
}

// keystore returns the configured keystore or creates the debug one.
func (s *Apksigner) keystore(ctx context.Context, log *slog.Logger) (path, alias, storePass, keyPass string, err error) {
	if s.Keystore != "" {
		if _, err := os.Stat(s.Keystore); err != nil {
			return "", "", "", "", fmt.Errorf("sign: keystore: %w", err)
		}
		storePass = def(s.StorePass, DebugPass)
		return s.Keystore, def(s.KeyAlias, DebugAlias), storePass, def(s.KeyPass, storePass), nil
	}

	dir := s.KeystoreDir
	if dir == "" {
		dir = "."
	}
	path = filepath.Join(dir, "debug.keystore")
	if _, err := os.Stat(path); err == nil {
		return path, DebugAlias, DebugPass, DebugPass, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", "", "", fmt.Errorf("sign: keystore dir: %w", err)
	}
	log.Info("creating debug keystore", "path", path)
	err = s.run(ctx, def(s.Keytool, "keytool"), "-genkeypair", "-noprompt",
		"-keystore", path,
		"-alias", DebugAlias,
		"-keyalg", "RSA",
		"-keysize", "2048",
		"-validity", "10000",
		"-storepass", DebugPass,
		"-keypass", DebugPass,
		"-dname", DebugDName)
	if err != nil {
		return "", "", "", "", err
	}
	return path, DebugAlias, DebugPass, DebugPass, nil
}

func (s *Apksigner) run(ctx context.Context, name string, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > 512 {
			msg = "..." + msg[len(msg)-512:]
		}
		return fmt.Errorf("%w: %s %s: %v: %s", ErrToolFailed, filepath.Base(name), args[0], err, redact(msg))
	}
	return nil
}

// redact hides pass: arguments echoed back by the tools.
func redact(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if strings.HasPrefix(f, "pass:") {
			fields[i] = "pass:***"
		}
	}
	return strings.Join(fields, " ")
}

func def(s, d string) string {
	if s == "" {
		return d
	}
	return s
}
