// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package imapfolder wraps github.com/emersion/go-imap/client into the
// stateful per-account session and per-folder view the sync engine drives.
package imapfolder

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-imap/client"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-sasl"

	"github.com/baverman/norless/config"
)

// CertificateError reports a failed server-certificate check. It is always
// fatal for the account being connected.
type CertificateError struct {
	Host string
	Want string
	Got  string
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("imapfolder: certificate mismatch for %s: want %s, got %s", e.Host, e.Want, e.Got)
}

// AuthMode selects how a Session authenticates after connecting.
type AuthMode int

const (
	// AuthLogin issues a plain IMAP LOGIN with username/password.
	AuthLogin AuthMode = iota
	// AuthXOAUTH2 authenticates via SASL XOAUTH2 using a TokenSource.
	AuthXOAUTH2
	// AuthNone skips authentication entirely, for transports that
	// authenticate below the IMAP layer.
	AuthNone
)

// SessionConfig configures how to dial and authenticate a Session.
type SessionConfig struct {
	Host string
	Port int
	TLS  bool

	Fingerprint string
	CAFile      string

	AuthMode AuthMode
	Username string
	Password string
	Tokens   config.TokenSource
}

// Session owns one connection to an IMAP server and tracks the currently
// selected folder so repeated operations on the same folder don't re-issue
// SELECT.
type Session struct {
	client  *client.Client
	uidplus *uidplus.UidPlusClient

	selected string
}

// Dial connects and authenticates a new Session according to cfg.
func Dial(cfg SessionConfig) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var c *client.Client
	var err error
	if cfg.TLS {
		tlsConfig := &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.Fingerprint != "" || cfg.CAFile != "",
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return verifyPeerCertificate(cfg, rawCerts)
			},
		}
		c, err = client.DialTLS(addr, tlsConfig)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imapfolder: dial %s: %w", addr, err)
	}

	s := &Session{client: c, uidplus: uidplus.NewClient(c)}

	if err := s.authenticate(cfg); err != nil {
		c.Logout()
		return nil, err
	}

	return s, nil
}

func verifyPeerCertificate(cfg SessionConfig, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("imapfolder: no certificate presented by %s", cfg.Host)
	}
	leaf := rawCerts[0]

	if cfg.Fingerprint != "" {
		sum := sha1.Sum(leaf)
		got := formatFingerprint(sum[:])
		if !strings.EqualFold(got, cfg.Fingerprint) {
			return &CertificateError{Host: cfg.Host, Want: cfg.Fingerprint, Got: got}
		}
		return nil
	}

	if cfg.CAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return fmt.Errorf("imapfolder: read cafile %s: %w", cfg.CAFile, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("imapfolder: no usable certificates in %s", cfg.CAFile)
		}

		cert, err := x509.ParseCertificate(leaf)
		if err != nil {
			return fmt.Errorf("imapfolder: parse server certificate: %w", err)
		}
		if _, err := cert.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
			return fmt.Errorf("imapfolder: verify certificate against %s: %w", cfg.CAFile, err)
		}
		return nil
	}

	// Neither fingerprint nor CA file configured: InsecureSkipVerify is
	// not set in that case, so the platform root store has already
	// validated the chain before this callback runs; accept it.
	return nil
}

func formatFingerprint(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

func (s *Session) authenticate(cfg SessionConfig) error {
	switch cfg.AuthMode {
	case AuthNone:
		return nil
	case AuthXOAUTH2:
		tok, err := cfg.Tokens.Token(context.Background())
		if err != nil {
			return fmt.Errorf("imapfolder: fetch oauth2 token: %w", err)
		}
		auth := sasl.NewXoauth2Client(cfg.Username, tok)
		if err := s.client.Authenticate(auth); err != nil {
			return fmt.Errorf("imapfolder: xoauth2 authenticate: %w", err)
		}
		return nil
	default:
		if err := s.client.Login(cfg.Username, cfg.Password); err != nil {
			return fmt.Errorf("imapfolder: login: %w", err)
		}
		return nil
	}
}

// Logout closes the underlying IMAP connection.
func (s *Session) Logout() error {
	return s.client.Logout()
}

// Folder returns a view bound to name. The view shares this Session's
// connection and selection cache.
func (s *Session) Folder(name string) *Folder {
	return &Folder{session: s, name: name}
}

// ensureSelected issues SELECT only if name isn't already the selected
// folder on this session.
func (s *Session) ensureSelected(name string) error {
	if s.selected == name {
		return nil
	}
	if _, err := s.client.Select(name, false); err != nil {
		return fmt.Errorf("imapfolder: select %s: %w", name, err)
	}
	s.selected = name
	return nil
}

func (s *Session) supportsUIDPlus() bool {
	ok, err := s.uidplus.SupportUidPlus()
	return err == nil && ok
}
