// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package config loads the norless configuration file and builds the
// immutable account/maildir/sync-rule graph the rest of the program
// runs against.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// MaildirRef describes a single local Maildir and whether locally added
// messages in it should be uploaded to the server.
type MaildirRef struct {
	Name    string
	Path    string
	SyncNew bool `yaml:"sync_new"`
}

// AccountConfig describes one IMAP account.
type AccountConfig struct {
	Name string `yaml:"-"`

	Host     string
	Port     int
	User     string
	Password string

	TLS         bool `yaml:"tls"`
	Fingerprint string
	CAFile      string `yaml:"cafile"`

	From string

	// ReplicaID identifies this running instance in syncpoint headers. It
	// is mandatory: without it a replica cannot distinguish its own
	// syncpoints from another replica's, and the protocol is unsound.
	ReplicaID string `yaml:"replica_id"`

	OAuth2 *OAuth2Config `yaml:"xoauth2"`
}

// OAuth2Config configures XOAUTH2 token acquisition for an account.
type OAuth2Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	TokenURL     string `yaml:"token_url"`
}

// SyncRule binds a remote folder on an account to a local Maildir.
type SyncRule struct {
	Account     string
	Folder      string
	Maildir     string
	TrashFolder string `yaml:"trash"`
}

func (r SyncRule) String() string {
	return fmt.Sprintf("<Sync:%s %s>", r.Account, r.Folder)
}

// rawConfig is the on-disk YAML shape.
type rawConfig struct {
	StateDir  string `yaml:"state_dir"`
	FetchLast int    `yaml:"fetch_last"`
	Timeout   int    `yaml:"timeout"`

	Accounts map[string]AccountConfig `yaml:"accounts"`
	Maildirs map[string]MaildirRef    `yaml:"maildirs"`
	Sync     []SyncRule                `yaml:"sync"`
}

// Config is the fully parsed, immutable configuration.
type Config struct {
	StateDir  string
	FetchLast int
	Timeout   int

	Accounts map[string]AccountConfig
	Maildirs map[string]MaildirRef
	Sync     []SyncRule
}

const defaultFetchLast = 500

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := &Config{
		StateDir:  expandHome(raw.StateDir),
		FetchLast: raw.FetchLast,
		Timeout:   raw.Timeout,
		Accounts:  make(map[string]AccountConfig, len(raw.Accounts)),
		Maildirs:  make(map[string]MaildirRef, len(raw.Maildirs)),
	}
	if cfg.FetchLast == 0 {
		cfg.FetchLast = defaultFetchLast
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("config %s: state_dir is required", path)
	}

	for name, m := range raw.Maildirs {
		m.Name = name
		m.Path = expandHome(m.Path)
		cfg.Maildirs[name] = m
	}

	for name, acc := range raw.Accounts {
		acc.Name = name
		if acc.CAFile != "" {
			acc.CAFile = expandHome(acc.CAFile)
		}
		if acc.ReplicaID == "" {
			return nil, fmt.Errorf("config %s: account %q is missing replica_id", path, name)
		}
		cfg.Accounts[name] = acc
	}

	for _, rule := range raw.Sync {
		if _, ok := cfg.Accounts[rule.Account]; !ok {
			return nil, fmt.Errorf("config %s: sync rule references unknown account %q", path, rule.Account)
		}
		if _, ok := cfg.Maildirs[rule.Maildir]; !ok {
			return nil, fmt.Errorf("config %s: sync rule references unknown maildir %q", path, rule.Maildir)
		}
		if rule.TrashFolder == "" {
			rule.TrashFolder = "Trash"
		}
		cfg.Sync = append(cfg.Sync, rule)
	}

	return cfg, nil
}

// RestrictTo drops every account and sync rule that doesn't match name,
// mirroring norless's `-a`/`--account` flag.
func (c *Config) RestrictTo(name string) {
	for k := range c.Accounts {
		if k != name {
			delete(c.Accounts, k)
		}
	}

	var filtered []SyncRule
	for _, r := range c.Sync {
		if r.Account == name {
			filtered = append(filtered, r)
		}
	}
	c.Sync = filtered
}

// SyncRulesByAccount groups the configured sync rules by account name,
// preserving configuration order within each account.
func (c *Config) SyncRulesByAccount() map[string][]SyncRule {
	byAccount := make(map[string][]SyncRule)
	for _, r := range c.Sync {
		byAccount[r.Account] = append(byAccount[r.Account], r)
	}
	return byAccount
}

// StateFileName returns the on-disk state-store file name for a given
// (account, folder) pair.
func StateFileName(account, folder string) string {
	safeFolder := strings.ReplaceAll(folder, "/", ":")
	return fmt.Sprintf("%s-%s.db", account, safeFolder)
}

func expandHome(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}
