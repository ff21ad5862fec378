// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package engine implements norless's four top-level commands (pull,
// remote-push, upload-new, check) on top of the config, maildir, state,
// imapfolder and syncpoint packages.
package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/baverman/norless/config"
	"github.com/baverman/norless/imapfolder"
	"github.com/baverman/norless/lockfile"
	"github.com/baverman/norless/maildir"
	"github.com/baverman/norless/state"
)

// Engine owns the long-lived caches (maildir handles, state store handles)
// and runs commands against a loaded configuration.
type Engine struct {
	cfg *config.Config

	maildirMu sync.Mutex
	maildirs  map[string]*maildir.Maildir

	states *state.Factory

	lockPath string

	// Quiet suppresses the per-folder summary lines that RemotePush and
	// Check print by default.
	Quiet bool
}

// New builds an Engine from a loaded configuration.
func New(cfg *config.Config) *Engine {
	return &Engine{
		cfg:      cfg,
		maildirs: make(map[string]*maildir.Maildir),
		states:   state.NewFactory(cfg.StateDir),
		lockPath: filepath.Join(filepath.Dir(filepath.Clean(cfg.StateDir)), ".norless-lock"),
	}
}

// Close releases every state-store handle the engine has opened.
func (e *Engine) Close() error {
	return e.states.Close()
}

func (e *Engine) maildirFor(ref config.MaildirRef) (*maildir.Maildir, error) {
	e.maildirMu.Lock()
	defer e.maildirMu.Unlock()

	if m, ok := e.maildirs[ref.Path]; ok {
		return m, nil
	}

	m, err := maildir.New(ref.Path, true)
	if err != nil {
		return nil, fmt.Errorf("engine: open maildir %s: %w", ref.Path, err)
	}
	e.maildirs[ref.Path] = m
	return m, nil
}

func (e *Engine) stateFor(account config.AccountConfig, folder string) (*state.Store, error) {
	fileName := config.StateFileName(account.Name, folder)
	return e.states.Open(fileName, account.Name, folder)
}

func (e *Engine) dial(acc config.AccountConfig) (*imapfolder.Session, error) {
	port := acc.Port
	if port == 0 {
		port = 143
		if acc.TLS {
			port = 993
		}
	}

	sessCfg := imapfolder.SessionConfig{
		Host:        acc.Host,
		Port:        port,
		TLS:         acc.TLS,
		Fingerprint: acc.Fingerprint,
		CAFile:      acc.CAFile,
		Username:    acc.User,
		Password:    acc.Password,
	}

	if acc.OAuth2 != nil {
		sessCfg.AuthMode = imapfolder.AuthXOAUTH2
		sessCfg.Tokens = config.NewOAuth2TokenSource(acc.OAuth2)
	}

	session, err := imapfolder.Dial(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: connect to %s: %w", acc.Name, err)
	}
	return session, nil
}

// byAccount groups sync rules by the account name they belong to, in
// configuration order.
func (e *Engine) byAccount() map[string][]config.SyncRule {
	return e.cfg.SyncRulesByAccount()
}

// runPerAccount runs fn once for every account with sync rules, either
// sequentially or one goroutine per account, and logs (without aborting
// siblings) any error fn returns.
func (e *Engine) runPerAccount(sequential bool, fn func(acc config.AccountConfig, rules []config.SyncRule) error) {
	grouped := e.byAccount()

	run := func(name string, rules []config.SyncRule) {
		acc, ok := e.cfg.Accounts[name]
		if !ok {
			log.Printf("engine: sync rule references unknown account %q", name)
			return
		}
		if err := fn(acc, rules); err != nil {
			log.Printf("%v", eris.Wrapf(err, "error processing account %s", name))
		}
	}

	if sequential {
		for name, rules := range grouped {
			run(name, rules)
		}
		return
	}

	var wg sync.WaitGroup
	for name, rules := range grouped {
		name, rules := name, rules
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(name, rules)
		}()
	}
	wg.Wait()
}

// ExitLockContention is the process exit status used when another norless
// invocation already holds the app-wide lock.
const ExitLockContention = 2

func (e *Engine) acquireLock(block bool) (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(e.lockPath, block)
	if err == lockfile.ErrLocked {
		fmt.Fprintln(os.Stderr, "Another instance already running")
		os.Exit(ExitLockContention)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: acquire lock: %w", err)
	}
	return lock, nil
}
