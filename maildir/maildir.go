// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package maildir implements a Maildir++ compatible on-disk message
// store with atomic delivery and flag-preserving renames.
package maildir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultDirMode = 0o700
	defaultMsgMode = 0o600
)

// entry is the in-memory table-of-contents record for one message.
type entry struct {
	path string // full path of the message file
	info string // flags suffix, without the leading ":2,"
}

// Maildir is a single Maildir++ directory tree (new/cur/tmp).
type Maildir struct {
	path     string
	msgMode  os.FileMode
	dirMode  os.FileMode

	mu      sync.Mutex
	toc     map[string]entry
	tocDone bool

	counter int
	host    string
	pid     int
}

// New creates (if create is true) and returns a handle on the Maildir
// rooted at path.
func New(path string, create bool) (*Maildir, error) {
	return NewWithModes(path, create, defaultMsgMode, defaultDirMode)
}

// NewWithModes is New with explicit file/directory permissions.
func NewWithModes(path string, create bool, msgMode, dirMode os.FileMode) (*Maildir, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.NewReplacer(".", "-", ":", "-").Replace(host)

	m := &Maildir{
		path:    path,
		msgMode: msgMode,
		dirMode: dirMode,
		host:    host,
		pid:     os.Getpid(),
	}

	if create {
		for _, d := range []string{m.path, m.pathNew(), m.pathCur(), m.pathTmp()} {
			if err := os.MkdirAll(d, dirMode); err != nil {
				return nil, fmt.Errorf("create maildir %s: %w", d, err)
			}
		}
	}

	return m, nil
}

func (m *Maildir) pathNew() string { return filepath.Join(m.path, "new") }
func (m *Maildir) pathCur() string { return filepath.Join(m.path, "cur") }
func (m *Maildir) pathTmp() string { return filepath.Join(m.path, "tmp") }

// Path returns the maildir's root directory.
func (m *Maildir) Path() string { return m.path }

// loadTOC builds the table of contents on first use (or after
// invalidate). Caller must hold m.mu.
func (m *Maildir) loadTOC() error {
	if m.tocDone {
		return nil
	}

	toc := make(map[string]entry)
	for _, dir := range []string{m.pathNew(), m.pathCur()} {
		names, err := readDirNames(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			msgkey, info := splitInfo(name)
			toc[msgkey] = entry{path: filepath.Join(dir, name), info: info}
		}
	}

	m.toc = toc
	m.tocDone = true
	return nil
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(0)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, n := range names {
		fi, err := os.Lstat(filepath.Join(dir, n))
		if err != nil {
			continue
		}
		if fi.Mode().IsRegular() {
			files = append(files, n)
		}
	}
	return files, nil
}

// splitInfo splits a maildir filename into its key and ":2,<flags>" info
// suffix (without the leading ":2,"), exactly as norless's
// maildir.py:parse_info does for the value half of this split.
func splitInfo(name string) (msgkey, info string) {
	msgkey, info, _ = strings.Cut(name, ":")
	return msgkey, strings.TrimPrefix(info, "2,")
}

// invalidate forces the TOC to be rebuilt on next access. Caller must
// hold m.mu.
func (m *Maildir) invalidate() {
	m.tocDone = false
	m.toc = nil
}

// makeTmpFile creates and returns an open file plus its msgkey in tmp/.
// Caller must hold m.mu.
func (m *Maildir) makeTmpFile() (*os.File, string, error) {
	m.counter++
	msgkey := fmt.Sprintf("%d.Q%dP%d.%s", time.Now().Unix(), m.counter, m.pid, m.host)
	path := filepath.Join(m.pathTmp(), msgkey)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, m.msgMode)
	if err != nil {
		return nil, "", err
	}
	return f, msgkey, nil
}

// destPath returns the final path and flags-info-suffix for a message
// with the given key and flags. Which directory holds the file depends
// only on the Seen flag (S routes to cur/, its absence to new/); the
// info suffix is appended whenever there are any flags at all, even in
// new/, exactly as norless's maildir.py _get_path does.
func (m *Maildir) destPath(msgkey, flags string) (path, info string) {
	dir := m.pathNew()
	if strings.Contains(flags, "S") {
		dir = m.pathCur()
	}

	if flags == "" {
		return filepath.Join(dir, msgkey), ""
	}

	info = flags
	return filepath.Join(dir, msgkey+":2,"+info), info
}

// Add writes message to the maildir with the given flags and returns
// its generated msgkey.
func (m *Maildir) Add(message []byte, flags string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return "", err
	}

	f, msgkey, err := m.makeTmpFile()
	if err != nil {
		return "", fmt.Errorf("maildir add: create tmp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(message); err != nil {
		f.Close()
		return "", fmt.Errorf("maildir add: write tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("maildir add: close tmp file: %w", err)
	}

	newPath, info := m.destPath(msgkey, flags)
	if err := os.Link(tmpPath, newPath); err != nil {
		return "", fmt.Errorf("maildir add: link %s: %w", newPath, err)
	}
	if err := os.Remove(tmpPath); err != nil {
		return "", fmt.Errorf("maildir add: unlink tmp file: %w", err)
	}

	m.toc[msgkey] = entry{path: newPath, info: info}
	return msgkey, nil
}

// Discard removes a message by key. It is idempotent: a missing key or
// missing file is not an error.
func (m *Maildir) Discard(msgkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return err
	}

	e, ok := m.toc[msgkey]
	if !ok {
		return nil
	}

	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("maildir discard %s: %w", msgkey, err)
	}

	delete(m.toc, msgkey)
	return nil
}

// GetFlags returns the flag letters currently recorded for msgkey, or
// ("", false) if the key is unknown.
func (m *Maildir) GetFlags(msgkey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return "", false
	}

	e, ok := m.toc[msgkey]
	if !ok {
		return "", false
	}
	return e.info, true
}

// setFlags performs the rename to reflect newFlags. Caller must hold m.mu
// and have already verified the key exists.
func (m *Maildir) setFlags(msgkey, newFlags string) error {
	e := m.toc[msgkey]
	newPath, info := m.destPath(msgkey, newFlags)
	if newPath == e.path {
		return nil
	}

	if err := os.Rename(e.path, newPath); err != nil {
		return fmt.Errorf("maildir set flags %s: %w", msgkey, err)
	}
	m.toc[msgkey] = entry{path: newPath, info: info}
	return nil
}

// AddFlags unions flags into msgkey's existing flag set, renaming the
// file only if that changes anything.
func (m *Maildir) AddFlags(msgkey, flags string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return err
	}
	e, ok := m.toc[msgkey]
	if !ok {
		return fmt.Errorf("maildir add flags: unknown key %s", msgkey)
	}

	merged := unionFlags(e.info, flags)
	if merged == e.info {
		return nil
	}
	return m.setFlags(msgkey, merged)
}

// SetFlags replaces msgkey's flag set exactly, renaming the file only if
// the canonical flag set actually changed.
func (m *Maildir) SetFlags(msgkey, flags string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return err
	}
	e, ok := m.toc[msgkey]
	if !ok {
		return fmt.Errorf("maildir set flags: unknown key %s", msgkey)
	}

	if sameFlagSet(e.info, flags) {
		return nil
	}
	return m.setFlags(msgkey, canonicalizeFlags(flags))
}

// FlagEntry is one (msgkey, flags) pair as returned by IterFlags.
type FlagEntry struct {
	Msgkey string
	Flags  string
}

// IterFlags returns a snapshot of every message currently known to the
// maildir, as (msgkey, flags) pairs in unspecified order.
func (m *Maildir) IterFlags() ([]FlagEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return nil, err
	}

	out := make([]FlagEntry, 0, len(m.toc))
	for key, e := range m.toc {
		out = append(out, FlagEntry{Msgkey: key, Flags: e.info})
	}
	return out, nil
}

// Keys returns a snapshot of every msgkey currently known to the
// maildir.
func (m *Maildir) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(m.toc))
	for key := range m.toc {
		keys = append(keys, key)
	}
	return keys, nil
}

// Contains reports whether msgkey currently exists in the maildir.
func (m *Maildir) Contains(msgkey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadTOC(); err != nil {
		return false
	}
	_, ok := m.toc[msgkey]
	return ok
}

// Message is the raw bytes of a stored message augmented with its key
// and parsed flags.
type Message struct {
	Msgkey string
	Flags  string
	Body   []byte
}

// Get reads and returns the full message stored under msgkey.
func (m *Maildir) Get(msgkey string) (*Message, error) {
	m.mu.Lock()
	e, ok := m.toc[msgkey]
	if !ok {
		if err := m.loadTOC(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		e, ok = m.toc[msgkey]
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("maildir get: unknown key %s", msgkey)
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("maildir get %s: %w", msgkey, err)
	}

	return &Message{Msgkey: msgkey, Flags: e.info, Body: data}, nil
}

// unionFlags returns the set union of two flag strings, letters from a
// followed by any new letters from b, matching maildir.py's add_flags
// ordering (`oldflags + ''.join(added)`).
func unionFlags(a, b string) string {
	seen := make(map[byte]bool, len(a))
	for i := 0; i < len(a); i++ {
		seen[a[i]] = true
	}

	result := a
	for i := 0; i < len(b); i++ {
		if !seen[b[i]] {
			seen[b[i]] = true
			result += string(b[i])
		}
	}
	return result
}

// sameFlagSet reports whether a and b contain exactly the same set of
// flag letters, ignoring order and duplicates.
func sameFlagSet(a, b string) bool {
	return canonicalizeFlags(a) == canonicalizeFlags(b)
}

// canonicalizeFlags returns the letters of flags deduplicated and
// sorted, which both gives set semantics and a stable file name.
func canonicalizeFlags(flags string) string {
	var present [256]bool
	for i := 0; i < len(flags); i++ {
		present[flags[i]] = true
	}

	var b strings.Builder
	for _, letter := range []byte("DFPRST") {
		if present[letter] {
			b.WriteByte(letter)
		}
	}
	// Preserve any non-standard letters too, in their first-seen order,
	// after the canonical alphabet.
	known := map[byte]bool{'D': true, 'F': true, 'P': true, 'R': true, 'S': true, 'T': true}
	addedExtra := make(map[byte]bool)
	for i := 0; i < len(flags); i++ {
		c := flags[i]
		if !known[c] && !addedExtra[c] {
			addedExtra[c] = true
			b.WriteByte(c)
		}
	}
	return b.String()
}
