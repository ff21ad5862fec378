package engine

import (
	"fmt"
	"strings"
)

// Check scans every Maildir referenced by the configuration and reports
// the number of messages without the Seen flag. It prints one line per
// Maildir that has any (unless Quiet is set), and returns whether any
// unread messages were found at all. It holds the app lock non-blocking.
func (e *Engine) Check() (bool, error) {
	lock, err := e.acquireLock(false)
	if err != nil {
		return false, err
	}
	defer lock.Close()

	seen := make(map[string]bool)
	hasUnread := false

	for _, rule := range e.cfg.Sync {
		ref := e.cfg.Maildirs[rule.Maildir]
		if seen[ref.Name] {
			continue
		}
		seen[ref.Name] = true

		md, err := e.maildirFor(ref)
		if err != nil {
			return false, err
		}

		entries, err := md.IterFlags()
		if err != nil {
			return false, err
		}

		count := 0
		for _, entry := range entries {
			if !strings.Contains(entry.Flags, "S") {
				count++
			}
		}

		if count > 0 {
			if !e.Quiet {
				fmt.Printf("%s\t%d\n", ref.Name, count)
			}
			hasUnread = true
		}
	}

	return hasUnread, nil
}

// ShowFolders lists every remote folder visible on each configured
// account.
func (e *Engine) ShowFolders() error {
	for name, acc := range e.cfg.Accounts {
		fmt.Println(name)

		session, err := e.dial(acc)
		if err != nil {
			return err
		}

		folders, err := session.Folder("").ListFolders()
		session.Logout()
		if err != nil {
			return err
		}

		for _, f := range folders {
			fmt.Printf("   [%s] %s\t(%s)\n", strings.Join(f.Flags, " "), f.Name, f.Separator)
		}
	}
	return nil
}
