package engine

import (
	"log"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"

	"github.com/baverman/norless/config"
	"github.com/baverman/norless/imapfolder"
	"github.com/baverman/norless/maildir"
	"github.com/baverman/norless/state"
	"github.com/baverman/norless/syncpoint"
)

// Pull fetches new and changed remote messages into their local Maildirs.
// It holds the app lock non-blocking: a concurrent invocation exits rather
// than waiting.
func (e *Engine) Pull(sequential bool) error {
	lock, err := e.acquireLock(false)
	if err != nil {
		return err
	}
	defer lock.Close()

	e.runPerAccount(sequential, func(acc config.AccountConfig, rules []config.SyncRule) error {
		session, err := e.dial(acc)
		if err != nil {
			return err
		}
		defer session.Logout()

		for _, rule := range rules {
			if err := e.pullFolder(session, acc, rule); err != nil {
				return eris.Wrapf(err, "folder %s", rule.Folder)
			}
		}
		return nil
	})
	return nil
}

func (e *Engine) pullFolder(session *imapfolder.Session, acc config.AccountConfig, rule config.SyncRule) error {
	ref := e.cfg.Maildirs[rule.Maildir]
	md, err := e.maildirFor(ref)
	if err != nil {
		return err
	}

	st, err := e.stateFor(acc, rule.Folder)
	if err != nil {
		return err
	}

	maxuid, err := st.MaxUID()
	if err != nil {
		return err
	}
	skipSyncpoints := maxuid == 0

	folder := session.Folder(rule.Folder)
	messages, err := folder.Fetch(e.cfg.FetchLast, uint32(maxuid))
	if err != nil {
		return err
	}

	progress := progressbar.NewOptions(len(messages), progressbar.OptionSetDescription(rule.Folder))
	for _, m := range messages {
		progress.Add(1)

		replicaID, isSyncpoint, err := syncpoint.ReplicaID(m.Body)
		if err != nil {
			return err
		}

		if isSyncpoint {
			if err := e.applySyncpoint(md, st, acc, m, replicaID, skipSyncpoints); err != nil {
				return err
			}
			continue
		}

		if err := e.storeMessage(md, st, m); err != nil {
			return err
		}
	}

	if !ref.SyncNew {
		if err := e.reconcileUnflagged(folder, md, st); err != nil {
			return err
		}
	}

	return nil
}

// storeMessage records a freshly fetched ordinary message, or, if norless
// already knows its uid, reconciles the Maildir copy's flags to match what
// the server reported (without touching the state row, which tracks the
// last flag set remote-push saw, not the live Maildir flags).
func (e *Engine) storeMessage(md *maildir.Maildir, st *state.Store, m imapfolder.FetchedMessage) error {
	uid := int64(m.UID)

	entry, err := st.Get(uid)
	if err != nil {
		return err
	}
	if entry != nil {
		if entry.Flags != m.Flags {
			if err := md.SetFlags(entry.Msgkey, m.Flags); err != nil {
				return err
			}
		}
		return nil
	}

	key, err := md.Add(m.Body, m.Flags)
	if err != nil {
		return err
	}
	return st.Put(uid, key, m.Flags, false)
}

func (e *Engine) applySyncpoint(md *maildir.Maildir, st *state.Store, acc config.AccountConfig, m imapfolder.FetchedMessage, replicaID string, skipSyncpoints bool) error {
	uid := int64(m.UID)

	if skipSyncpoints || replicaID == acc.ReplicaID {
		return st.Put(uid, "", "S", true)
	}

	payload, err := syncpoint.Decode(m.Body)
	if err != nil {
		log.Printf("engine: malformed syncpoint uid %d from replica %s: %v", uid, replicaID, err)
		return e.storeMessage(md, st, m)
	}

	for _, trashUID := range payload.Trash {
		entry, err := st.Get(trashUID)
		if err != nil {
			return err
		}
		if entry == nil || entry.IsSyncpoint {
			continue
		}
		if err := md.Discard(entry.Msgkey); err != nil {
			return err
		}
		if err := st.Remove(trashUID); err != nil {
			return err
		}
	}

	for _, seenUID := range payload.Seen {
		entry, err := st.Get(seenUID)
		if err != nil {
			return err
		}
		if entry == nil || entry.IsSyncpoint {
			continue
		}
		if !md.Contains(entry.Msgkey) {
			if err := st.Remove(seenUID); err != nil {
				return err
			}
			continue
		}
		if err := md.AddFlags(entry.Msgkey, "S"); err != nil {
			return err
		}
		newFlags, _ := md.GetFlags(entry.Msgkey)
		if err := st.Put(seenUID, entry.Msgkey, newFlags, false); err != nil {
			return err
		}
	}

	return st.Put(uid, "", "S", true)
}

// reconcileUnflagged handles Maildirs with sync_new disabled: messages
// state still records with no flags get their server flags re-checked, so
// a message downloaded then marked seen (or deleted) out-of-band on the
// server is still noticed even though no new mail triggered a fetch.
func (e *Engine) reconcileUnflagged(folder *imapfolder.Folder, md *maildir.Maildir, st *state.Store) error {
	all, err := st.GetAll()
	if err != nil {
		return err
	}

	var candidates []state.Entry
	for _, entry := range all {
		if entry.IsSyncpoint || entry.Flags != "" {
			continue
		}
		if md.Contains(entry.Msgkey) {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	uids := make([]uint32, len(candidates))
	for i, c := range candidates {
		uids[i] = uint32(c.UID)
	}

	serverFlags, err := folder.GetFlags(uids)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		flags, ok := serverFlags[uint32(c.UID)]
		if !ok {
			if err := md.Discard(c.Msgkey); err != nil {
				return err
			}
			if err := st.Remove(c.UID); err != nil {
				return err
			}
			continue
		}

		if strings.Contains(flags, "S") {
			if err := md.AddFlags(c.Msgkey, "S"); err != nil {
				return err
			}
			newFlags, _ := md.GetFlags(c.Msgkey)
			if err := st.Put(c.UID, c.Msgkey, newFlags, false); err != nil {
				return err
			}
		}
	}

	return nil
}
