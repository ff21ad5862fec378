package engine

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/baverman/norless/config"
	"github.com/baverman/norless/imapfolder"
	"github.com/baverman/norless/maildir"
	"github.com/baverman/norless/state"
	"github.com/baverman/norless/syncpoint"
)

// RemotePush uploads locally-made flag changes (seen, trash) to the
// server and appends a syncpoint so other replicas learn about them on
// their next pull. It holds the app lock blocking, since it must not race
// a concurrent Pull against the same folders.
func (e *Engine) RemotePush(sequential bool) error {
	lock, err := e.acquireLock(true)
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
			if err := e.remotePushFolder(session, acc, rule); err != nil {
				return eris.Wrapf(err, "folder %s", rule.Folder)
			}
		}
		return nil
	})
	return nil
}

func (e *Engine) remotePushFolder(session *imapfolder.Session, acc config.AccountConfig, rule config.SyncRule) error {
	md, err := e.maildirFor(e.cfg.Maildirs[rule.Maildir])
	if err != nil {
		return err
	}

	st, err := e.stateFor(acc, rule.Folder)
	if err != nil {
		return err
	}

	seen, trash, err := maildirChanges(md, st)
	if err != nil {
		return err
	}

	folder := session.Folder(rule.Folder)

	if len(seen) > 0 {
		if err := folder.Seen(toUint32(seen)); err != nil {
			return err
		}
		for _, uid := range seen {
			entry, err := st.Get(uid)
			if err != nil {
				return err
			}
			if entry == nil {
				continue
			}
			if err := st.Put(uid, entry.Msgkey, unionFlag(entry.Flags, "S"), entry.IsSyncpoint); err != nil {
				return err
			}
		}
	}

	if len(trash) > 0 {
		if err := folder.Trash(toUint32(trash), rule.TrashFolder); err != nil {
			return err
		}
		if err := st.RemoveMany(trash); err != nil {
			return err
		}
	}

	if len(seen) > 0 || len(trash) > 0 {
		raw, err := syncpoint.Encode(acc.ReplicaID, syncpoint.Payload{Seen: seen, Trash: trash})
		if err != nil {
			return err
		}
		if err := folder.AppendRaw(raw); err != nil {
			return err
		}
		if !e.Quiet {
			fmt.Printf("%s: seen %d, trash %d\n", acc.Name, len(seen), len(trash))
		}
	}

	return nil
}

// maildirChanges compares each state row's last-known-remote flags against
// the Maildir's live flags: a row whose message disappeared from the
// Maildir is trash; a row whose live flags gained S that the remote side
// hasn't been told about yet is seen.
func maildirChanges(md *maildir.Maildir, st *state.Store) (seen, trash []int64, err error) {
	rows, err := st.GetAll()
	if err != nil {
		return nil, nil, err
	}

	for _, row := range rows {
		if row.IsSyncpoint {
			continue
		}

		liveFlags, ok := md.GetFlags(row.Msgkey)
		if !ok {
			trash = append(trash, row.UID)
			continue
		}
		if strings.Contains(liveFlags, "S") && !strings.Contains(row.Flags, "S") {
			seen = append(seen, row.UID)
		}
	}

	return seen, trash, nil
}

func unionFlag(flags, flag string) string {
	if strings.Contains(flags, flag) {
		return flags
	}
	return flags + flag
}

func toUint32(uids []int64) []uint32 {
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out
}
