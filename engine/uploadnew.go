package engine

import (
	"bytes"
	"fmt"
	"log"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"

	"github.com/baverman/norless/config"
	"github.com/baverman/norless/imapfolder"
	"github.com/baverman/norless/maildir"
)

// UploadNew appends locally-added messages in sync_new Maildirs to the
// matching remote folder, grouping unrecognized senders under the last
// configured rule for that Maildir so they aren't retried forever.
func (e *Engine) UploadNew() error {
	lock, err := e.acquireLock(false)
	if err != nil {
		return err
	}
	defer lock.Close()

	byMaildir := make(map[string][]config.SyncRule)
	for _, r := range e.cfg.Sync {
		if e.cfg.Maildirs[r.Maildir].SyncNew {
			byMaildir[r.Maildir] = append(byMaildir[r.Maildir], r)
		}
	}

	sessions := make(map[string]*imapfolder.Session)
	defer func() {
		for _, s := range sessions {
			s.Logout()
		}
	}()

	for name, rules := range byMaildir {
		if err := e.uploadNewForMaildir(name, rules, sessions); err != nil {
			log.Printf("%v", eris.Wrapf(err, "maildir %s", name))
		}
	}
	return nil
}

func (e *Engine) uploadNewForMaildir(maildirName string, rules []config.SyncRule, sessions map[string]*imapfolder.Session) error {
	md, err := e.maildirFor(e.cfg.Maildirs[maildirName])
	if err != nil {
		return err
	}

	stateKeys := make(map[string]bool)
	for _, r := range rules {
		acc := e.cfg.Accounts[r.Account]
		st, err := e.stateFor(acc, r.Folder)
		if err != nil {
			return err
		}
		rows, err := st.GetAll()
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Msgkey != "" {
				stateKeys[row.Msgkey] = true
			}
		}
	}

	keys, err := md.Keys()
	if err != nil {
		return err
	}

	groups := make(map[string][]*maildir.Message)
	for _, key := range keys {
		if stateKeys[key] {
			continue
		}
		msg, err := md.Get(key)
		if err != nil {
			return err
		}
		addr, _ := fromAddress(msg.Body)
		groups[addr] = append(groups[addr], msg)
	}

	for addr, msgs := range groups {
		rule, acc, ok := matchAccountByFrom(e.cfg, rules, addr)
		if !ok {
			if err := e.stashUnmatched(rules[len(rules)-1], addr, maildirName, msgs); err != nil {
				return err
			}
			continue
		}

		st, err := e.stateFor(acc, rule.Folder)
		if err != nil {
			return err
		}
		maxuid, err := st.MaxUID()
		if err != nil {
			return err
		}

		session, ok := sessions[rule.Account]
		if !ok {
			session, err = e.dial(acc)
			if err != nil {
				return err
			}
			sessions[rule.Account] = session
		}

		outgoing := make([]imapfolder.OutgoingMessage, len(msgs))
		for i, msg := range msgs {
			outgoing[i] = imapfolder.OutgoingMessage{Msgkey: msg.Msgkey, Body: msg.Body}
		}

		appended, err := session.Folder(rule.Folder).AppendMessages(outgoing, uint32(maxuid))
		if err != nil {
			return err
		}

		for _, a := range appended {
			if err := st.Put(int64(a.UID), a.Msgkey, "S", false); err != nil {
				return err
			}
		}
	}

	return nil
}

// stashUnmatched records messages whose From address matches no configured
// account as already-handled, under synthetic decreasing negative uids, so
// they are not re-offered for upload on every run.
func (e *Engine) stashUnmatched(fallback config.SyncRule, addr, maildirName string, msgs []*maildir.Message) error {
	acc := e.cfg.Accounts[fallback.Account]
	st, err := e.stateFor(acc, fallback.Folder)
	if err != nil {
		return err
	}

	minuid, err := st.MinUID()
	if err != nil {
		return err
	}
	if minuid > 0 {
		minuid = 0
	}

	for _, msg := range msgs {
		minuid--
		if err := st.Put(minuid, msg.Msgkey, "S", false); err != nil {
			return err
		}
	}

	log.Printf("engine: unknown From address %q in maildir %s, marking %d message(s) as already handled", addr, maildirName, len(msgs))
	return nil
}

func matchAccountByFrom(cfg *config.Config, rules []config.SyncRule, addr string) (config.SyncRule, config.AccountConfig, bool) {
	for _, r := range rules {
		acc := cfg.Accounts[r.Account]
		if acc.From != "" && acc.From == addr {
			return r, acc, true
		}
	}
	return config.SyncRule{}, config.AccountConfig{}, false
}

func fromAddress(body []byte) (string, error) {
	e, err := message.Read(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("engine: parse message: %w", err)
	}

	h := mail.Header{Header: e.Header}
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("engine: no From address")
	}
	return addrs[0].Address, nil
}
