package imapfolder

import (
	"bytes"
	"fmt"
	"math"
	"time"

	imap "github.com/emersion/go-imap"
)

// FetchedMessage is one message returned by Fetch.
type FetchedMessage struct {
	UID   uint32
	Flags string
	Body  []byte
}

// AppendedMessage pairs a server-assigned UID with the msgkey embedded in
// the message that was appended.
type AppendedMessage struct {
	UID    uint32
	Msgkey string
}

// Folder is a view onto a single IMAP mailbox, bound to a Session.
type Folder struct {
	session *Session
	name    string
}

// Name returns the folder's IMAP name.
func (f *Folder) Name() string {
	return f.name
}

// ListFolders lists every folder visible to the session, ignoring the
// receiver's own name.
func (f *Folder) ListFolders() ([]FolderInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- f.session.client.List("", "*", mailboxes)
	}()

	var result []FolderInfo
	for mb := range mailboxes {
		result = append(result, FolderInfo{
			Flags:     flagsToStrings(mb.Attributes),
			Separator: string(mb.Delimiter),
			Name:      mb.Name,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("imapfolder: list: %w", err)
	}
	return result, nil
}

// FolderInfo is one entry from ListFolders.
type FolderInfo struct {
	Flags     []string
	Separator string
	Name      string
}

func flagsToStrings(attrs []string) []string {
	out := make([]string, len(attrs))
	copy(out, attrs)
	return out
}

// Status returns the total and unseen message counts for the folder.
func (f *Folder) Status(name string) (total, unseen int, err error) {
	status, err := f.session.client.Status(name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
	if err != nil {
		return 0, 0, fmt.Errorf("imapfolder: status %s: %w", name, err)
	}
	return int(status.Messages), int(status.Unseen), nil
}

// Select ensures this folder is the session's currently-selected mailbox.
func (f *Folder) Select() error {
	return f.session.ensureSelected(f.name)
}

// Fetch retrieves messages not yet seen by this client. When lastUID is
// positive, it fetches everything strictly newer than lastUID; otherwise it
// fetches sequence numbers max(total-lastN, 1) through total, which is up
// to lastN+1 messages (fewer if the folder is smaller).
func (f *Folder) Fetch(lastN int, lastUID uint32) ([]FetchedMessage, error) {
	status, err := f.session.client.Select(f.name, false)
	if err != nil {
		return nil, fmt.Errorf("imapfolder: select %s: %w", f.name, err)
	}
	f.session.selected = f.name

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchFlags, imap.FetchUid}

	if lastUID > 0 {
		uidSet, err := f.searchUIDsGreaterThan(lastUID)
		if err != nil {
			return nil, err
		}
		if len(uidSet) == 0 {
			return nil, nil
		}

		fetchSet := new(imap.SeqSet)
		for _, uid := range uidSet {
			fetchSet.AddNum(uid)
		}
		return f.collectFetch(fetchSet, items, section)
	}

	total := int(status.Messages)
	if total == 0 {
		return nil, nil
	}

	start := total - lastN
	if start < 1 {
		start = 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(uint32(start), uint32(total))

	messages := make(chan *imap.Message, 100)
	errc := make(chan error, 1)
	go func() { errc <- f.session.client.Fetch(seqSet, items, messages) }()

	return drainMessages(messages, errc, section)
}

func (f *Folder) searchUIDsGreaterThan(lastUID uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, math.MaxUint32)

	uids, err := f.session.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imapfolder: uid search: %w", err)
	}

	var result []uint32
	for _, uid := range uids {
		if uid > lastUID {
			result = append(result, uid)
		}
	}
	return result, nil
}

func (f *Folder) collectFetch(seqSet *imap.SeqSet, items []imap.FetchItem, section *imap.BodySectionName) ([]FetchedMessage, error) {
	messages := make(chan *imap.Message, 100)
	errc := make(chan error, 1)
	go func() { errc <- f.session.client.UidFetch(seqSet, items, messages) }()

	return drainMessages(messages, errc, section)
}

func drainMessages(messages chan *imap.Message, errc chan error, section *imap.BodySectionName) ([]FetchedMessage, error) {
	var result []FetchedMessage
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("imapfolder: read body for uid %d: %w", msg.Uid, err)
		}
		body := bytes.ReplaceAll(buf.Bytes(), []byte("\r\n"), []byte("\n"))
		result = append(result, FetchedMessage{
			UID:   msg.Uid,
			Flags: joinFlags(msg.Flags),
			Body:  body,
		})
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("imapfolder: fetch: %w", err)
	}
	return result, nil
}

// GetFlags returns the current server flags for each of uids.
func (f *Folder) GetFlags(uids []uint32) (map[uint32]string, error) {
	if err := f.Select(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	messages := make(chan *imap.Message, len(uids))
	errc := make(chan error, 1)
	go func() {
		errc <- f.session.client.UidFetch(seqSet, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, messages)
	}()

	result := make(map[uint32]string)
	for msg := range messages {
		result[msg.Uid] = joinFlags(msg.Flags)
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("imapfolder: get flags: %w", err)
	}
	return result, nil
}

// Trash copies uids to trashFolder, marks them \Deleted, and expunges them
// from this folder.
func (f *Folder) Trash(uids []uint32, trashFolder string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := f.Select(); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	if err := f.session.client.UidCopy(seqSet, trashFolder); err != nil {
		return fmt.Errorf("imapfolder: copy to %s: %w", trashFolder, err)
	}

	flagOp := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := f.session.client.UidStore(seqSet, flagOp, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("imapfolder: store deleted: %w", err)
	}

	if err := f.session.client.Expunge(nil); err != nil {
		return fmt.Errorf("imapfolder: expunge: %w", err)
	}
	return nil
}

// AppendRaw appends a fully-formed message (such as a syncpoint) to the
// folder, marking it \Seen so it never shows up as unread. Its UID is not
// resolved here; a later Fetch will pick it up like any other message.
func (f *Folder) AppendRaw(body []byte) error {
	if err := f.Select(); err != nil {
		return err
	}
	if err := f.session.client.Append(f.name, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("imapfolder: append raw: %w", err)
	}
	return nil
}

// Seen marks uids as \Seen on the server.
func (f *Folder) Seen(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := f.Select(); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	flagOp := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := f.session.client.UidStore(seqSet, flagOp, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("imapfolder: store seen: %w", err)
	}
	return nil
}

// OutgoingMessage is a message body paired with the msgkey that should be
// stamped into its X-Norless-Id and Message-ID headers before APPEND.
type OutgoingMessage struct {
	Msgkey string
	Body   []byte
}

// AppendMessages appends each message to the folder with headers rewritten
// to carry its msgkey, then resolves the server-assigned UIDs, preferring
// the immediate UIDPLUS response and falling back to a post-append search.
func (f *Folder) AppendMessages(messages []OutgoingMessage, lastUID uint32) ([]AppendedMessage, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	if err := f.Select(); err != nil {
		return nil, err
	}

	hasUIDPlus := f.session.supportsUIDPlus()

	var result []AppendedMessage
	for _, m := range messages {
		body := stampHeaders(m.Body, m.Msgkey)

		if hasUIDPlus {
			_, uid, err := f.session.uidplus.Append(f.name, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("imapfolder: append: %w", err)
			}
			if uid != 0 {
				result = append(result, AppendedMessage{UID: uid, Msgkey: m.Msgkey})
				continue
			}
		} else if err := f.session.client.Append(f.name, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(body)); err != nil {
			return nil, fmt.Errorf("imapfolder: append: %w", err)
		}
	}

	if len(result) == len(messages) {
		return result, nil
	}

	return f.recoverAppendedUIDs(messages, lastUID, result)
}

func stampHeaders(body []byte, msgkey string) []byte {
	header, rest := splitHeaderBody(body)
	header = replaceHeader(header, "X-Norless-Id", msgkey)
	header = replaceHeader(header, "Message-ID", msgkey)
	return append(header, rest...)
}

// recoverAppendedUIDs is used when the server didn't return a UID directly
// from APPEND (no UIDPLUS, or a server that omits it anyway): search for
// everything newer than lastUID and match by the embedded msgkey header.
func (f *Folder) recoverAppendedUIDs(messages []OutgoingMessage, lastUID uint32, already []AppendedMessage) ([]AppendedMessage, error) {
	resolved := make(map[string]bool, len(already))
	for _, a := range already {
		resolved[a.Msgkey] = true
	}
	wanted := make(map[string]bool, len(messages))
	for _, m := range messages {
		wanted[m.Msgkey] = true
	}

	uids, err := f.searchUIDsGreaterThan(lastUID)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return already, nil
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Specifier: imap.HeaderSpecifier}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	fetched := make(chan *imap.Message, len(uids))
	errc := make(chan error, 1)
	go func() { errc <- f.session.client.UidFetch(seqSet, items, fetched) }()

	result := append([]AppendedMessage(nil), already...)
	for msg := range fetched {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("imapfolder: read header for uid %d: %w", msg.Uid, err)
		}
		header := buf.Bytes()

		msgkey := headerValue(header, "X-Norless-Id")
		if msgkey == "" {
			msgkey = headerValue(header, "Message-ID")
		}
		if msgkey == "" || !wanted[msgkey] || resolved[msgkey] {
			continue
		}
		resolved[msgkey] = true
		result = append(result, AppendedMessage{UID: msg.Uid, Msgkey: msgkey})
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("imapfolder: fetch headers: %w", err)
	}

	return result, nil
}

// joinFlags reduces a server flag list to norless's only tracked Maildir
// flag. Answered/Flagged/Deleted/Draft are deliberately ignored: norless
// does not mirror arbitrary IMAP flags into the Maildir filename or state.
func joinFlags(imapFlags []string) string {
	for _, flag := range imapFlags {
		if flag == imap.SeenFlag {
			return "S"
		}
	}
	return ""
}
