package imapfolder

import (
	"bytes"
	"fmt"
)

// splitHeaderBody splits a message into its raw header block (including
// the trailing blank line) and everything after it.
func splitHeaderBody(msg []byte) (header, rest []byte) {
	sep := []byte("\r\n\r\n")
	if i := bytes.Index(msg, sep); i >= 0 {
		return msg[:i+len(sep)], msg[i+len(sep):]
	}
	sep = []byte("\n\n")
	if i := bytes.Index(msg, sep); i >= 0 {
		return msg[:i+len(sep)], msg[i+len(sep):]
	}
	return msg, nil
}

// replaceHeader removes every existing occurrence of name (a single,
// unfolded header line is assumed, matching norless's own headers) and
// prepends a single fresh one with value.
func replaceHeader(header []byte, name, value string) []byte {
	lines := bytes.Split(header, []byte("\n"))
	prefix := []byte(name + ":")

	var kept [][]byte
	for _, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if len(trimmed) >= len(prefix) && bytes.EqualFold(trimmed[:len(prefix)], prefix) {
			continue
		}
		kept = append(kept, line)
	}

	newLine := []byte(fmt.Sprintf("%s: %s\r", name, value))
	out := append([][]byte{newLine}, kept...)
	return bytes.Join(out, []byte("\n"))
}

// headerValue returns the value of the first header line matching name, or
// "" if absent.
func headerValue(header []byte, name string) string {
	lines := bytes.Split(header, []byte("\n"))
	prefix := []byte(name + ":")

	for _, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(trimmed, prefix) {
			v := bytes.TrimSpace(trimmed[len(prefix):])
			v = bytes.Trim(v, "<>\"")
			return string(v)
		}
	}
	return ""
}
