package imapfolder

import (
	"testing"

	"github.com/emersion/go-imap"
)

func TestJoinFlagsSeenOnly(t *testing.T) {
	cases := []struct {
		name  string
		flags []string
		want  string
	}{
		{"none", nil, ""},
		{"seen", []string{imap.SeenFlag}, "S"},
		{"answered only", []string{imap.AnsweredFlag}, ""},
		{"flagged only", []string{imap.FlaggedFlag}, ""},
		{"deleted only", []string{imap.DeletedFlag}, ""},
		{"draft only", []string{imap.DraftFlag}, ""},
		{"seen plus answered", []string{imap.SeenFlag, imap.AnsweredFlag}, "S"},
		{"seen plus flagged and deleted", []string{imap.FlaggedFlag, imap.SeenFlag, imap.DeletedFlag}, "S"},
		{"answered flagged deleted draft, no seen", []string{imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag, imap.DraftFlag}, ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := joinFlags(c.flags)
			if got != c.want {
				t.Fatalf("joinFlags(%v) = %q, want %q", c.flags, got, c.want)
			}
		})
	}
}
