// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/baverman/norless/config"
	"github.com/baverman/norless/engine"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "norlessrc.yaml"
	}
	return filepath.Join(home, ".config", "norlessrc.yaml")
}

func main() {
	pull := flag.Bool("pull", false, "sync remote folders to local maildir(s)")
	remotePush := flag.Bool("remote-push", false, "sync local changes to remote folders")
	uploadNew := flag.Bool("upload-new", false, "upload new messages added directly to maildir(s)")
	check := flag.Bool("check", false, "check for unread messages in local maildir(s)")
	showFolders := flag.Bool("show-folders", false, "list remote folders")

	configPath := flag.String("config", defaultConfigPath(), "path to configuration file")
	account := flag.String("account", "", "process this account only")
	sequential := flag.Bool("sequential", false, "run accounts sequentially instead of in parallel")
	quiet := flag.Bool("quiet", false, "suppress per-folder summary output")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *account != "" {
		cfg.RestrictTo(*account)
	}

	e := engine.New(cfg)
	e.Quiet = *quiet
	defer e.Close()

	// Commands run in a fixed, sensible order regardless of the order
	// their flags were given on the command line.
	if *pull {
		if err := e.Pull(*sequential); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if *remotePush {
		if err := e.RemotePush(*sequential); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if *uploadNew {
		if err := e.UploadNew(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if *check {
		hasUnread, err := e.Check()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !hasUnread {
			os.Exit(1)
		}
	}

	if *showFolders {
		if err := e.ShowFolders(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
