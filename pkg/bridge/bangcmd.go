// Copyright 2024-2026 Aiku AI

package bridge

import (
	"regexp"
	"strings"
)

// BangCommand is a parsed "!command" message typed by the Matrix user.
type BangCommand struct {
	// BangCommand is the raw command chain including bangs, e.g. "!mute!1h".
	BangCommand string
	// Command is the first command word without its bang.
	Command string
	// Subcommands are any further chained command words.
	Subcommands []string
	// Body is the rest of the message after the command chain.
	Body string
	// Original is the unmodified input.
	Original string
}

var bangCommandPattern = regexp.MustCompile(`!([\w\-=:.@]+)`)

// ParseBangCommand parses a leading-bang message into a BangCommand.
// Returns nil if the message does not start with '!'.
func ParseBangCommand(s string) *BangCommand {
	if !strings.HasPrefix(s, "!") {
		return nil
	}
	first, rest, _ := strings.Cut(s, " ")
	matches := bangCommandPattern.FindAllStringSubmatch(first, -1)
	if len(matches) == 0 {
		return &BangCommand{Body: strings.TrimSpace(s), Original: s}
	}

	cmds := make([]string, len(matches))
	bang := ""
	for i, m := range matches {
		cmds[i] = m[1]
		bang += m[0]
	}
	var subs []string
	if len(cmds) > 1 {
		subs = cmds[1:]
	}
	return &BangCommand{
		BangCommand: bang,
		Command:     cmds[0],
		Subcommands: subs,
		Body:        strings.TrimSpace(rest),
		Original:    s,
	}
}
