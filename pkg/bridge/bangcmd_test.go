// Copyright 2024-2026 Aiku AI

package bridge

import (
	"reflect"
	"testing"
)

func TestParseBangCommand(t *testing.T) {
	t.Parallel()

	if cmd := ParseBangCommand("just a message"); cmd != nil {
		t.Errorf("expected nil for non-command input, got %+v", cmd)
	}

	cmd := ParseBangCommand("!help")
	if cmd == nil {
		t.Fatal("expected a parsed command")
	}
	if cmd.Command != "help" || cmd.BangCommand != "!help" || cmd.Body != "" {
		t.Errorf("unexpected parse: %+v", cmd)
	}

	cmd = ParseBangCommand("!mute bob for a while")
	if cmd == nil {
		t.Fatal("expected a parsed command")
	}
	if cmd.Command != "mute" || cmd.Body != "bob for a while" {
		t.Errorf("unexpected parse: %+v", cmd)
	}
}

func TestParseBangCommandChained(t *testing.T) {
	t.Parallel()
	cmd := ParseBangCommand("!mute!1h!hard bob")
	if cmd == nil {
		t.Fatal("expected a parsed command")
	}
	if cmd.Command != "mute" {
		t.Errorf("Command = %q, want %q", cmd.Command, "mute")
	}
	if !reflect.DeepEqual(cmd.Subcommands, []string{"1h", "hard"}) {
		t.Errorf("Subcommands = %v, want [1h hard]", cmd.Subcommands)
	}
	if cmd.BangCommand != "!mute!1h!hard" {
		t.Errorf("BangCommand = %q", cmd.BangCommand)
	}
	if cmd.Body != "bob" {
		t.Errorf("Body = %q, want %q", cmd.Body, "bob")
	}
	if cmd.Original != "!mute!1h!hard bob" {
		t.Errorf("Original = %q", cmd.Original)
	}
}

func TestParseBangCommandBareBang(t *testing.T) {
	t.Parallel()
	cmd := ParseBangCommand("! not really")
	if cmd == nil {
		t.Fatal("expected a parsed command for leading bang")
	}
	if cmd.Command != "" {
		t.Errorf("Command = %q, want empty", cmd.Command)
	}
}
