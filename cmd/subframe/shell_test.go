package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func run(t *testing.T, n *node, line string) string {
	t.Helper()
	var out bytes.Buffer
	if !execute(context.Background(), n, line, &out) {
		t.Fatalf("%q unexpectedly ended the shell", line)
	}
	return out.String()
}

func TestShellCommands(t *testing.T) {
	n := newTestNode(t)

	tests := []struct {
		line     string
		contains string
	}{
		{"PUT msg-1 hello world", "Stored in block 1"},
		{"GET msg-1", "hello world"},
		{"get msg-1", "hello world"},
		{"HAS msg-1", "true"},
		{"INFO msg-1", `"block": 1`},
		{"GET missing", "Key not found"},
		{"INFO missing", "request/unknown-resource (404)"},
		{"PUT big " + strings.Repeat("x", 200), "file-storage/exceeds-block-size (413)"},
		{"PUT onlykey", "PUT requires key and value"},
		{".blocks", "Used / max:    1 / 8"},
		{".stats", "Records: 1"},
		{"DELETE msg-1", "Key deleted"},
		{"HAS msg-1", "false"},
		{"DELETE msg-1", "request/unknown-resource"},
		{"SCAN", "Unknown command: SCAN"},
		{".flush", "Unknown command: .flush"},
	}

	for _, tc := range tests {
		if got := run(t, n, tc.line); !strings.Contains(got, tc.contains) {
			t.Errorf("%q: expected output containing %q, got %q", tc.line, tc.contains, got)
		}
	}
}

func TestShellExit(t *testing.T) {
	n := newTestNode(t)

	var out bytes.Buffer
	if execute(context.Background(), n, ".exit", &out) {
		t.Error(".exit should end the shell")
	}
	if !execute(context.Background(), n, "   ", &out) {
		t.Error("An empty line should not end the shell")
	}
}
