package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPolicyBlocksDangerousCommands(t *testing.T) {
	p := NewPolicy()

	dangerous := []string{
		"rm -rf /",
		"rm -r build/",
		"rm *.go",
		"echo x > /dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"dd if=/dev/zero of=/dev/sda",
		"chmod -R 777 /",
		"sudo shutdown now",
	}
	for _, cmd := range dangerous {
		if err := p.CheckCommand(cmd); !errors.Is(err, ErrForbidden) {
			t.Errorf("CheckCommand(%q) = %v, want ErrForbidden", cmd, err)
		}
	}
}

func TestPolicyAllowsSafeCommands(t *testing.T) {
	p := NewPolicy()

	safe := []string{
		"ls -la",
		"git status",
		"go test ./...",
		"echo hello > notes.txt",
		"cat /dev/null",
	}
	for _, cmd := range safe {
		if err := p.CheckCommand(cmd); err != nil {
			t.Errorf("CheckCommand(%q) = %v, want nil", cmd, err)
		}
	}
}

func TestPolicyExtraDeny(t *testing.T) {
	p := NewPolicy()
	if err := p.Deny(`curl\s`); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckCommand("curl http://example.com"); !errors.Is(err, ErrForbidden) {
		t.Errorf("extra deny pattern not enforced: %v", err)
	}
}

func TestTerminalCmdHonorsPolicy(t *testing.T) {
	r := NewBuiltinRegistry(t.TempDir(), NewPolicy())
	cmd, _ := r.Get("terminal_cmd")

	_, err := cmd.Execute(context.Background(), map[string]interface{}{"command": "rm -rf /tmp/x"})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestNormalizeCommitMessage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"feat: add parser", "feat: add parser"},
		{"feat: add parser\n\nlong body here", "feat: add parser"},
		{"\"fix: quoted message\"", "fix: quoted message"},
		{"fix: " + strings.Repeat("x", 100), ""},
	}
	for _, tt := range tests {
		got := NormalizeCommitMessage(tt.in)
		if tt.want != "" && got != tt.want {
			t.Errorf("NormalizeCommitMessage(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if len(got) > 72 {
			t.Errorf("subject longer than 72 chars: %d", len(got))
		}
	}
}
