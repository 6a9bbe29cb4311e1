package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix Login Bug", "fix-login-bug"},
		{"feature/auth_flow", "feature-auth-flow"},
		{"  --Hello,  World!--  ", "hello-world"},
		{"über café", "ber-caf"},
		{"a---b", "a-b"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestForkName(t *testing.T) {
	tests := []struct {
		name     string
		parent   string
		existing []string
		want     string
	}{
		{"first fork", "task", nil, "task-fork-1"},
		{"next sibling", "task", []string{"main", "task", "task-fork-1"}, "task-fork-2"},
		{"after gap", "task", []string{"task-fork-3"}, "task-fork-4"},
		{"nested", "task-fork-1", []string{"task-fork-1", "task-fork-2"}, "task-fork-1.1"},
		{"nested sibling", "task-fork-1", []string{"task-fork-1.1", "task-fork-1.2"}, "task-fork-1.3"},
		{"deeper", "task-fork-1.2", []string{"task-fork-1.2"}, "task-fork-1.2.1"},
		{"sanitized parent", "My Task", []string{"my-task-fork-1"}, "my-task-fork-2"},
		{"ignores other prefixes", "task", []string{"task-fork-x", "other-fork-9"}, "task-fork-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ForkName(tt.parent, tt.existing))
		})
	}
}
