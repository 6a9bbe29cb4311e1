package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lanes/internal/models"
)

func TestContainsOpenQuestion(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"trailing question mark", "I refactored the parser. Should I proceed?", true},
		{"question mark with trailing whitespace", "Ready to merge?\n\n", true},
		{"would you", "Would you like me to add tests as well.", true},
		{"should i", "let me know if should I keep the old api", true},
		{"can you", "Can you share the credentials file", true},
		{"please confirm", "Please confirm the target branch.", true},
		{"please provide", "Please provide the API key", true},
		{"what do you", "What do you think about the naming", true},
		{"what should you", "what should you expect next", true},
		{"statement", "Refactored the parser and updated tests.", false},
		{"empty", "", false},
		{"mid-text question mark only", "Is it ok? Yes it is. Moving on.", false},
		{"word boundary", "the pipeline canyon shouldice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsOpenQuestion(tt.text))
		})
	}
}

func TestContainsOpenQuestion_OutsideWindow(t *testing.T) {
	text := "... Should I proceed?\n" + strings.Repeat("log line without asking anything.\n", 30)
	require.Greater(t, len(text), QuestionWindow)
	assert.False(t, ContainsOpenQuestion(text))
	assert.True(t, ContainsOpenQuestion(text+"Should I proceed?"))
}

func TestContainsCompletionIndicator(t *testing.T) {
	assert.True(t, ContainsCompletionIndicator("Implementation completed."))
	assert.True(t, ContainsCompletionIndicator("I have FINISHED the migration"))
	assert.True(t, ContainsCompletionIndicator("All done"))
	assert.True(t, ContainsCompletionIndicator("The branch is ready for review"))
	assert.True(t, ContainsCompletionIndicator("all tests pass"))
	assert.True(t, ContainsCompletionIndicator("All tests passed on CI"))
	assert.False(t, ContainsCompletionIndicator("Still working on the donut shop handler"))
	assert.False(t, ContainsCompletionIndicator(""))

	text := "Everything completed.\n" + strings.Repeat("more output here\n", 80)
	require.Greater(t, len(text), CompletionWindow)
	assert.False(t, ContainsCompletionIndicator(text))
}

func TestParseChecklistCompletion_Checkboxes(t *testing.T) {
	got := ParseChecklistCompletion("- [ ] a\n- [x] b\n- [X] c\n- [ ] d")
	assert.Equal(t, models.ChecklistCompletion{Completed: 2, Total: 4}, got)
}

func TestParseChecklistCompletion_Variants(t *testing.T) {
	tests := []struct {
		name string
		text string
		want models.ChecklistCompletion
	}{
		{
			name: "numbered checkboxes",
			text: "1. [x] schema\n2. [ ] api\n* [x] docs",
			want: models.ChecklistCompletion{Completed: 2, Total: 3},
		},
		{
			name: "status keywords",
			text: "TODO: wire config\nDONE: parser\n- COMPLETED store\n- PENDING cli\n- [IN_PROGRESS] watcher",
			want: models.ChecklistCompletion{Completed: 2, Total: 5},
		},
		{
			name: "numbered with status marks",
			text: "1. Setup database ✓\n2. Write handlers ✗\n3. Deploy (done)\n4. Announce (pending)",
			want: models.ChecklistCompletion{Completed: 2, Total: 4},
		},
		{
			name: "keywords are case sensitive",
			text: "We are done with the todo list for today.",
			want: models.ChecklistCompletion{},
		},
		{
			name: "empty",
			text: "",
			want: models.ChecklistCompletion{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseChecklistCompletion(tt.text))
		})
	}
}

func TestParseChecklistCompletion_PlainBulletFallback(t *testing.T) {
	prose := "# Notes\n- look into caching\n- talk to ops\n* benchmark the parser\nSome prose."
	assert.Equal(t, models.ChecklistCompletion{Completed: 0, Total: 3}, ParseChecklistCompletion(prose))

	mixed := prose + "\n\n## Tasks\n- [x] ship it"
	assert.Equal(t, models.ChecklistCompletion{Completed: 1, Total: 1}, ParseChecklistCompletion(mixed),
		"plain bullets must not be counted once a structured marker exists")
}

func TestIsChecklistPath(t *testing.T) {
	for _, name := range []string{"TODO.md", "todo", "docs/checklist.md", "tasks.txt", "PLAN.md", "release-checklist.md", "work.todo"} {
		assert.True(t, IsChecklistPath(name), name)
	}
	for _, name := range []string{"main.go", "README.md", "todo.go", "planner.md"} {
		assert.False(t, IsChecklistPath(name), name)
	}
}

func TestIsToolOutputPath(t *testing.T) {
	for _, p := range []string{
		".lanes/last-run.txt",
		".agent/session/transcript.md",
		"output/result.txt",
		"build/outputs/run.json",
		"logs/run.output",
		"claude-output.md",
		"logs/agent-run.log",
	} {
		assert.True(t, IsToolOutputPath(p), p)
	}
	for _, p := range []string{"main.go", "internal/output.go", "docs/design.md"} {
		assert.False(t, IsToolOutputPath(p), p)
	}
}

func TestNewMatcher_Custom(t *testing.T) {
	m, err := NewMatcher([]string{"*.plan"}, []string{"runs/*.txt"})
	require.NoError(t, err)
	assert.True(t, m.IsChecklistPath("sprint.plan"))
	assert.False(t, m.IsChecklistPath("todo.md"))
	assert.True(t, m.IsToolOutputPath("runs/1.txt"))
	assert.False(t, m.IsToolOutputPath("runs/a/1.txt"))

	_, err = NewMatcher([]string{"[unclosed"}, nil)
	assert.Error(t, err)
}
