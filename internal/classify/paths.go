package classify

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultChecklistPatterns match checklist file names (base name, lowercase).
var DefaultChecklistPatterns = []string{
	"{todo,todos,checklist,tasks,task-list,tasklist,plan,progress}",
	"{todo,todos,checklist,tasks,task-list,tasklist,plan,progress}.{md,txt,markdown}",
	"*-checklist.md",
	"*.todo",
}

// DefaultToolOutputPatterns match files written by an agent or tool run
// (slash-separated path relative to the checkout, lowercase).
var DefaultToolOutputPatterns = []string{
	"{.lanes,.agent}/**",
	"{output,outputs,transcripts}/**",
	"**/{output,outputs,transcripts}/**",
	"**.output",
	"**.transcript",
	"**-output.{md,txt,log}",
	"**agent*.log",
}

// Matcher holds compiled path patterns.
type Matcher struct {
	checklist  []glob.Glob
	toolOutput []glob.Glob
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p), '/')
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// NewMatcher compiles checklist and tool-output patterns. Nil slices select
// the defaults.
func NewMatcher(checklist, toolOutput []string) (*Matcher, error) {
	if checklist == nil {
		checklist = DefaultChecklistPatterns
	}
	if toolOutput == nil {
		toolOutput = DefaultToolOutputPatterns
	}
	m := &Matcher{}
	var err error
	if m.checklist, err = compileAll(checklist); err != nil {
		return nil, err
	}
	if m.toolOutput, err = compileAll(toolOutput); err != nil {
		return nil, err
	}
	return m, nil
}

var defaultMatcher = mustDefault()

func mustDefault() *Matcher {
	m, err := NewMatcher(nil, nil)
	if err != nil {
		panic(err)
	}
	return m
}

// IsChecklistPath reports whether the file name looks like a checklist.
func (m *Matcher) IsChecklistPath(name string) bool {
	base := strings.ToLower(path.Base(filepath.ToSlash(name)))
	for _, g := range m.checklist {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// IsToolOutputPath reports whether the relative path holds tool output.
func (m *Matcher) IsToolOutputPath(rel string) bool {
	p := strings.ToLower(strings.TrimPrefix(filepath.ToSlash(rel), "./"))
	for _, g := range m.toolOutput {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// IsChecklistPath uses the default patterns.
func IsChecklistPath(name string) bool { return defaultMatcher.IsChecklistPath(name) }

// IsToolOutputPath uses the default patterns.
func IsToolOutputPath(rel string) bool { return defaultMatcher.IsToolOutputPath(rel) }
