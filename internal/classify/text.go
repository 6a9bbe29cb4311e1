// Package classify derives lifecycle signals from file names and contents:
// open questions, completion phrasing, checklist progress.
package classify

import (
	"regexp"
	"strings"

	"github.com/joescharf/lanes/internal/models"
)

// Trailing windows inspected by the text predicates, in characters.
const (
	QuestionWindow   = 500
	CompletionWindow = 1000
)

var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\?\s*$`),
	regexp.MustCompile(`(?i)\bwould you\b`),
	regexp.MustCompile(`(?i)\bshould i\b`),
	regexp.MustCompile(`(?i)\bcan you\b`),
	regexp.MustCompile(`(?i)\bplease confirm\b`),
	regexp.MustCompile(`(?i)\bplease provide\b`),
	regexp.MustCompile(`(?i)\bwhat (?:would|should|do) you\b`),
}

var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcompleted\b`),
	regexp.MustCompile(`(?i)\bfinished\b`),
	regexp.MustCompile(`(?i)\bdone\b`),
	regexp.MustCompile(`(?i)\bready for review\b`),
	regexp.MustCompile(`(?i)\ball tests pass(?:ed|ing)?\b`),
}

// tail returns the last n characters of text.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[len(r)-n:])
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ContainsOpenQuestion reports whether the end of text asks the reader something.
func ContainsOpenQuestion(text string) bool {
	return matchAny(questionPatterns, tail(text, QuestionWindow))
}

// ContainsCompletionIndicator reports whether the end of text announces the work as done.
func ContainsCompletionIndicator(text string) bool {
	return matchAny(completionPatterns, tail(text, CompletionWindow))
}

var (
	checkboxLine = regexp.MustCompile(`^\s*(?:[-*+]\s*|\d+[.)]\s*)?\[([ xX])\]`)
	keywordLine  = regexp.MustCompile(`^\s*(?:[-*+]\s+|\d+[.)]\s+)?(?:\[(TODO|DONE|COMPLETED|PENDING|IN_PROGRESS)\]|(TODO|DONE|COMPLETED|PENDING|IN_PROGRESS)\b)`)
	numberedDone = regexp.MustCompile(`^\s*\d+[.)]\s+.*(?:✓|✔|✅|☑|\((?i:done|complete|completed)\))`)
	numberedOpen = regexp.MustCompile(`^\s*\d+[.)]\s+.*(?:✗|✘|❌|☐|\((?i:todo|pending|in progress)\))`)
	bulletLine   = regexp.MustCompile(`^\s*[-*+]\s+\S`)
)

// ParseChecklistCompletion counts checklist items in text. Each line is tried
// against markdown checkboxes, then status keywords, then numbered items with
// a status mark. Plain bullets count as open items only when the document has
// no structured marker at all.
func ParseChecklistCompletion(text string) models.ChecklistCompletion {
	var (
		c          models.ChecklistCompletion
		structured bool
		bullets    int
	)

	for _, line := range strings.Split(text, "\n") {
		if m := checkboxLine.FindStringSubmatch(line); m != nil {
			structured = true
			c.Total++
			if m[1] != " " {
				c.Completed++
			}
			continue
		}
		if m := keywordLine.FindStringSubmatch(line); m != nil {
			structured = true
			c.Total++
			switch m[1] + m[2] {
			case "DONE", "COMPLETED":
				c.Completed++
			}
			continue
		}
		if numberedDone.MatchString(line) {
			structured = true
			c.Total++
			c.Completed++
			continue
		}
		if numberedOpen.MatchString(line) {
			structured = true
			c.Total++
			continue
		}
		if bulletLine.MatchString(line) {
			bullets++
		}
	}

	if !structured {
		return models.ChecklistCompletion{Total: bullets}
	}
	return c
}
