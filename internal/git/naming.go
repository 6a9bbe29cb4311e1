package git

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	unsafeNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedHyphens = regexp.MustCompile(`-+`)
)

// SanitizeName turns a free-form label into a directory and branch safe name:
// lowercase, spaces and slashes become hyphens, other punctuation is dropped.
func SanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.NewReplacer(" ", "-", "/", "-", "_", "-").Replace(name)
	name = unsafeNameChars.ReplaceAllString(name, "")
	name = repeatedHyphens.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

// ForkName returns the next hierarchical fork name for parent given the names
// already taken: "task" -> "task-fork-1", "task-fork-2"; "task-fork-1" ->
// "task-fork-1.1", "task-fork-1.2". Numbering continues after the highest
// existing sibling so removed forks never cause a collision.
func ForkName(parent string, existing []string) string {
	parts := strings.Split(parent, ".")
	for i, part := range parts {
		parts[i] = SanitizeName(part)
	}
	base := strings.Join(parts, ".")

	prefix := base + "-fork-"
	if strings.Contains(base, "-fork-") {
		prefix = base + "."
	}
	return prefix + strconv.Itoa(highestSuffix(prefix, existing)+1)
}

// highestSuffix returns the largest N among names of the form prefix+N.
func highestSuffix(prefix string, names []string) int {
	highest := 0
	for _, name := range names {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest
}
