package git

import (
	"strconv"
	"strings"
)

// Checkout is one git worktree as seen by the gateway.
type Checkout struct {
	Path         string
	Branch       string
	Head         string
	IsBare       bool
	IsLocked     bool
	LockReason   string
	IsDetached   bool
	IsPrunable   bool
	AheadCount   int
	BehindCount  int
	ChangedFiles []FileChange
}

// FileChange is one entry of `git status`: a path and its two-letter XY code.
type FileChange struct {
	Path     string
	OrigPath string
	Status   string
}

// BranchInfo describes the branch checked out at a path.
type BranchInfo struct {
	Branch      string
	Head        string
	Upstream    string
	Base        string // ref the ahead/behind counts compare against
	IsDetached  bool
	AheadCount  int
	BehindCount int
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []Checkout {
	var checkouts []Checkout
	var current Checkout

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "bare":
			current.IsBare = true
		case line == "detached":
			current.IsDetached = true
		case line == "locked" || strings.HasPrefix(line, "locked "):
			current.IsLocked = true
			current.LockReason = strings.TrimSpace(strings.TrimPrefix(line, "locked"))
		case line == "prunable" || strings.HasPrefix(line, "prunable "):
			current.IsPrunable = true
		case line == "":
			if current.Path != "" {
				checkouts = append(checkouts, current)
				current = Checkout{}
			}
		}
	}
	if current.Path != "" {
		checkouts = append(checkouts, current)
	}
	return checkouts
}

// statusReport is the parsed form of `git status --porcelain=v2 --branch`.
type statusReport struct {
	Branch BranchInfo
	Files  []FileChange
}

// parseStatusPorcelainV2 parses `git status --porcelain=v2 --branch` output.
// Ignored entries are skipped.
func parseStatusPorcelainV2(output string) statusReport {
	var r statusReport

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		switch line[0] {
		case '#':
			parseBranchHeader(&r.Branch, line)
		case '1':
			// 1 XY sub mH mI mW hH hI path
			if f := strings.SplitN(line, " ", 9); len(f) == 9 {
				r.Files = append(r.Files, FileChange{Path: f[8], Status: xy(f[1])})
			}
		case '2':
			// 2 XY sub mH mI mW hH hI Xscore path\torigPath
			if f := strings.SplitN(line, " ", 10); len(f) == 10 {
				path, orig, _ := strings.Cut(f[9], "\t")
				r.Files = append(r.Files, FileChange{Path: path, OrigPath: orig, Status: xy(f[1])})
			}
		case 'u':
			// u XY sub m1 m2 m3 mW h1 h2 h3 path
			if f := strings.SplitN(line, " ", 11); len(f) == 11 {
				r.Files = append(r.Files, FileChange{Path: f[10], Status: xy(f[1])})
			}
		case '?':
			r.Files = append(r.Files, FileChange{Path: strings.TrimPrefix(line, "? "), Status: "??"})
		}
	}
	return r
}

func parseBranchHeader(b *BranchInfo, line string) {
	key, value, _ := strings.Cut(strings.TrimPrefix(line, "# "), " ")
	switch key {
	case "branch.oid":
		if value != "(initial)" {
			b.Head = value
		}
	case "branch.head":
		if value == "(detached)" {
			b.IsDetached = true
		} else {
			b.Branch = value
		}
	case "branch.upstream":
		b.Upstream = value
	case "branch.ab":
		ahead, behind, _ := strings.Cut(value, " ")
		b.AheadCount, _ = strconv.Atoi(strings.TrimPrefix(ahead, "+"))
		b.BehindCount, _ = strconv.Atoi(strings.TrimPrefix(behind, "-"))
	}
}

// xy converts a porcelain v2 status code ("M.") to the v1 form ("M ").
func xy(code string) string {
	return strings.ReplaceAll(code, ".", " ")
}
