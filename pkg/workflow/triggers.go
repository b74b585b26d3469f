package workflow

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/pattern"
)

var (
	patternCache     = map[string]*regexp.Regexp{}
	patternCacheLock sync.Mutex
)

// compileRefPattern converts a ref filter pattern into a regular expression. * stays within a
// path segment while ** crosses segments.
func compileRefPattern(pat string) (*regexp.Regexp, error) {
	patternCacheLock.Lock()
	defer patternCacheLock.Unlock()

	if re, ok := patternCache[pat]; ok {
		return re, nil
	}

	parts := strings.Split(pat, "**")
	expr := strings.Builder{}
	expr.WriteString("^(?:")
	for idx, part := range parts {
		if idx > 0 {
			expr.WriteString(".*")
		}
		if part == "" {
			continue
		}

		partExpr, err := pattern.Regexp(part, pattern.Filenames)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid pattern %s", pat)
		}
		expr.WriteString(partExpr)
	}
	expr.WriteString(")$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %s", pat)
	}

	patternCache[pat] = re
	return re, nil
}

func matchRef(pat, name string) bool {
	re, err := compileRefPattern(pat)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

// matchIncludes evaluates an include list where later entries win and a leading ! excludes.
func matchIncludes(patterns []string, name string) bool {
	matched := false
	for _, pat := range patterns {
		if strings.HasPrefix(pat, "!") {
			if matchRef(pat[1:], name) {
				matched = false
			}
		} else if matchRef(pat, name) {
			matched = true
		}
	}
	return matched
}

func matchIgnores(patterns []string, name string) bool {
	for _, pat := range patterns {
		if matchRef(pat, name) {
			return true
		}
	}
	return false
}

func (f *RefFilter) matchBranch(branch string) bool {
	switch {
	case len(f.Branches) > 0:
		return matchIncludes(f.Branches, branch)
	case len(f.BranchesIgnore) > 0:
		return !matchIgnores(f.BranchesIgnore, branch)
	}
	return true
}

func (f *RefFilter) matchTag(tag string) bool {
	switch {
	case len(f.Tags) > 0:
		return matchIncludes(f.Tags, tag)
	case len(f.TagsIgnore) > 0:
		return !matchIgnores(f.TagsIgnore, tag)
	}
	return true
}

// Matches reports whether the event starts the workflow.
func (t Triggers) Matches(event Event) bool {
	filter, ok := t[event.Name]
	if !ok {
		return false
	}
	if filter == nil {
		return true
	}

	switch event.Name {
	case "pull_request", "pull_request_target":
		return filter.matchBranch(strings.TrimPrefix(event.BaseRef, "refs/heads/"))
	case "push":
		if tag := strings.TrimPrefix(event.Ref, "refs/tags/"); tag != event.Ref {
			if !filter.hasTagFilter() {
				return !filter.hasBranchFilter()
			}
			return filter.matchTag(tag)
		}

		branch := strings.TrimPrefix(event.Ref, "refs/heads/")
		if !filter.hasBranchFilter() {
			return !filter.hasTagFilter()
		}
		return filter.matchBranch(branch)
	}

	return true
}
