package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const globMaskPrefix = "glob:"

// Mask is one configured filename pattern. Plain masks are regular expressions
// searched anywhere in the name; masks starting with "glob:" are doublestar
// globs matched against the whole name. Matching ignores case, like the
// name comparison in the diff.
type Mask struct {
	Pattern string
	regex   *regexp.Regexp
	glob    string
}

func (m *Mask) Match(name string) bool {
	if m.regex != nil {
		return m.regex.MatchString(name)
	}
	ok, _ := doublestar.Match(m.glob, strings.ToLower(name))
	return ok
}

type MaskSet struct {
	masks []*Mask
}

func CompileMasks(patterns []string) (*MaskSet, error) {
	set := &MaskSet{masks: make([]*Mask, 0, len(patterns))}
	for _, pattern := range patterns {
		mask, compileErr := compileMask(pattern)
		if compileErr != nil {
			return nil, newSyncError(ConfigError, "compile mask", pattern, compileErr)
		}
		set.masks = append(set.masks, mask)
	}

	return set, nil
}

func compileMask(pattern string) (*Mask, error) {
	if glob, ok := strings.CutPrefix(pattern, globMaskPrefix); ok {
		if !doublestar.ValidatePattern(glob) {
			return nil, fmt.Errorf("invalid glob %q", glob)
		}
		return &Mask{Pattern: pattern, glob: strings.ToLower(glob)}, nil
	}

	regex, regexErr := regexp.Compile("(?i)" + pattern)
	if regexErr != nil {
		return nil, regexErr
	}
	return &Mask{Pattern: pattern, regex: regex}, nil
}

// Match reports whether name matches at least one mask. An empty set matches nothing.
func (s *MaskSet) Match(name string) bool {
	if s == nil {
		return false
	}
	for _, mask := range s.masks {
		if mask.Match(name) {
			return true
		}
	}
	return false
}

func (s *MaskSet) Masks() []*Mask {
	if s == nil {
		return nil
	}
	return s.masks
}

func (s *MaskSet) Len() int {
	return len(s.Masks())
}
