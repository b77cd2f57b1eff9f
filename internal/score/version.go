package score

import (
	"strconv"
	"strings"
)

// CompareVersions compares software version strings loosely: versions
// are split into digit and letter runs on any of [._-], digit runs
// compare numerically, letter runs lexicographically, a digit run sorts
// before a letter run, and a shorter version sorts before a longer one
// sharing its prefix. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	at, bt := versionTokens(a), versionTokens(b)
	for i := 0; i < len(at) && i < len(bt); i++ {
		if c := compareToken(at[i], bt[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(at) < len(bt):
		return -1
	case len(at) > len(bt):
		return 1
	}
	return 0
}

func versionTokens(s string) []string {
	var out []string
	var cur strings.Builder
	var curDigit bool
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '.' || r == '_' || r == '-':
			flush()
		case r >= '0' && r <= '9':
			if cur.Len() > 0 && !curDigit {
				flush()
			}
			curDigit = true
			cur.WriteRune(r)
		default:
			if cur.Len() > 0 && curDigit {
				flush()
			}
			curDigit = false
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func compareToken(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aerr == nil:
		return -1 // numbers sort before letters
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
