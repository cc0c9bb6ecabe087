// Package glob matches usernames against shell-style patterns (*, ?, [...]).
// Per the design notes, pattern matching must use a dedicated glob matcher
// rather than a regex translation; this wraps gobwas/glob.
package glob

import "github.com/gobwas/glob"

// Match reports whether name satisfies pattern. An empty pattern behaves as
// "*" (matches everything). A malformed pattern matches nothing rather than
// erroring, since SearchUsers has no error reply for bad patterns.
func Match(pattern, name string) bool {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(name)
}
