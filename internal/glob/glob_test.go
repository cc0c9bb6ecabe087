package glob_test

import (
	"testing"

	"github.com/replikit/chatcluster/internal/glob"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"ali*", "alice", true},
		{"ali*", "bob", false},
		{"a?ice", "alice", true},
		{"a?ice", "alicex", false},
		{"[ab]ob", "bob", true},
		{"[ab]ob", "cob", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			t.Parallel()
			if got := glob.Match(tt.pattern, tt.name); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
			}
		})
	}
}

func TestMatchOnBadPatternNeverErrors(t *testing.T) {
	t.Parallel()
	if glob.Match("[", "anything") {
		t.Error("an uncompilable pattern should report no match, not panic")
	}
}
