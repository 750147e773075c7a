// Larder filters cache keys with Redis style glob patterns (KEYS, SCAN MATCH): `*` matches any run of characters,
// `/` included, so "users/*" matches every key of the "users" namespace; `?` matches one character; `[abc]`,
// `[a-z]` and `[!a]` match character classes; `{a,b}` matches alternatives.

package scan

import (
	"iter"

	"github.com/gobwas/glob"
)

// MatchGlob yields the keys of `keys` matching `pattern`, in order. An invalid pattern matches nothing.
func MatchGlob(pattern string, keys iter.Seq[string]) iter.Seq[string] {
	compiled, err := glob.Compile(pattern) // No separators: `*` crosses namespace boundaries.
	if err != nil {
		return func(yield func(string) bool) {}
	}
	return func(yield func(string) bool) {
		for key := range keys {
			if compiled.Match(key) {
				if !yield(key) {
					return
				}
			}
		}
	}
}
