package scan

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchGlob(t *testing.T) {
	keys := []string{"key1", "key2", "anotherkey", "users/1", "users/2/avatar"}

	for _, testCase := range []struct {
		name     string
		glob     string
		expected []string
	}{
		{name: "match all", glob: "*", expected: keys},
		{name: "match with ?", glob: "key?", expected: []string{"key1", "key2"}},
		{name: "match with * at the end", glob: "key*", expected: []string{"key1", "key2"}},
		{name: "match with * at the beginning", glob: "*key", expected: []string{"anotherkey"}},
		{name: "match with multiple *", glob: "*key*", expected: []string{"key1", "key2", "anotherkey"}},
		{name: "star crosses slashes", glob: "users/*", expected: []string{"users/1", "users/2/avatar"}},
		{name: "character class", glob: "key[2-9]", expected: []string{"key2"}},
		{name: "negated class", glob: "key[!2]", expected: []string{"key1"}},
		{name: "alternatives", glob: "{key1,users/1}", expected: []string{"key1", "users/1"}},
		{name: "no match", glob: "nomatch", expected: nil},
		{name: "invalid pattern", glob: "key[", expected: nil},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			got := slices.Collect(MatchGlob(testCase.glob, slices.Values(keys)))
			assert.Equal(t, testCase.expected, got)
		})
	}
}

func TestMatchGlob_StopsEarly(t *testing.T) {
	var got []string
	for key := range MatchGlob("*", slices.Values([]string{"a", "b", "c"})) {
		got = append(got, key)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
