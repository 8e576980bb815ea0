package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileTypeFilter_DottedAndUndottedEquivalent(t *testing.T) {
	f1 := NewFileTypeFilter([]string{".rs"}, nil)
	f2 := NewFileTypeFilter([]string{"rs"}, nil)

	assert.True(t, f1.Allows("main.rs"))
	assert.True(t, f2.Allows("main.rs"))
	assert.False(t, f1.Allows("main.go"))
}

func TestFileTypeFilter_EmptyIncludeAllowsEverything(t *testing.T) {
	f := NewFileTypeFilter(nil, nil)
	assert.True(t, f.Allows("anything.xyz"))
}

func TestFileTypeFilter_ExcludeTakesPrecedence(t *testing.T) {
	f := NewFileTypeFilter([]string{"go"}, []string{"go"})
	assert.False(t, f.Allows("main.go"))
}

func TestFileTypeFilter_WholeComponentMatch(t *testing.T) {
	f := NewFileTypeFilter([]string{"test"}, nil)
	assert.True(t, f.Allows("test.go"))
	assert.True(t, f.Allows("test-helper.sh"))
	assert.False(t, f.Allows("contest.go"), "prefix must be followed by . - or _")
	assert.False(t, f.Allows("foo_test.go"), "match is against the whole basename, not a substring")
}

func TestFileTypeFilter_ExactFilenameMatch(t *testing.T) {
	f := NewFileTypeFilter([]string{"Dockerfile"}, nil)
	assert.True(t, f.Allows("Dockerfile"))
}
