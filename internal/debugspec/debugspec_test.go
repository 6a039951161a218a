package debugspec

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseEnvironmentPrefix(t *testing.T) {
	s, err := Parse("FOO=bar BAZ=qux gdb --args %program% %arguments%")
	assert.NilError(t, err)
	assert.Equal(t, s.Env["FOO"], "bar")
	assert.Equal(t, s.Env["BAZ"], "qux")
	assert.DeepEqual(t, s.Command, []string{"gdb", "--args", "%program%", "%arguments%"})
}

func TestParseFallsBackToLoginShellWithOnlyEnvironment(t *testing.T) {
	s, err := Parse("FOO=bar")
	assert.NilError(t, err)
	assert.Equal(t, s.Env["FOO"], "bar")
	assert.Assert(t, len(s.Command) > 0)
	assert.DeepEqual(t, s.Command[len(s.Command)-2:], []string{"-c", "%program% %arguments%"})
}

func TestTokenizeHandlesEscapes(t *testing.T) {
	s, err := Parse(`gdb --eval=foo\ bar --x`)
	assert.NilError(t, err)
	assert.DeepEqual(t, s.Command, []string{"gdb", "--eval=foo bar", "--x"})
}

func TestResolveAppendsMissingPlaceholders(t *testing.T) {
	s, err := Parse("strace -f")
	assert.NilError(t, err)
	got := s.Resolve("/usr/bin/hello", []string{"a", "b"})
	assert.DeepEqual(t, got, []string{"strace", "-f", "/usr/bin/hello", "a", "b"})
}

func TestResolveSubstitutesPlaceholders(t *testing.T) {
	s, err := Parse("gdb --args %program% %arguments%")
	assert.NilError(t, err)
	got := s.Resolve("/usr/bin/hello", []string{"a", "b"})
	assert.DeepEqual(t, got, []string{"gdb", "--args", "/usr/bin/hello", "a", "b"})
}
