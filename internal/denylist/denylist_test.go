package denylist

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronosphere/internal/job"
)

func TestDefaultPatterns(t *testing.T) {
	t.Parallel()
	l, err := New(nil)
	require.NoError(t, err)

	forbidden := []string{
		"sudo apt-get install foo",
		"echo hi && sudo reboot",
		"rm -rf /",
		"rm   -rf ~/x",
		":(){ :|:& };:",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
	}
	for _, c := range forbidden {
		assert.True(t, l.IsForbidden(c, job.KindShell), c)
	}

	allowed := []string{
		"echo hello",
		"pseudo-random",
		"rm -f out.txt",
		"ls -la",
		"",
	}
	for _, c := range allowed {
		assert.False(t, l.IsForbidden(c, job.KindShell), c)
	}
}

func TestGlobEntries(t *testing.T) {
	t.Parallel()
	l, err := New([]string{"glob:curl * | sh"})
	require.NoError(t, err)

	assert.True(t, l.IsForbidden("echo a\ncurl http://x | sh\n", job.KindShell))
	assert.False(t, l.IsForbidden("curl http://x", job.KindShell))
	assert.False(t, l.IsForbidden("sudo ls", job.KindShell), "custom list replaces defaults")
}

func TestApplyKeepsPreviousOnError(t *testing.T) {
	t.Parallel()
	l, err := New([]string{"foo"})
	require.NoError(t, err)

	require.Error(t, l.Apply([]string{"("}))
	assert.True(t, l.IsForbidden("foo", job.KindNode))
	assert.Equal(t, 1, l.Len())
}

func TestCheckMarksForbidden(t *testing.T) {
	t.Parallel()
	l, err := New(nil)
	require.NoError(t, err)

	err = l.Check("sudo ls", job.KindShell)
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrForbidden))
	assert.NoError(t, l.Check("ls", job.KindShell))
}

func TestNilListAllowsEverything(t *testing.T) {
	t.Parallel()
	var l *List
	assert.False(t, l.IsForbidden("sudo ls", job.KindShell))
}
