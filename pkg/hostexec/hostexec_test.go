package hostexec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/blockade/pkg/types"
)

// TestIsQdiscMissing is the literal qdisc-already-gone scenario: a
// restore() against an interface with no qdisc installed exits 2 with
// "No such file or directory" in its output, and must be recognized as
// the harmless already-clean case.
func TestIsQdiscMissing(t *testing.T) {
	err := &types.HostExecError{ExitCode: 2, Output: "RTNETLINK answers: No such file or directory"}
	assert.True(t, IsQdiscMissing(err))
}

func TestIsQdiscMissingWrongExitCode(t *testing.T) {
	err := &types.HostExecError{ExitCode: 1, Output: "No such file or directory"}
	assert.False(t, IsQdiscMissing(err))
}

func TestIsQdiscMissingWrongMessage(t *testing.T) {
	err := &types.HostExecError{ExitCode: 2, Output: "permission denied"}
	assert.False(t, IsQdiscMissing(err))
}

func TestIsQdiscMissingNonHostExecError(t *testing.T) {
	assert.False(t, IsQdiscMissing(errors.New("boom")))
}

func TestNewAppliesOptionsOverDefaults(t *testing.T) {
	e := New(nil, WithImage("custom:latest"), WithContainerPrefix("myprefix"))
	assert.Equal(t, "custom:latest", e.image)
	assert.Equal(t, "myprefix", e.prefix)
	assert.Equal(t, DefaultTimeout, e.timeout)
	assert.Equal(t, DefaultExpire, e.expire)
}

func TestNewDefaultsPrefixWhenEnvUnset(t *testing.T) {
	t.Setenv(PrefixEnvVar, "")
	e := New(nil)
	assert.Equal(t, DefaultContainerPrefix, e.prefix)
}

func TestNewHonorsPrefixEnvVar(t *testing.T) {
	t.Setenv(PrefixEnvVar, "env-prefix")
	e := New(nil)
	assert.Equal(t, "env-prefix", e.prefix)
}
