package chaos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/blockade/pkg/types"
)

// fakeDriver is a TopologyDriver recording every call it receives, safe
// for concurrent use since the chaos timer callback fires on its own
// goroutine.
type fakeDriver struct {
	mu       sync.Mutex
	statuses []*types.LiveContainer
	slowed   [][]string
	started  [][]string
	stopped  [][]string
	joined   int
}

func (f *fakeDriver) Status(ctx context.Context) ([]*types.LiveContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses, nil
}

func (f *fakeDriver) Start(ctx context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, names)
	return nil
}

func (f *fakeDriver) Stop(ctx context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, names)
	return nil
}

func (f *fakeDriver) Flaky(ctx context.Context, names []string) error { return nil }

func (f *fakeDriver) Slow(ctx context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slowed = append(f.slowed, names)
	return nil
}

func (f *fakeDriver) Duplicate(ctx context.Context, names []string) error { return nil }

func (f *fakeDriver) Fast(ctx context.Context, names []string) error { return nil }

func (f *fakeDriver) Partition(ctx context.Context, input types.PartitionSet) error { return nil }

func (f *fakeDriver) Join(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined++
	return nil
}

func (f *fakeDriver) slowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.slowed)
}

// TestChaosHappyPath is the literal chaos happy-path scenario: a session
// over two UP containers, with start/run bounds of 1ms..100ms and only
// the SLOW event enabled, must apply at least one slow event within
// 300ms of creation.
func TestChaosHappyPath(t *testing.T) {
	driver := &fakeDriver{statuses: []*types.LiveContainer{
		{Name: "c1", Status: types.StatusUp},
		{Name: "c2", Status: types.StatusUp},
	}}

	engine := NewEngine()
	bounds := types.ChaosBounds{
		MinStartDelayMs:     1,
		MaxStartDelayMs:     1,
		MinRunTimeMs:        100,
		MaxRunTimeMs:        100,
		MinContainersAtOnce: 1,
		MaxContainersAtOnce: 1,
		MinEventsAtOnce:     1,
		MaxEventsAtOnce:     1,
		Events:              []types.ChaosEventKind{types.ChaosSlow},
	}

	_, err := engine.New("topo", driver, bounds)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return driver.slowCount() >= 1
	}, 300*time.Millisecond, 5*time.Millisecond)
}

// TestChaosStopThenDeleteTransitionsToDone exercises the documented
// STOPPED -> DONE transition, and that the engine forgets the session
// afterward.
func TestChaosStopThenDeleteTransitionsToDone(t *testing.T) {
	driver := &fakeDriver{statuses: nil}
	engine := NewEngine()

	bounds := types.DefaultChaosBounds()
	bounds.MinStartDelayMs = 60_000 // long enough that the timer never fires during the test
	bounds.MaxStartDelayMs = 60_000

	session, err := engine.New("topo", driver, bounds)
	require.NoError(t, err)
	assert.Equal(t, types.ChaosHealthy, session.State())

	require.NoError(t, engine.Stop("topo"))
	assert.Equal(t, types.ChaosStopped, session.State())

	require.NoError(t, engine.Delete("topo"))
	assert.Equal(t, types.ChaosDone, session.State())
	assert.False(t, engine.Exists("topo"))
}

func TestChaosDeleteIsIdempotentlyRejectedAfterward(t *testing.T) {
	driver := &fakeDriver{}
	engine := NewEngine()
	bounds := types.DefaultChaosBounds()
	bounds.MinStartDelayMs, bounds.MaxStartDelayMs = 60_000, 60_000

	_, err := engine.New("topo", driver, bounds)
	require.NoError(t, err)
	require.NoError(t, engine.Stop("topo"))
	require.NoError(t, engine.Delete("topo"))

	err = engine.Delete("topo")
	assert.Error(t, err)
}

func TestChaosNewRejectsDuplicateSession(t *testing.T) {
	driver := &fakeDriver{}
	engine := NewEngine()
	bounds := types.DefaultChaosBounds()
	bounds.MinStartDelayMs, bounds.MaxStartDelayMs = 60_000, 60_000

	_, err := engine.New("topo", driver, bounds)
	require.NoError(t, err)

	_, err = engine.New("topo", driver, bounds)
	assert.Error(t, err)
}

func TestChaosStatusUnknownSessionErrors(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Status("ghost")
	assert.Error(t, err)
}

func TestSessionFireRejectsInvalidTransition(t *testing.T) {
	driver := &fakeDriver{}
	session := newSession("topo", driver, types.DefaultChaosBounds())
	// a brand new session has not seen START, so STOP is invalid
	err := session.Fire(types.EventStop)
	require.Error(t, err)
	assert.IsType(t, &types.InvalidTransitionError{}, err)
}
