package debugger

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemcp/probemcp/pkg/probe"
	"github.com/probemcp/probemcp/pkg/probe/fake"
	"github.com/probemcp/probemcp/service/api"
)

func twoProbes() *fake.Driver {
	return fake.NewDriver(
		fake.NewProbe("fake-0", "SIM-0001"),
		fake.NewProbe("fake-1", "SIM-0002"),
	)
}

func TestRegistryListProbes(t *testing.T) {
	r := NewRegistry(testConfig(twoProbes()))
	descs, err := r.ListProbes()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "fake-0", descs[0].ID)
	assert.Equal(t, "SIM-0002", descs[1].Serial)
}

func TestRegistryConnectGetDisconnect(t *testing.T) {
	r := NewRegistry(testConfig(twoProbes()))
	t.Cleanup(r.CloseAll)

	d, err := r.Connect("auto", fake.DefaultChip, 4000, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.ID(), "session-"))
	assert.Equal(t, 1, r.Count())

	got, err := r.Get(d.ID())
	require.NoError(t, err)
	assert.Same(t, d, got)

	_, err = r.Get("session-ffffffff")
	assertCode(t, err, api.NotConnected)

	require.NoError(t, r.Disconnect(d.ID()))
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, api.StateDisconnected, d.State())

	// Disconnecting an unknown handle is a no-op.
	require.NoError(t, r.Disconnect(d.ID()))
}

func TestRegistryDistinctSessions(t *testing.T) {
	r := NewRegistry(testConfig(twoProbes()))
	t.Cleanup(r.CloseAll)

	d1, err := r.Connect("fake-0", fake.DefaultChip, 0, false)
	require.NoError(t, err)
	d2, err := r.Connect("fake-1", fake.DefaultChip, 0, false)
	require.NoError(t, err)
	assert.NotEqual(t, d1.ID(), d2.ID())
	assert.Equal(t, 2, r.Count())

	// Sessions are independent: killing one leaves the other working.
	require.NoError(t, r.Disconnect(d1.ID()))
	_, err = d2.Status()
	require.NoError(t, err)
}

func TestRegistryProbeBusy(t *testing.T) {
	r := NewRegistry(testConfig(twoProbes()))
	t.Cleanup(r.CloseAll)

	_, err := r.Connect("fake-0", fake.DefaultChip, 0, false)
	require.NoError(t, err)
	_, err = r.Connect("fake-0", fake.DefaultChip, 0, false)
	assertCode(t, err, api.TargetAttachFailed)
}

func TestRegistrySessionLimit(t *testing.T) {
	cfg := testConfig(twoProbes())
	cfg.MaxSessions = 1
	r := NewRegistry(cfg)
	t.Cleanup(r.CloseAll)

	d, err := r.Connect("fake-0", fake.DefaultChip, 0, false)
	require.NoError(t, err)

	_, err = r.Connect("fake-1", fake.DefaultChip, 0, false)
	assertCode(t, err, api.InvalidParameter)

	// Disconnecting frees the slot.
	require.NoError(t, r.Disconnect(d.ID()))
	_, err = r.Connect("fake-1", fake.DefaultChip, 0, false)
	require.NoError(t, err)
}

// gatedDriver blocks Open until released, keeping a connect in flight for as
// long as a test needs it there.
type gatedDriver struct {
	*fake.Driver
	release chan struct{}

	mu    sync.Mutex
	opens int
}

func (g *gatedDriver) Open(id string) (probe.Probe, error) {
	g.mu.Lock()
	g.opens++
	g.mu.Unlock()
	<-g.release
	return g.Driver.Open(id)
}

func (g *gatedDriver) openCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens
}

func TestRegistrySessionLimitHoldsDuringConnect(t *testing.T) {
	gd := &gatedDriver{Driver: twoProbes(), release: make(chan struct{})}
	cfg := &Config{Driver: gd, RTTPollInterval: time.Millisecond, MaxSessions: 1}
	r := NewRegistry(cfg)
	t.Cleanup(r.CloseAll)

	done := make(chan error, 1)
	go func() {
		_, err := r.Connect("fake-0", fake.DefaultChip, 0, false)
		done <- err
	}()
	require.Eventually(t, func() bool { return gd.openCount() == 1 }, time.Second, time.Millisecond)

	// The first connect is still talking to hardware, but its slot is
	// already reserved: a second connect must not reach the driver.
	_, err := r.Connect("fake-1", fake.DefaultChip, 0, false)
	assertCode(t, err, api.InvalidParameter)
	assert.Equal(t, 1, gd.openCount())

	close(gd.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryFailedConnectFreesSlot(t *testing.T) {
	cfg := testConfig(twoProbes())
	cfg.MaxSessions = 1
	r := NewRegistry(cfg)
	t.Cleanup(r.CloseAll)

	_, err := r.Connect("fake-0", "WRONG_CHIP", 0, false)
	assertCode(t, err, api.TargetAttachFailed)

	_, err = r.Connect("fake-0", fake.DefaultChip, 0, false)
	require.NoError(t, err)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(testConfig(twoProbes()))
	d1, err := r.Connect("fake-0", fake.DefaultChip, 0, false)
	require.NoError(t, err)
	d2, err := r.Connect("fake-1", fake.DefaultChip, 0, false)
	require.NoError(t, err)

	r.CloseAll()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, api.StateDisconnected, d1.State())
	assert.Equal(t, api.StateDisconnected, d2.State())
}
