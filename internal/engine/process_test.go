package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcControlFirstCauseWins(t *testing.T) {
	p := newProcControl()

	assert.True(t, p.request(causeTimeout))
	assert.False(t, p.request(causeStop))
	assert.False(t, p.request(causeShutdown))

	state, cause := p.snapshot()
	assert.Equal(t, stateStopRequested, state)
	assert.Equal(t, causeTimeout, cause)

	got, ok := p.beginTerminating()
	assert.True(t, ok)
	assert.Equal(t, causeTimeout, got)
	_, ok = p.beginTerminating()
	assert.False(t, ok, "terminating is entered once")

	assert.Equal(t, causeTimeout, p.terminated())
	state, _ = p.snapshot()
	assert.Equal(t, stateTerminated, state)
	assert.False(t, p.request(causeStop), "no requests after exit")
}

func TestProcControlNaturalExit(t *testing.T) {
	p := newProcControl()
	assert.Equal(t, causeNone, p.terminated())
	assert.False(t, p.request(causeStop))
}

func TestProcControlWakeNeverBlocks(t *testing.T) {
	p := newProcControl()
	assert.True(t, p.request(causeStop))
	// A second nudge with a full channel must not block.
	select {
	case p.wake <- struct{}{}:
		t.Fatal("wake channel should already hold a nudge")
	default:
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "running", stateRunning.String())
	assert.Equal(t, "stop_requested", stateStopRequested.String())
	assert.Equal(t, "terminating", stateTerminating.String())
	assert.Equal(t, "terminated", stateTerminated.String())
	assert.Equal(t, "timeout", causeTimeout.String())
}
