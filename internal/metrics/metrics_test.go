package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg)) // second call is a no-op

	IncStart()
	IncStart()
	IncRestart()
	IncCommand("start", "ok")
	IncCommand("start", "error")
	IncCommand("status", "ok")
	SetState("active", true)
	SetState("inactive", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(workerStarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(workerRestarts))
	assert.Equal(t, 0.0, testutil.ToFloat64(workerStops))
	assert.Equal(t, 1.0, testutil.ToFloat64(helperCommands.WithLabelValues("start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(helperCommands.WithLabelValues("start", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(supervisorStates.WithLabelValues("active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(supervisorStates.WithLabelValues("inactive")))
}
