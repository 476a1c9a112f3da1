package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modmesh/modmesh/mesh"
)

func TestScenarioValidate(t *testing.T) {
	valid := DefaultScenario()
	require.NoError(t, valid.Validate())

	bad := DefaultScenario()
	bad.Rows = 0
	assert.Error(t, bad.Validate())

	bad = DefaultScenario()
	bad.Ticks = -1
	assert.Error(t, bad.Validate())

	bad = DefaultScenario()
	bad.MinLoad = 0.9
	bad.MaxLoad = 0.1
	assert.Error(t, bad.Validate())
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: smoke
rows: 2
cols: 2
ticks: 50
seed: 7
failures:
  - tick: 10
    module: 4
`), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", scenario.Name)
	assert.Equal(t, 2, scenario.Rows)
	assert.Equal(t, 50, scenario.Ticks)
	// Unset fields keep defaults.
	assert.Equal(t, int64(1000), scenario.TickMicros)
	require.Len(t, scenario.Failures, 1)
	assert.Equal(t, uint32(4), scenario.Failures[0].Module)
}

func TestLoadScenarioInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rows: 0\n"), 0o644))
	_, err := LoadScenario(path)
	assert.Error(t, err)

	_, err = LoadScenario(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSimulationGridWiring(t *testing.T) {
	scenario := DefaultScenario()
	scenario.Ticks = 10

	sim, err := New(scenario)
	require.NoError(t, err)
	assert.Equal(t, 9, sim.Registry().Count())

	_, err = sim.Run()
	require.NoError(t, err)

	// A 3x3 grid gives every module 7 or 8 candidates; all end Active.
	stats := sim.Stats()
	assert.Equal(t, 9, stats.Modules)
	assert.Equal(t, 9, stats.States[mesh.StateActive.String()])
}

func TestSimulationConverges(t *testing.T) {
	scenario := DefaultScenario()
	scenario.Ticks = 300
	scenario.Seed = 42

	sim, err := New(scenario)
	require.NoError(t, err)

	history, err := sim.Run()
	require.NoError(t, err)
	require.Len(t, history, 300)

	first := history[0]
	last := history[len(history)-1]
	assert.Less(t, last.Spread(), first.Spread(), "load spread should shrink")
	assert.Less(t, last.Spread(), 0.05)
	assert.Less(t, last.StdDev, 0.02)
}

func TestSimulationScriptedFailure(t *testing.T) {
	scenario := DefaultScenario()
	scenario.Ticks = 100
	scenario.Failures = []Failure{{Tick: 20, Module: 5}}

	sim, err := New(scenario)
	require.NoError(t, err)

	history, err := sim.Run()
	require.NoError(t, err)

	assert.Equal(t, 9, history[10].Modules)
	last := history[len(history)-1]
	assert.Equal(t, 8, last.Modules)
	// Survivors re-elect around the hole and stay active.
	assert.Equal(t, 8, last.States[mesh.StateActive.String()])
}

func TestSimulationDeterministic(t *testing.T) {
	run := func() Stats {
		scenario := DefaultScenario()
		scenario.Ticks = 80
		scenario.Seed = 7
		sim, err := New(scenario)
		require.NoError(t, err)
		_, err = sim.Run()
		require.NoError(t, err)
		return sim.Stats()
	}

	a, b := run(), run()
	assert.Equal(t, a.MinLoad, b.MinLoad)
	assert.Equal(t, a.MaxLoad, b.MaxLoad)
	assert.Equal(t, a.AvgLoad, b.AvgLoad)
}

func TestSimulationSeedChangesLoads(t *testing.T) {
	final := func(seed int64) float64 {
		scenario := DefaultScenario()
		scenario.Ticks = 5
		scenario.Seed = seed
		sim, err := New(scenario)
		require.NoError(t, err)
		_, err = sim.Run()
		require.NoError(t, err)
		return sim.Stats().AvgLoad
	}
	assert.NotEqual(t, final(1), final(2))
}
