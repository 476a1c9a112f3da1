package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/modmesh/modmesh/sim"
)

func main() {
	scenarioPath := flag.String("scenario", "", "path to a YAML scenario (default scenario if empty)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	scenario := sim.DefaultScenario()
	if *scenarioPath != "" {
		loaded, err := sim.LoadScenario(*scenarioPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load scenario:", err)
			os.Exit(1)
		}
		scenario = *loaded
	}

	simulation, err := sim.New(scenario)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build simulation:", err)
		os.Exit(1)
	}

	history, err := simulation.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}

	final := history[len(history)-1]
	fmt.Printf("run %s finished after %d ticks\n", simulation.RunID, final.Tick)
	fmt.Printf("modules: %d\n", final.Modules)
	fmt.Printf("load: min=%.4f avg=%.4f max=%.4f spread=%.4f stddev=%.4f\n",
		final.MinLoad, final.AvgLoad, final.MaxLoad, final.Spread(), final.StdDev)
	for state, count := range final.States {
		fmt.Printf("state %s: %d\n", state, count)
	}
}
