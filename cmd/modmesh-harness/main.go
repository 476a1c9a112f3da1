package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/modmesh/modmesh/harness"
)

func main() {
	quiet := flag.Bool("quiet", false, "suppress the summary on stderr")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: modmesh-harness [-quiet] <vector.json> [vector2.json ...]")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	state := harness.NewState()
	results := make([]harness.Result, 0, len(paths))
	for _, path := range paths {
		state.Reset()
		results = append(results, harness.RunFile(path, state))
	}

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode results:", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n=== Test Summary ===\n")
		fmt.Fprintf(os.Stderr, "Passed: %d/%d (%.1f%%)\n",
			passed, len(results), 100.0*float64(passed)/float64(len(results)))
	}
	if passed != len(results) {
		os.Exit(1)
	}
}
