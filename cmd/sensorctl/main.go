// Command sensorctl is a thin demonstration CLI over the evaluation core:
// it loads a sensor-set YAML file, wires a stub state provider backed by a
// flat YAML fixture file of "entity-id: value" pairs, runs one evaluation
// cycle, and prints the
// resulting publications. It exists purely as a driver for manual testing
// and examples — the engine itself has no CLI surface of its own, per spec
// §1's "the CLI/integration embedding this engine owns all I/O". Grounded
// on the go-dws example's cmd/<name>/cmd package layout (a package-level
// rootCmd plus one file per subcommand, each registering itself via
// AddCommand from init()).
package main

import (
	"fmt"
	"os"

	"github.com/r3e-network/formula-engine/cmd/sensorctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
