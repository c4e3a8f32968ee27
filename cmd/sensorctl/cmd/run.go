package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/dependency"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/phase"
	"github.com/r3e-network/formula-engine/internal/ports"
	"github.com/r3e-network/formula-engine/internal/sensorcycle"
	"github.com/r3e-network/formula-engine/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statesFile string

var runCmd = &cobra.Command{
	Use:   "run [sensor-set.yaml]",
	Short: "Load a sensor set and run one evaluation cycle",
	Long: `Run loads a sensor-set YAML file (the same dialect import_yaml
accepts), wires a stub state provider backed by --states, runs one
evaluation cycle across every sensor in the set, and prints each
publication.

Example:
  sensorctl run sensors.yaml --states fixtures/states.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSensorSet,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&statesFile, "states", "", "path to a flat entity-id: value YAML fixture")
}

func runSensorSet(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	setPath := args[0]

	text, err := os.ReadFile(setPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", setPath, err)
	}

	store := storage.NewMemory(nil)
	const setID = "cli"
	if _, err := store.CreateSensorSet(ctx, setID, ""); err != nil {
		return err
	}
	if err := store.ImportYAML(ctx, setID, string(text)); err != nil {
		return fmt.Errorf("importing sensor set: %w", err)
	}
	set, err := store.GetSensorSet(ctx, setID)
	if err != nil {
		return err
	}
	if problems := storage.ValidateSensorSet(set); len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "warning: %s\n", p)
		}
	}

	state, err := loadStateFixture(statesFile)
	if err != nil {
		return err
	}

	engine := expr.NewEngine(nil)
	analysisSvc := analysis.NewService(engine)
	manager := dependency.NewManager(analysisSvc)
	evaluator := phase.NewEvaluator(engine, analysisSvc, manager)
	orch := sensorcycle.NewOrchestrator(evaluator, analysisSvc, manager, nil)
	orch.State = state

	pubs, err := orch.RunSet(ctx, set)
	if err != nil {
		return fmt.Errorf("running sensor set: %w", err)
	}

	for _, p := range pubs {
		fmt.Printf("%s = %s\n", p.EntityID, p.Value.String())
		if verbose && len(p.Attributes) > 0 {
			for k, v := range p.Attributes {
				fmt.Printf("  %s: %v\n", k, v)
			}
		}
	}
	return nil
}

// fixtureState is a trivial ports.StateProvider backed by a flat map
// loaded from a YAML file of entity-id: value pairs. Enumerate implements
// the subset of collection-pattern selectors a standalone fixture can
// reasonably answer: "domain:<prefix>" (entity ids starting with
// "<prefix>.") and "all" (every known entity).
type fixtureState struct {
	values map[string]any
}

func loadStateFixture(path string) (*fixtureState, error) {
	fs := &fixtureState{values: make(map[string]any)}
	if path == "" {
		return fs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading states fixture %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &fs.values); err != nil {
		return nil, fmt.Errorf("parsing states fixture: %w", err)
	}
	return fs, nil
}

func (f *fixtureState) GetState(_ context.Context, entityID string) (ports.StateResult, error) {
	v, ok := f.values[entityID]
	return ports.StateResult{Value: v, Exists: ok}, nil
}

func (f *fixtureState) GetAttribute(_ context.Context, entityID, key string) (any, error) {
	return nil, fmt.Errorf("no attribute %q recorded for %q in fixture", key, entityID)
}

func (f *fixtureState) Enumerate(_ context.Context, selectorSpec string) ([]string, error) {
	selectorSpec = strings.TrimSpace(selectorSpec)
	if selectorSpec == "all" {
		var out []string
		for id := range f.values {
			out = append(out, id)
		}
		return out, nil
	}
	if prefix, ok := strings.CutPrefix(selectorSpec, "domain:"); ok {
		var out []string
		for id := range f.values {
			if strings.HasPrefix(id, prefix+".") {
				out = append(out, id)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("fixture state provider cannot enumerate selector %q", selectorSpec)
}
