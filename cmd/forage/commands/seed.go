package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/target"
)

// SeedCmd adds targets to the shared store.
var SeedCmd = &cobra.Command{
	Use:   "seed [seed...]",
	Short: "Add targets",
	Long: `Add planned targets for a module. Seeds come from --seed, arguments, or one
per line from --file ("-" reads stdin). Blank lines and lines starting with #
are skipped.

The group key identifies a target. A single seed takes --group as its key;
with several seeds each key is <group>/<seed>. Without --group the seed itself
is the key. Seeding a key that already exists leaves that target untouched.

Examples:
  forage seed --module linkcrawl --group acme --seed https://acme.example/
  forage seed --module browser --group q3 --priority 10 --file seeds.txt`,
	RunE: runSeed,
}

func init() {
	SeedCmd.Flags().String("group", "", "Group key (prefix when seeding several)")
	SeedCmd.Flags().StringSlice("seed", nil, "Seed unit, e.g. a start URL (repeatable)")
	SeedCmd.Flags().String("module", "", "Module that executes the targets (required)")
	SeedCmd.Flags().Int("priority", 100, "Priority, lower runs first")
	SeedCmd.Flags().String("file", "", "Read seeds from this file, one per line")
	_ = SeedCmd.MarkFlagRequired("module")
}

func runSeed(cmd *cobra.Command, args []string) error {
	group, _ := cmd.Flags().GetString("group")
	module, _ := cmd.Flags().GetString("module")
	priority, _ := cmd.Flags().GetInt("priority")
	file, _ := cmd.Flags().GetString("file")

	seeds, _ := cmd.Flags().GetStringSlice("seed")
	seeds = append(seeds, args...)
	if file != "" {
		fromFile, err := readSeeds(file)
		if err != nil {
			return err
		}
		seeds = append(seeds, fromFile...)
	}
	if len(seeds) == 0 {
		return errors.NewInvalidRequestError("no seeds given")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.Modules.Get(module) == nil {
		return errors.NewInvalidRequestError(fmt.Sprintf("unknown module %q (available: %s)", module, strings.Join(rt.Modules.Names(), ", ")))
	}

	batch := make([]target.NewTarget, 0, len(seeds))
	for _, s := range seeds {
		batch = append(batch, target.NewTarget{
			GroupKey: groupKeyFor(group, s, len(seeds) > 1),
			Module:   module,
			Seed:     s,
			Priority: priority,
		})
	}
	added, err := rt.Targets.Seed(cmd.Context(), batch)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Added %d target(s) for %s (%d already present)\n", added, pterm.Yellow(module), len(batch)-added)
	return nil
}

func groupKeyFor(group, seed string, several bool) string {
	switch {
	case group == "":
		return seed
	case several:
		return group + "/" + seed
	default:
		return group
	}
}

func readSeeds(path string) ([]string, error) {
	f := os.Stdin
	if path != "-" {
		opened, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open seed file %s", path)
		}
		defer opened.Close()
		f = opened
	}

	var seeds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read seed file %s", path)
	}
	return seeds, nil
}
