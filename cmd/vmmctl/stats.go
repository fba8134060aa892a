package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"github.com/vkngwrapper/orbismem/vmm"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	statsDetailed bool
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().BoolVar(&statsDetailed, "detailed", false, "Include every region and direct memory extent")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [script.json]",
		Short: "Show statistics of a manager",
		Long: `The stats command shows region, direct memory, budget and pool statistics of a
fresh manager, or of the manager left behind by a script.

Example:
  vmmctl stats
  vmmctl stats scenario.json --json --detailed`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.OutOrStdout(), args)
		},
	}
	return cmd
}

func runStats(out io.Writer, args []string) error {
	descriptors := newDescriptors()
	defer func() {
		_ = descriptors.CloseAll()
	}()

	manager, err := newManager(newLogger(), descriptors)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrap(err, "failed to read script")
		}
		steps, err := ParseScript(data)
		if err != nil {
			return err
		}
		_, err = NewRunner(manager, descriptors).Run(steps)
		if err != nil {
			return err
		}
	}

	if jsonOut {
		_, err = fmt.Fprintln(out, manager.BuildStatsString(statsDetailed))
		return err
	}

	var stats vmm.Statistics
	manager.CalculateStatistics(&stats)
	printStats(out, manager, &stats)
	return nil
}

func printStats(out io.Writer, manager *vmm.Manager, stats *vmm.Statistics) {
	p := message.NewPrinter(language.English)

	p.Fprintf(out, "Platform: %s\n\n", manager.Platform())

	p.Fprintf(out, "Virtual address space:\n")
	printDetailed(p, out, &stats.Virtual)
	for _, kind := range []regions.Kind{regions.KindReserved, regions.KindFlexible, regions.KindDirect, regions.KindPooled, regions.KindFile, regions.KindDevice} {
		kindStats, ok := stats.ByKind[kind]
		if !ok {
			continue
		}
		p.Fprintf(out, "  %-10s %6d regions %16d bytes\n", kind.String()+":", kindStats.RegionCount, kindStats.RegionBytes)
	}

	p.Fprintf(out, "\nDirect memory (%d bytes):\n", manager.GetDirectMemorySize())
	printDetailed(p, out, &stats.Physical)

	p.Fprintf(out, "\nBudgets:\n")
	p.Fprintf(out, "  Flexible: %d bytes used, %d bytes available\n", stats.Flexible.RegionBytes, manager.AvailableFlexibleMemorySize())
	p.Fprintf(out, "  System:   %d bytes used\n", stats.System.RegionBytes)

	p.Fprintf(out, "\nMemory pool:\n")
	p.Fprintf(out, "  Available blocks: %d\n", stats.Pool.AvailableBlocks)
	p.Fprintf(out, "  Allocated blocks: %d\n", stats.Pool.AllocatedBlocks)
}

func printDetailed(p *message.Printer, out io.Writer, stats *memutils.DetailedStatistics) {
	p.Fprintf(out, "  Regions:   %d (%d bytes)\n", stats.RegionCount, stats.RegionBytes)
	p.Fprintf(out, "  Committed: %d (%d bytes)\n", stats.CommittedCount, stats.CommittedBytes)
	if stats.RegionCount > 0 {
		p.Fprintf(out, "  Sizes:     %d to %d bytes\n", stats.RegionSizeMin, stats.RegionSizeMax)
	}
	if stats.GapCount > 0 {
		p.Fprintf(out, "  Gaps:      %d (%d to %d bytes)\n", stats.GapCount, stats.GapSizeMin, stats.GapSizeMax)
	}
}
