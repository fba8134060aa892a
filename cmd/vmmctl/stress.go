package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/orbismem/vmm"
	"golang.org/x/sync/errgroup"
)

var (
	stressWorkers    int
	stressIterations int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressWorkers, "workers", 8, "Number of concurrent workers")
	cmd.Flags().IntVar(&stressIterations, "iterations", 1000, "Iterations per worker")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Hammer one manager from many goroutines and check its consistency",
		Long: `The stress command runs workers that map, access, protect and release flexible,
direct and pool memory on a shared manager, then validates the manager.

Example:
  vmmctl stress --workers 16 --iterations 5000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context(), cmd.OutOrStdout(), stressWorkers, stressIterations)
		},
	}
	return cmd
}

func runStress(ctx context.Context, out io.Writer, workers, iterations int) error {
	if workers <= 0 || iterations <= 0 {
		return errors.Newf("workers and iterations must be positive, got %d and %d", workers, iterations)
	}

	manager, err := newManager(newLogger(), nil)
	if err != nil {
		return err
	}

	// Every worker holds at most one committed pool block at a time
	_, err = manager.MemoryPoolExpand(0, int64(manager.GetDirectMemorySize()), uint64(workers)*vmm.PoolGranularity, 0)
	if err != nil {
		return err
	}

	var completed atomic.Int64
	group, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < workers; worker++ {
		worker := worker
		group.Go(func() error {
			for iteration := 0; iteration < iterations; iteration++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				err := stressIteration(manager, worker, iteration)
				if err != nil {
					return errors.Wrapf(err, "worker %d iteration %d", worker, iteration)
				}
				completed.Add(1)
			}
			return nil
		})
	}

	err = group.Wait()
	if err != nil {
		return err
	}
	err = manager.Validate()
	if err != nil {
		return errors.Wrap(err, "manager is inconsistent after the stress run")
	}

	fmt.Fprintf(out, "%d iterations on %d workers, flexible memory available %#x\n",
		completed.Load(), workers, manager.AvailableFlexibleMemorySize())
	return nil
}

func stressIteration(manager *vmm.Manager, worker, iteration int) error {
	pattern := bytes.Repeat([]byte{byte(worker), byte(iteration)}, 32)

	switch iteration % 3 {
	case 0:
		addr, err := manager.MapFlexible(0, 0x10000, vmm.ProtCPUReadWrite, 0)
		if err != nil {
			return err
		}
		err = checkRoundTrip(manager, addr+0x4000, pattern)
		if err != nil {
			return err
		}
		err = manager.Protect(addr, 0x4000, vmm.ProtCPURead)
		if err != nil {
			return err
		}
		return manager.Unmap(addr, 0x10000)

	case 1:
		phys, err := manager.AllocateMainDirectMemory(0x10000, 0, 0)
		if err != nil {
			return err
		}
		addr, err := manager.MapDirect(0, 0x10000, vmm.ProtCPUReadWrite, 0, phys, 0)
		if err != nil {
			return err
		}
		err = checkRoundTrip(manager, addr, pattern)
		if err != nil {
			return err
		}
		return manager.ReleaseDirectMemory(phys, 0x10000)

	default:
		addr, err := manager.MemoryPoolReserve(0, vmm.PoolGranularity, 0, 0)
		if err != nil {
			return err
		}
		err = manager.MemoryPoolCommit(addr, vmm.PoolGranularity, 0, vmm.ProtCPUReadWrite, 0)
		if err != nil {
			return err
		}
		err = checkRoundTrip(manager, addr, pattern)
		if err != nil {
			return err
		}
		err = manager.MemoryPoolDecommit(addr, vmm.PoolGranularity, 0)
		if err != nil {
			return err
		}
		return manager.Unmap(addr, vmm.PoolGranularity)
	}
}

func checkRoundTrip(manager *vmm.Manager, addr uint64, pattern []byte) error {
	err := manager.Write(addr, pattern)
	if err != nil {
		return err
	}

	buf := make([]byte, len(pattern))
	err = manager.Read(addr, buf)
	if err != nil {
		return err
	}
	if !bytes.Equal(buf, pattern) {
		return errors.Newf("read back %x from %#x, wrote %x", buf[:2], addr, pattern[:2])
	}
	return nil
}
