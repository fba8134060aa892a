package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/orbismem/files"
	"github.com/vkngwrapper/orbismem/platform"
	"github.com/vkngwrapper/orbismem/vmm"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose    bool
	jsonOut    bool
	firmware   string
	sdk        string
	devkit     bool
	dmemSize   uint64
	flexBudget uint64
	rootDir    string
)

var rootCmd = &cobra.Command{
	Use:   "vmmctl",
	Short: "Drive a console virtual memory manager from the command line",
	Long: `vmmctl creates a virtual memory manager for a chosen firmware and SDK version
and runs operation scripts, stress tests and statistics dumps against it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every manager operation")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&firmware, "firmware", platform.DefaultFirmware, "Firmware version to emulate")
	rootCmd.PersistentFlags().StringVar(&sdk, "sdk", platform.DefaultSDK, "SDK version the program was built with")
	rootCmd.PersistentFlags().BoolVar(&devkit, "devkit", false, "Emulate a development console")
	rootCmd.PersistentFlags().Uint64Var(&dmemSize, "dmem-size", vmm.DefaultDirectMemorySize, "Direct memory size in bytes")
	rootCmd.PersistentFlags().Uint64Var(&flexBudget, "flex-budget", vmm.DefaultFlexibleBudget, "Flexible memory budget in bytes")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Host directory holding the app0, data and system mount points")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger logs to stderr, at debug level with --verbose
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))
}

// newDescriptors opens device nodes always and host files when --root is given
func newDescriptors() *files.Descriptors {
	namespace := &files.Namespace{Devices: files.NewDeviceFS(files.DefaultDevices)}
	if rootDir != "" {
		namespace.Host = files.NewHostFS(files.DefaultMounts(rootDir))
	}
	return files.NewDescriptors(namespace)
}

// newManager builds a manager from the global flags
func newManager(logger *slog.Logger, table files.Table) (*vmm.Manager, error) {
	p, err := platform.New(firmware, sdk, devkit)
	if err != nil {
		return nil, err
	}

	manager, err := vmm.New(logger, vmm.CreateOptions{
		Platform:         p,
		DirectMemorySize: dmemSize,
		FlexibleBudget:   flexBudget,
		Files:            table,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create manager")
	}
	return manager, nil
}

// printVerbose prints a message to w if verbose mode is enabled
func printVerbose(w io.Writer, format string, args ...any) {
	if verbose {
		fmt.Fprintf(w, format, args...)
	}
}
