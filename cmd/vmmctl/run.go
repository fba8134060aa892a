package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
)

var (
	runWatch bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "Run the script again every time it changes")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script.json>",
		Short: "Run an operation script against a fresh manager",
		Long: `The run command creates a manager from the global flags and executes the
steps of a JSON script in order. A step fails the run when the errno it returns
differs from the one it expects.

Example:
  vmmctl run scenario.json
  vmmctl run scenario.json --sdk 3.00 --json
  vmmctl run scenario.json --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runWatch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
				defer stop()
				return watchScript(ctx, cmd.OutOrStdout(), args[0])
			}
			return runScriptFile(cmd.OutOrStdout(), args[0])
		},
	}
	return cmd
}

func runScriptFile(out io.Writer, path string) error {
	printVerbose(out, "Reading script: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read script")
	}
	steps, err := ParseScript(data)
	if err != nil {
		return err
	}

	descriptors := newDescriptors()
	defer func() {
		_ = descriptors.CloseAll()
	}()

	manager, err := newManager(newLogger(), descriptors)
	if err != nil {
		return err
	}

	results, runErr := NewRunner(manager, descriptors).Run(steps)
	if jsonOut {
		err = printResultsJSON(out, results)
	} else {
		PrintResults(out, results)
	}
	if runErr != nil {
		return runErr
	}
	if err != nil {
		return err
	}

	return errors.Wrap(manager.Validate(), "manager is inconsistent after the script")
}

func printResultsJSON(out io.Writer, results []Result) error {
	writer := jwriter.NewWriter()
	arr := writer.Array()
	for _, result := range results {
		obj := arr.Object()
		obj.Name("step").Int(result.Step)
		obj.Name("op").String(result.Op)
		obj.Name("errno").String(result.Errno)
		obj.Name("value").String(fmt.Sprintf("%#x", result.Value))
		if result.Detail != "" {
			obj.Name("detail").String(result.Detail)
		}
		obj.End()
	}
	arr.End()

	if err := writer.Error(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}

// watchScript runs the script now and after every change until ctx is done
func watchScript(ctx context.Context, out io.Writer, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	// Editors often save by replacing the file, which drops a watch on the file itself
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		return errors.Wrapf(err, "failed to watch %s", path)
	}

	rerun := func() {
		err := runScriptFile(out, path)
		if err != nil {
			fmt.Fprintf(out, "FAILED: %v\n", err)
			return
		}
		fmt.Fprintln(out, "PASSED")
	}

	target := filepath.Clean(path)
	rerun()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			printVerbose(out, "%s changed\n", path)
			rerun()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "watch failed")
		}
	}
}
