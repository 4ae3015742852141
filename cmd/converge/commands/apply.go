package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
)

// watchDebounce coalesces editor write bursts into one re-apply.
const watchDebounce = 500 * time.Millisecond

func newApplyCommand() *cobra.Command {
	var (
		verify        bool
		watch         bool
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the controller toward the desired-state document",
		Long: `Apply validates the document, computes the plan and executes it against
the controller, waiting on asynchronous tasks. With --verify the state is
re-read afterwards and any unconverged item fails the run.

With --watch the document is re-applied whenever it changes on disk; each
cycle is a complete stateless run.`,
		Example: `  converge apply -c site.yaml
  converge apply -c site.yaml --verify
  converge apply -c site.yaml --watch --metrics-listen :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runtimeOptions{metricsListen: metricsListen}
			if cmd.Flags().Changed("verify") {
				opts.verify = &verify
			}
			rt, err := buildRuntime(opts)
			if err != nil {
				return err
			}

			if metricsListen != "" {
				go func() {
					if err := rt.metrics.Serve(); err != nil {
						rt.log.WithError(err).Error("metrics endpoint failed")
					}
				}()
				defer rt.metrics.Shutdown()
			}

			if watch {
				return watchLoop(cmd.Context(), rt, opts)
			}

			result, err := applyOnce(cmd.Context(), rt)
			if err != nil {
				return err
			}
			return exitFor(result)
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "re-read state after execution and fail on mismatch")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-apply whenever the document changes")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	return cmd
}

func applyOnce(ctx context.Context, rt *runtime) (engine.RunResult, error) {
	result, err := rt.engine.Run(ctx, rt.doc)
	if err != nil {
		return engine.RunResult{}, err
	}
	printResult(result)
	return result, nil
}

func printResult(result engine.RunResult) {
	if jsonOutput {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			fmt.Println(string(encoded))
		}
		return
	}
	fmt.Printf("status:  %s\n", result.Status)
	fmt.Printf("changed: %v\n", result.Changed)
	fmt.Printf("message: %s\n", result.Message)
}

func exitFor(result engine.RunResult) error {
	switch result.Status {
	case engine.RunSuccess:
		return nil
	case engine.RunPartial:
		return &ExitError{Code: 2, Message: "run partially converged"}
	default:
		return &ExitError{Code: 1, Message: "run failed"}
	}
}

// watchLoop re-applies the document on every change until the context is
// cancelled. Failed runs do not end the loop; the next edit gets a fresh
// attempt.
func watchLoop(ctx context.Context, rt *runtime, opts runtimeOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops a
	// watch held on the path itself.
	dir := filepath.Dir(documentPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(documentPath)

	log := rt.log.NewComponentLogger("watch")
	log.Infof("watching %s", target)

	if _, err := applyOnce(ctx, rt); err != nil {
		log.WithError(err).Error("apply failed")
	}

	var debounce *time.Timer
	runs := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case runs <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("watch error")

		case <-runs:
			reload := opts
			reload.metricsListen = ""
			reload.metrics = rt.metrics
			fresh, err := buildRuntime(reload)
			if err != nil {
				log.WithError(err).Error("document reload failed")
				continue
			}
			if _, err := applyOnce(ctx, fresh); err != nil {
				log.WithError(err).Error("apply failed")
			}
		}
	}
}
