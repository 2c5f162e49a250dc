package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/scheduler"
	"github.com/keepsakehq/keepsake/internal/storage"
)

// SyncCommand handles 'keepsake sync': pull the authoritative remote
// state, pushing queued local changes first when there are any.
func SyncCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("keepsake sync", flag.ExitOnError)
	force := fs.Bool("force", false, "Push local state before downloading even without queued changes")
	watch := fs.Bool("watch", false, "Keep running and sync on the configured schedule")

	fs.Usage = func() {
		fmt.Println(`Usage: keepsake sync [options]

One round of convergence with the backend. Queued offline changes are
pushed first; then the remote state replaces the local cache.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	sess, err := openSession(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.close()

	puller, ok := sess.store.(storage.Puller)
	if !ok {
		fmt.Fprintln(os.Stderr, "Error: this backend has no explicit sync operation")
		return 1
	}

	if *watch {
		return watchSync(ctx, sess, puller)
	}

	doForce := *force
	if tracker, ok := sess.store.(storage.PendingTracker); ok && tracker.HasPendingChanges() {
		fmt.Printf("pushing %d queued change(s) first\n", tracker.PendingChangeCount())
		doForce = true
	}

	if doForce {
		res, err := puller.ForceSync(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, msg := range res.Errors {
			fmt.Fprintf(os.Stderr, "  ⚠ %s\n", msg)
		}
		fmt.Printf("✓ Sync complete: %d uploaded, %d downloaded, %d conflict(s)\n",
			res.Uploaded, res.Downloaded, res.Conflicts)
		if !res.Success {
			return 1
		}
		return 0
	}

	ms, err := puller.FetchChanges(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("✓ Fetched %d memories\n", len(ms))
	return 0
}

// watchSync runs the sync scheduler until SIGINT/SIGTERM. On push
// backends the live change feed reports updates as they arrive.
func watchSync(ctx context.Context, sess *session, puller storage.Puller) int {
	sched, err := scheduler.New(puller, sess.cfg.Sync.Schedule, sess.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sched.Start(runCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var unsubscribe storage.UnsubscribeFunc
	if pusher, ok := sess.store.(storage.Pusher); ok {
		unsubscribe = pusher.SubscribeToChanges(func(ms []*memory.Memory) {
			sess.logger.Info("memories changed", "count", len(ms))
		})
	}

	fmt.Printf("Watching (schedule %s). Ctrl-C to stop.\n", sess.cfg.Sync.Schedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	sess.logger.Info("shutdown signal received", "signal", sig.String())

	if unsubscribe != nil {
		unsubscribe()
	}
	sched.Stop()

	stats := sched.Stats()
	fmt.Printf("✓ Stopped after %d run(s), %d error(s)\n", stats.Runs, stats.Errors)
	return 0
}
