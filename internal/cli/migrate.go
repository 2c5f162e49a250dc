package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keepsakehq/keepsake/internal/migration"
	"github.com/keepsakehq/keepsake/internal/storage/docstore"
)

// markerName is dropped into the data dir after a completed migration
// so repeated invocations become no-ops.
const markerName = "migration-done"

// MigrateCommand handles 'keepsake migrate': move every record from
// the legacy database into the selected backend. Progress goes to
// stderr so stdout stays scriptable.
func MigrateCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("keepsake migrate", flag.ExitOnError)
	db := fs.String("db", "", "Legacy database path (default from [legacy] in the config)")
	user := fs.String("user", "", "Legacy user id (default from [legacy] in the config)")
	force := fs.Bool("force", false, "Run again even when a completed migration is recorded")

	fs.Usage = func() {
		fmt.Println(`Usage: keepsake migrate [options]

Copy all memories (and their media) from the previous app generation's
database into the configured backend. Unreadable media is skipped with
a warning; the records themselves always migrate.

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

	if *db == "" {
		*db = sess.cfg.Legacy.Database
	}
	if *user == "" {
		*user = sess.cfg.Legacy.UserID
	}
	if *db == "" {
		fmt.Fprintln(os.Stderr, "Error: no legacy database (set [legacy] database in the config or pass --db)")
		return 1
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "Error: no legacy user id (set [legacy] user_id in the config or pass --user)")
		return 1
	}

	marker := filepath.Join(sess.cfg.DataDir, markerName)
	if _, err := os.Stat(marker); err == nil && !*force {
		fmt.Printf("Migration already recorded at %s (use --force to run again)\n", marker)
		return 0
	}

	source, err := docstore.New(docstore.Config{Path: *db}, sess.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer source.Close() //nolint:errcheck

	eng := migration.New(source, sess.store, *user, sess.logger)

	check, err := eng.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !check.Needed {
		fmt.Println("Nothing to migrate.")
		return 0
	}
	fmt.Fprintf(os.Stderr, "Migrating %d records from %s\n", check.Count, *db)

	eng.SetProgressFunc(printProgress)

	report, err := eng.Run(ctx, sess.user.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if report.Status != migration.StateComplete {
		fmt.Fprintf(os.Stderr, "Error: migration ended in state %s\n", report.Status)
		return 1
	}

	fmt.Printf("✓ Migration complete: %d migrated, %d media skipped, %d failed\n",
		report.Migrated, report.SkippedMedia, len(report.Failed))

	body := fmt.Sprintf("migrated %d of %d records from %s at %s\n",
		report.Migrated, report.Total, *db, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(marker, []byte(body), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "  ⚠ could not record completion marker: %v\n", err)
	}
	if len(report.Failed) > 0 {
		for _, id := range report.Failed {
			fmt.Fprintf(os.Stderr, "  ⚠ record %s was not migrated\n", id)
		}
		return 1
	}
	return 0
}

func printProgress(p migration.Progress) {
	switch p.State {
	case migration.StateConnecting:
		fmt.Fprintln(os.Stderr, "connecting to legacy database...")
	case migration.StateFetching, migration.StateUploading:
		verb := "fetch"
		if p.State == migration.StateUploading {
			verb = "upload"
		}
		if p.CurrentItem == "" {
			return
		}
		fmt.Fprintf(os.Stderr, "  %s [%d/%d] %s\n", verb, p.CompletedItems, p.TotalItems, p.CurrentItem)
	}
}
