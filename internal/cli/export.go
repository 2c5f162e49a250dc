package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/keepsakehq/keepsake/internal/backup"
)

// ExportCommand handles 'keepsake export': write every cached memory
// to a JSON archive.
func ExportCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("keepsake export", flag.ExitOnError)
	out := fs.String("out", "keepsake-export.json", "Archive file to write")
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

	ms := sess.store.Memories()

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := backup.Write(f, ms); err != nil {
		f.Close() //nolint:errcheck
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("✓ Exported %d memories to %s\n", len(ms), *out)
	return 0
}
