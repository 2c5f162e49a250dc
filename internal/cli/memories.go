package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/keepsakehq/keepsake/internal/memory"
)

// AddCommand handles 'keepsake add': create a memory with optional
// tags and media files. Flags come first; everything after them is the
// memory text.
func AddCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("keepsake add", flag.ExitOnError)
	tags := fs.String("tags", "", "Comma-separated tags")
	var mediaPaths stringList
	fs.Var(&mediaPaths, "media", "Media file to attach (repeatable)")

	fs.Usage = func() {
		fmt.Println(`Usage: keepsake add [options] <text>

Create a journal memory. Media files upload before the record is
written; if any upload fails nothing is saved.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  keepsake add "Beach day with the kids"
  keepsake add --tags beach,family --media photo.jpg --media voice.m4a "Beach day"`)
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" && len(mediaPaths) == 0 {
		fmt.Fprintln(os.Stderr, "Error: memory text (or at least one --media) is required")
		return 1
	}

	input := memory.MemoryInput{Text: text, Tags: splitTags(*tags)}
	for _, p := range mediaPaths {
		f, err := readMediaFile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		input.MediaFiles = append(input.MediaFiles, f)
	}

	ctx := context.Background()
	sess, err := openSession(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.close()

	m, err := sess.store.CreateMemory(ctx, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("✓ Memory saved: %s\n", m.ID)
	if len(m.Media) > 0 {
		fmt.Printf("  %d media file(s) uploaded\n", len(m.Media))
	}
	return 0
}

// ListCommand handles 'keepsake list': print cached memories, most
// recent first.
func ListCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("keepsake list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the full records as JSON")
	limit := fs.Int("limit", 0, "Show at most N memories (0 = all)")
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
	if *limit > 0 && len(ms) > *limit {
		ms = ms[:*limit]
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ms); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(ms) == 0 {
		fmt.Println("No memories yet. Try: keepsake add \"my first memory\"")
		return 0
	}
	for _, m := range ms {
		fmt.Printf("%s  %s  %s", m.ID, m.CreatedAt.Local().Format("2006-01-02 15:04"), firstLine(m.Text))
		if len(m.Tags) > 0 {
			fmt.Printf("  #%s", strings.Join(m.Tags, " #"))
		}
		if len(m.Media) > 0 {
			fmt.Printf("  [%d media]", len(m.Media))
		}
		fmt.Println()
	}
	return 0
}

// ShowCommand handles 'keepsake show <id>': print one memory in full.
func ShowCommand(args []string, configPath string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: keepsake show <id>")
		return 1
	}
	id := args[0]

	ctx := context.Background()
	sess, err := openSession(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.close()

	m, ok := sess.store.Memory(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: no memory with id %s\n", id)
		return 1
	}

	fmt.Printf("ID:      %s\n", m.ID)
	fmt.Printf("Created: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", m.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if len(m.Tags) > 0 {
		fmt.Printf("Tags:    %s\n", strings.Join(m.Tags, ", "))
	}
	fmt.Printf("\n%s\n", m.Text)
	if len(m.Media) > 0 {
		fmt.Printf("\nMedia (%d):\n", len(m.Media))
		for i, att := range m.Media {
			fmt.Printf("  %d. [%s] %s\n", i+1, att.Type, att.FileName)
			if att.URL != "" {
				fmt.Printf("     %s\n", att.URL)
			}
		}
	}
	return 0
}

// DeleteCommand handles 'keepsake delete <id>'. Blob cleanup failures
// print as warnings; the delete itself still succeeds.
func DeleteCommand(args []string, configPath string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: keepsake delete <id>")
		return 1
	}
	id := args[0]

	ctx := context.Background()
	sess, err := openSession(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.close()

	warnings, err := sess.store.DeleteMemory(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printWarnings(warnings)
	fmt.Printf("✓ Deleted %s\n", id)
	return 0
}
