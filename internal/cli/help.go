package cli

import "fmt"

// PrintUsage shows the top-level command summary.
func PrintUsage() {
	fmt.Print(`Usage: keepsake [--config FILE] <command> [options]

A memory journal that syncs across devices.

Commands:
  init              Write a starter keepsake.toml
  add <text>        Create a memory (--tags, --media)
  list              List memories, most recent first
  show <id>         Print one memory in full
  delete <id>       Delete a memory and its media
  sync              Converge with the backend (--force, --watch)
  export            Write all memories to a JSON archive (--out)
  migrate           Import the previous app generation's database
  devices           List devices syncing this collection

Global options:
  --config FILE     Config file (default keepsake.toml)
  --version         Print the version

Run 'keepsake <command> --help' for command options.
`)
}
