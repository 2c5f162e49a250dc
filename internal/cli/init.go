package cli

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/keepsakehq/keepsake/internal/config"
)

const configTemplate = `# keepsake configuration
#
# Storage backend: "recordstore" (device-key record sync) or
# "filestore" (hosted-account file store). Leave empty to auto-select
# from whichever section below is filled in.
backend = ""

# Device key and local state live here. Defaults to the OS config dir.
#data_dir = "%s"

log_level = "info"

[recordstore]
#base_url = "https://records.example.com"
device_name = "%s"
max_queue_size = 500

[filestore]
#base_url = "https://files.example.com"

[account]
#base_url = "https://account.example.com"
# Keep the credential out of this file:
#   export KEEPSAKE_ACCOUNT_CREDENTIAL=...

[legacy]
# Previous app generation's database, used by "keepsake migrate".
#database = "/path/to/memories.db"
#user_id = ""

[sync]
schedule = "@every 15m"
`

// InitCommand handles 'keepsake init': write a starter config file.
func InitCommand(args []string) int {
	fs := flag.NewFlagSet("keepsake init", flag.ExitOnError)
	outputPath := fs.String("output", "keepsake.toml", "Where to write the config file")
	force := fs.Bool("force", false, "Overwrite without asking")

	fs.Usage = func() {
		fmt.Println(`Usage: keepsake init [options]

Write a starter keepsake.toml. Edit it to point at your backend, or
set KEEPSAKE_* environment variables instead.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if _, err := os.Stat(*outputPath); err == nil && !*force {
		fmt.Printf("Config file %s already exists. Overwrite? [y/N]: ", *outputPath)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return 0
		}
	}

	defaults := config.Default()
	body := fmt.Sprintf(configTemplate, defaults.DataDir, defaults.RecordStore.DeviceName)
	if err := os.WriteFile(*outputPath, []byte(body), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		return 1
	}

	fmt.Printf("✓ Config written to %s\n", *outputPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s and set a backend base_url\n", *outputPath)
	fmt.Println("  2. keepsake add \"my first memory\"")
	fmt.Println("  3. keepsake list")
	return 0
}
