package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/keepsakehq/keepsake/internal/cli"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A .env next to the binary can carry KEEPSAKE_* secrets; a missing
	// file is fine.
	_ = godotenv.Load()

	configPath := "keepsake.toml"
	var subCmd string
	var subCmdIdx int

	// First pass: find the config flag, wherever it sits.
	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
		}
	}

	// Second pass: first non-flag arg is the subcommand.
	skipNext = false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			skipNext = true
			continue
		}
		if arg == "--version" || arg == "-version" {
			fmt.Printf("keepsake v%s (built %s)\n", version, buildTime)
			return 0
		}
		if arg == "--help" || arg == "-help" || arg == "-h" {
			cli.PrintUsage()
			return 0
		}
		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	if subCmd == "" {
		cli.PrintUsage()
		return 1
	}

	rest := os.Args[subCmdIdx+1:]
	switch subCmd {
	case "init":
		return cli.InitCommand(rest)
	case "add":
		return cli.AddCommand(rest, configPath)
	case "list":
		return cli.ListCommand(rest, configPath)
	case "show":
		return cli.ShowCommand(rest, configPath)
	case "delete":
		return cli.DeleteCommand(rest, configPath)
	case "sync":
		return cli.SyncCommand(rest, configPath)
	case "export":
		return cli.ExportCommand(rest, configPath)
	case "migrate":
		return cli.MigrateCommand(rest, configPath)
	case "devices":
		return cli.DevicesCommand(rest, configPath)
	case "help":
		cli.PrintUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
		cli.PrintUsage()
		return 1
	}
}
