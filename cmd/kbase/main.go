// Command kbase serves and maintains a knowledge base of code, notes,
// diagram and table pages.
package main

import (
	"fmt"
	"os"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/cmd/kbase/commands"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "serve":
		err = commands.ServeCommand(args)
	case "import":
		err = commands.ImportCommand(args)
	case "export":
		err = commands.ExportCommand(args)
	case "validate":
		err = commands.ValidateCommand(args)
	case "version":
		fmt.Printf("kbase version %s\n", kbase.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("kbase - a knowledge base of code, notes, diagrams and tables")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kbase serve [directory]            Start the server")
	fmt.Println("  kbase import <page.json>...        Import pages")
	fmt.Println("  kbase export <slug>... | --all     Export pages as JSON")
	fmt.Println("  kbase validate <page.json>...      Check page files")
	fmt.Println("  kbase version                      Show version")
	fmt.Println("  kbase help                         Show this help")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --config, -c FILE    Configuration file (default: <directory>/kbase.yaml)")
	fmt.Println("  --dir, -d DIR        Site directory (default: .)")
	fmt.Println("  --remote, -r URL     Use the page API at URL instead of local storage")
	fmt.Println("  --api-key KEY        API key sent with remote writes")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  kbase serve                          # Serve the current directory")
	fmt.Println("  kbase serve ./kb --port 9000         # Serve ./kb on port 9000")
	fmt.Println("  kbase serve --watch                  # Reload documents on change")
	fmt.Println("  kbase import intro.json --update     # Create or replace a page")
	fmt.Println("  kbase import intro.json -r http://kb.local:8080 --api-key $KEY")
	fmt.Println("  kbase export --all --out backup/     # One JSON file per page")
	fmt.Println("  kbase validate pages/*.json --deep   # Also parse diagrams with mermaid")
}
