package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:], os.Stdout, os.Stderr))
	case "submit":
		os.Exit(runSubmit(os.Args[2:], os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatus(os.Args[2:], os.Stdout, os.Stderr))
	case "cancel":
		os.Exit(runCancel(os.Args[2:], os.Stdout, os.Stderr))
	case "validate":
		os.Exit(runValidate(os.Args[2:], os.Stdout, os.Stderr))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  dyocense serve --config <file.yaml>")
	fmt.Fprintln(os.Stderr, "  dyocense submit --goal <text> [--horizon <n>] [--scenarios <n>] [--key <key>] [--data <file.json>] [--tables <file.json>] [--overrides <file.json>] [--archetype <id>] [--wait] [--server <url>] [--token <token>]")
	fmt.Fprintln(os.Stderr, "  dyocense status --run <id> [--json] [--server <url>] [--token <token>]")
	fmt.Fprintln(os.Stderr, "  dyocense cancel --run <id> [--server <url>] [--token <token>]")
	fmt.Fprintln(os.Stderr, "  dyocense validate --config <file.yaml>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  --server defaults to $DYOCENSE_SERVER or http://127.0.0.1:8080")
	fmt.Fprintln(os.Stderr, "  --token defaults to $DYOCENSE_TOKEN")
}
