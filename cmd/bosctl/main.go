// Command bosctl is the kernel's operator CLI: administrative
// subcommands that issue the same commands any admin engine client
// would (feature flags, resilience mode, business/branch lifecycle)
// plus offline operator tools (chain verification, replay) that have
// no business issuing them at all. It connects directly to the
// configured store rather than to a running bosd process, the same
// way the retrieval pack's CLI builds its own implementations inline
// instead of calling out to a server.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	cmd := os.Args[1]

	var err error
	switch cmd {
	case "flag":
		err = handleFlag(ctx, os.Args[2:])
	case "mode":
		err = handleMode(ctx, os.Args[2:])
	case "business":
		err = handleBusiness(ctx, os.Args[2:])
	case "branch":
		err = handleBranch(ctx, os.Args[2:])
	case "verify-chain":
		err = handleVerifyChain(ctx, os.Args[2:])
	case "replay":
		err = handleReplay(ctx, os.Args[2:])
	case "config":
		err = handleConfig(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "bosctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("bosctl - kernel operator CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  flag set|clear --business <id> --key <flag_key> [--branch <id>] [--actor <id>]")
	fmt.Println("  mode set --business <id> --mode NORMAL|DEGRADED|READ_ONLY [--actor <id>]")
	fmt.Println("  business create|suspend|reactivate|close --business <id> [--actor <id>]")
	fmt.Println("  branch add|close --business <id> --branch <id> [--actor <id>]")
	fmt.Println("  verify-chain --business <id>")
	fmt.Println("  replay --business <id> [--projection <name>] [--snapshot]")
	fmt.Println("  config dump")
	fmt.Println()
	fmt.Println("Configuration is loaded the same way bosd loads it: config.yaml, then")
	fmt.Println("environment variables, then defaults.")
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
