package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Коды выхода: 0 — успех (цепочка цела), 1 — цепочка/анкер не сходятся или
// прогон не удался, 2 — ошибка использования или конфигурации.
const (
	exitOK     = 0
	exitBroken = 1
	exitUsage  = 2
)

const usage = `flightrec — agent flight recorder

Usage:
  flightrec run           --input FILE --out DIR [flags]
  flightrec verify        (--receipts FILE | --from-db RUN_ID)
  flightrec verify-anchor --anchor-file FILE [--receipts FILE]
  flightrec profiles      [--policy FILE] [--profile NAME]

Run "flightrec <command> --help" for command flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runCmd(ctx, rest, stdout, stderr)
	case "verify":
		return verifyCmd(ctx, rest, stdout, stderr)
	case "verify-anchor":
		return verifyAnchorCmd(rest, stdout, stderr)
	case "profiles":
		return profilesCmd(rest, stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}
}
