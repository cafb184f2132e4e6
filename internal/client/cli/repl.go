package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Open(ctx context.Context, args []string) error
	Set(ctx context.Context, args []string) error
	Show(ctx context.Context, args []string) error
	Status(ctx context.Context, args []string) error
	Failed(ctx context.Context, args []string) error
	Retry(ctx context.Context, args []string) error
	Discard(ctx context.Context, args []string) error
	Delete(ctx context.Context, args []string) error
	Asset(ctx context.Context, args []string) error
	Image(ctx context.Context, args []string) error
	Fields(ctx context.Context, args []string) error
}

const helpText = "Available commands: open <draft>, set <field> [value], show [draft], status, " +
	"failed, retry [draft], discard [draft], delete [draft], asset <tier> <key>, image <field> <file>, fields, exit"

// runREPL starts a simple read–eval–print loop for the draftsync CLI.
//
// It reads a line from reader, parses the first token as the command, and
// dispatches the remaining tokens to methods on 'a'. Unknown commands are
// reported back to the user. The loop exits on EOF, when ctx is done, or
// when the user types "exit" or "quit". The prompt is printed only when
// prompt is true.
//
// Any errors returned by command handlers are ignored here; handlers print
// their own errors. This keeps the REPL loop resilient and focused on I/O.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader, w io.Writer, prompt bool) {
	for {
		if ctx.Err() != nil {
			return
		}
		if prompt {
			fmt.Fprintf(w, "draftsync %s> ", statusFn())
		}
		line, err := reader.ReadString('\n')
		parts := strings.Fields(line)
		if len(parts) == 0 {
			if err != nil {
				return
			}
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			printlnFn(helpText)
		case "open":
			_ = a.Open(ctx, args)
		case "set":
			_ = a.Set(ctx, args)
		case "show":
			_ = a.Show(ctx, args)
		case "status":
			_ = a.Status(ctx, args)
		case "failed":
			_ = a.Failed(ctx, args)
		case "retry":
			_ = a.Retry(ctx, args)
		case "discard":
			_ = a.Discard(ctx, args)
		case "delete":
			_ = a.Delete(ctx, args)
		case "asset":
			_ = a.Asset(ctx, args)
		case "image":
			_ = a.Image(ctx, args)
		case "fields":
			_ = a.Fields(ctx, args)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			return
		}
	}
}
