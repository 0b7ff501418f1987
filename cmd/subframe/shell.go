package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/subframe/subframe/pkg/common/failure"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".blocks"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("INFO"),
	readline.PcItem("HAS"),
	readline.PcItem("DELETE"),
)

// runInteractive starts the interactive CLI mode
func runInteractive(n *node) {
	fmt.Println("SuBFraMe storage node")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".subframe_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("subframe:%s> ", n.cfg.DataDir),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		return
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if !execute(context.Background(), n, line, os.Stdout) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

// execute runs one shell command, writing its result to out. It returns
// false when the shell should exit.
func execute(ctx context.Context, n *node, line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(out, helpText)
		case ".exit":
			return false
		case ".stats":
			printStats(n, out)
		case ".blocks":
			printBlocks(n, out)
		default:
			fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
		}
		return true
	}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			fmt.Fprintln(out, "Error: PUT requires key and value arguments")
			return true
		}
		loc, err := n.service.Put(ctx, parts[1], []byte(strings.Join(parts[2:], " ")))
		if err != nil {
			printFailure(out, err)
			return true
		}
		fmt.Fprintf(out, "Stored in block %d (%d bytes, %s)\n", loc.Block, loc.Length, loc.Codec)

	case "GET":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Error: GET requires a key argument")
			return true
		}
		payload, err := n.service.Get(ctx, parts[1])
		if err != nil {
			if errors.Is(err, failure.UnknownResource) {
				fmt.Fprintln(out, "Key not found")
			} else {
				printFailure(out, err)
			}
			return true
		}
		fmt.Fprintf(out, "%s\n", payload)

	case "INFO":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Error: INFO requires a key argument")
			return true
		}
		loc, err := n.service.Info(ctx, parts[1])
		if err != nil {
			printFailure(out, err)
			return true
		}
		data, _ := json.MarshalIndent(loc, "", "  ")
		fmt.Fprintf(out, "%s\n", data)

	case "HAS":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Error: HAS requires a key argument")
			return true
		}
		fmt.Fprintln(out, n.service.Has(parts[1]))

	case "DELETE":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Error: DELETE requires a key argument")
			return true
		}
		if err := n.service.Delete(ctx, parts[1]); err != nil {
			printFailure(out, err)
			return true
		}
		fmt.Fprintln(out, "Key deleted")

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
	}
	return true
}

func printFailure(out io.Writer, err error) {
	fe := failure.As(err)
	fmt.Fprintf(out, "Error: %s (%d): %s\n", fe.Code(), fe.HTTPCode(), fe.Message)
}

func printStats(n *node, out io.Writer) {
	st := n.service.Stats()

	fmt.Fprintln(out, "Node Statistics:")
	fmt.Fprintf(out, "  Records: %d\n", st.Records)
	fmt.Fprintf(out, "  Codec:   %s\n", st.Codec)

	keys := make([]string, 0, len(st.Operations))
	for k := range st.Operations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(out, "\nOperations:")
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, st.Operations[k])
	}
}

func printBlocks(n *node, out io.Writer) {
	st := n.blocks.Stats()

	fmt.Fprintf(out, "Block file: %s\n", st.Path)
	fmt.Fprintf(out, "  Block size:    %d\n", st.BlockSize)
	fmt.Fprintf(out, "  Used / max:    %d / %d\n", st.UsedBlocks, st.MaxBlockCount)
	fmt.Fprintf(out, "  Highest block: %d\n", st.HighestBlock)
	fmt.Fprintf(out, "  Occupied:      %v\n", n.blocks.OccupiedBlocks())
}
