package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/openlistings/rcpeval/evaluator"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive expression REPL",
	Long: `Start an interactive session that evaluates each line as an RCP19
expression against the loaded record.

Directives:
  :value <json|@file>       Set the record under evaluation
  :previous <json|@file>    Set the previous record (LAST references)
  :clear-previous           Forget the previous record entirely
  :show                     Print the current record and previous record

Plain lines are evaluated as expressions. End a line with \ to continue
it. Type 'exit' or press Ctrl+D to quit.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().String("value", "null", "Initial record JSON (inline or @file)")
	replCmd.Flags().String("history", "", "History file path (default: ~/.rcpeval_history)")
	rootCmd.AddCommand(replCmd)
}

// replState is the mutable record context the REPL evaluates against.
type replState struct {
	value       any
	previous    any
	previousSet bool
}

func (s *replState) options() []evaluator.EvalOption {
	if !s.previousSet {
		return nil
	}
	return []evaluator.EvalOption{evaluator.WithPrevious(s.previous)}
}

func runRepl(cmd *cobra.Command, args []string) {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".rcpeval_history")
	}

	state := &replState{}
	valueSpec, _ := cmd.Flags().GetString("value")
	value, err := parseJSONArg(valueSpec)
	if err != nil {
		fatalf("invalid --value: %v", err)
	}
	state.value = value

	log := newLogger(cmd)
	defer log.Sync()

	engine, _, err := newEngine(cmd, log)
	if err != nil {
		fatalf("%v", err)
	}
	ctx := context.Background()
	defer engine.Close(ctx)

	ev, err := engine.NewEvaluator(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	defer ev.Close(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "rcp> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fatalf("initialize readline: %v", err)
	}
	defer rl.Close()

	fmt.Fprintln(os.Stderr, "rcpeval REPL (type 'exit' to quit, :help for directives)")

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("rcp> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("...> ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("rcp> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if strings.HasPrefix(line, ":") {
			if err := handleDirective(state, line); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			continue
		}

		result, err := ev.Evaluate(ctx, line, state.value, state.options()...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		out, _ := json.Marshal(result)
		fmt.Println(string(out))
	}
}

func handleDirective(state *replState, line string) error {
	directive, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch directive {
	case ":value":
		v, err := parseJSONArg(rest)
		if err != nil {
			return err
		}
		state.value = v

	case ":previous":
		v, err := parseJSONArg(rest)
		if err != nil {
			return err
		}
		state.previous = v
		state.previousSet = true

	case ":clear-previous":
		state.previous = nil
		state.previousSet = false

	case ":show":
		value, _ := json.Marshal(state.value)
		fmt.Printf("value: %s\n", value)
		if state.previousSet {
			previous, _ := json.Marshal(state.previous)
			fmt.Printf("previous: %s\n", previous)
		} else {
			fmt.Println("previous: (absent)")
		}

	case ":help":
		fmt.Println(":value <json|@file>, :previous <json|@file>, :clear-previous, :show")

	default:
		return fmt.Errorf("unknown directive %s", directive)
	}
	return nil
}
