package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openlistings/rcpeval/evaluator"
)

var evalCmd = &cobra.Command{
	Use:   "eval [expression]",
	Short: "Evaluate a single expression",
	Long: `Evaluate one RCP19 expression against a record and print the result
as JSON.

The expression comes from the argument or stdin:
  rcpeval eval 'ListPrice < 500000' --value '{"ListPrice": 490000}'
  echo 'ListPrice > 0' | rcpeval eval --value @record.json

--value and --previous accept inline JSON or @file. Omitting --previous
means "no prior state"; passing --previous null is an explicit empty
prior state, which LAST treats differently.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runEval,
}

func init() {
	evalCmd.Flags().String("value", "null", "Record JSON (inline or @file)")
	evalCmd.Flags().String("previous", "", "Previous record JSON (inline or @file)")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) {
	expression := ""
	if len(args) > 0 {
		expression = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("read stdin: %v", err)
		}
		expression = string(data)
	}
	if expression == "" {
		cmd.Help()
		os.Exit(1)
	}

	valueSpec, _ := cmd.Flags().GetString("value")
	value, err := parseJSONArg(valueSpec)
	if err != nil {
		fatalf("invalid --value: %v", err)
	}

	var evalOpts []evaluator.EvalOption
	if cmd.Flags().Changed("previous") {
		prevSpec, _ := cmd.Flags().GetString("previous")
		previous, err := parseJSONArg(prevSpec)
		if err != nil {
			fatalf("invalid --previous: %v", err)
		}
		evalOpts = append(evalOpts, evaluator.WithPrevious(previous))
	}

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

	result, err := ev.Evaluate(ctx, expression, value, evalOpts...)
	if err != nil {
		fatalf("%v", err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		fatalf("encode result: %v", err)
	}
	fmt.Println(string(out))
}

// parseJSONArg decodes inline JSON, or the contents of a file when the
// argument starts with @.
func parseJSONArg(spec string) (any, error) {
	data := []byte(spec)
	if len(spec) > 0 && spec[0] == '@' {
		var err error
		data, err = os.ReadFile(spec[1:])
		if err != nil {
			return nil, err
		}
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
