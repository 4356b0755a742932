// telemetry-canon rewrites a telemetry document into the canonical versioned
// envelope. It reads the file named on the command line (or stdin), reports
// validation issues on stderr and prints the canonical form, or replaces the
// file in place with --write.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/agent-racer/overlay/internal/atomicfile"
	"github.com/agent-racer/overlay/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var write, strict bool
	flags := pflag.NewFlagSet("telemetry-canon", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.BoolVarP(&write, "write", "w", false, "replace the input file with its canonical form")
	flags.BoolVar(&strict, "strict", false, "fail when the document has validation issues")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var (
		path string
		raw  []byte
		err  error
	)
	switch flags.NArg() {
	case 0:
		if write {
			return errors.New("--write needs a file argument")
		}
		raw, err = io.ReadAll(stdin)
	case 1:
		path = flags.Arg(0)
		raw, err = os.ReadFile(path)
	default:
		return fmt.Errorf("expected at most one file, got %d", flags.NArg())
	}
	if err != nil {
		return err
	}

	_, fields, err := telemetry.UnwrapEnvelope(raw)
	if err != nil {
		return err
	}
	if fields == nil {
		return telemetry.ErrNoPayload
	}
	issues := telemetry.Validate(fields)
	for _, issue := range issues {
		fmt.Fprintf(stderr, "warning: %s\n", issue)
	}
	if strict && len(issues) > 0 {
		return fmt.Errorf("%d validation issue(s)", len(issues))
	}

	env, err := telemetry.ToCanonicalEnvelope(raw)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	if write {
		return atomicfile.Write(path, out)
	}
	_, err = stdout.Write(out)
	return err
}
