// Command synctl is the operator CLI for the sync engine.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	"example.com/trainingsync/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

func run(args []string) error {
	if path := configPath(args); path != "" {
		if err := os.Setenv(config.PathEnvVar, path); err != nil {
			return err
		}
	}

	opts := &Options{}
	if first := firstCommand(args); first != "" {
		opts.Init(first)
	}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return nil
		}
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// configPath scans raw args for -f/--config before full parsing so commands see the file.
func configPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "-f" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

// firstCommand returns the first argument that is not a global flag or its value.
func firstCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "-f" || a == "--config":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return a
		}
	}
	return ""
}
