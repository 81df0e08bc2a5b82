// Command spectertty wraps an interactive program in a pseudo-terminal and
// emits its traffic as newline-delimited JSON frames for automation
// clients.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/spectertty/internal/config"
	"github.com/haasonsaas/spectertty/internal/session"
)

// exitUsage is the status for configuration errors; spawn failures exit
// 111 via session.Run, and successful sessions mirror the child.
const exitUsage = 2

func main() {
	os.Exit(run())
}

func run() int {
	var flags *config.Flags
	exitCode := 0

	root := &cobra.Command{
		Use:           "spectertty [flags] -- command [args...]",
		Short:         "PTY wrapper emitting structured JSON frames",
		Long:          "spectertty runs a command inside a pseudo-terminal and turns the byte\ntraffic into a typed, newline-delimited JSON event stream suitable for\nautomation clients and AI agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				command = args[at:]
			}

			cfg, err := config.Build(cmd.Flags(), flags, command)
			if err != nil {
				return err
			}

			log := newLogger(cfg.Verbose)
			exitCode = session.Run(cfg, log)
			return nil
		},
	}
	root.Flags().SetInterspersed(false)
	flags = config.Register(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "spectertty: %v\n", err)
		if errors.Is(err, config.ErrUsage) {
			return exitUsage
		}
		// cobra surfaces flag parse errors here too; they are usage errors.
		return exitUsage
	}
	return exitCode
}

// newLogger builds the stderr diagnostic logger. Stdout is reserved for
// frames (or passthrough bytes); diagnostics never land there.
func newLogger(verbose bool) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l.WithField("component", "spectertty")
}
