package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sghaida/cop/descriptor"
)

// errLint is returned when any descriptor has problems.
var errLint = errors.New("descriptor problems found")

func newLintCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "lint [descriptor.yaml...]",
		Short: "Check application descriptors",
		Long: `Checks layer and module names, layer references, acyclic layer uses and
visibility values. Without arguments the configured runtime.descriptor is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && c.cfg.Runtime.Descriptor != "" {
				args = []string{c.cfg.Runtime.Descriptor}
			}
			if len(args) == 0 {
				return fmt.Errorf("no descriptor given")
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				d, err := descriptor.Load(path)
				if err != nil {
					_, _ = fmt.Fprintln(out, err)
					failed++
					continue
				}
				problems := d.Problems()
				for _, p := range problems {
					_, _ = fmt.Fprintf(out, "%s: %s\n", path, p)
				}
				if len(problems) > 0 {
					failed++
				}
				c.log.Debug("descriptor checked", zap.String("path", path), zap.Int("problems", len(problems)))
			}
			if failed > 0 {
				return fmt.Errorf("%w in %d of %d files", errLint, failed, len(args))
			}
			_, _ = fmt.Fprintf(out, "%d descriptor(s) ok\n", len(args))
			return nil
		},
	}
}
