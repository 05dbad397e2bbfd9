package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newGenCmd(c *cli) *cobra.Command {
	var (
		specPath string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate typed facades for contract interfaces",
		Long: `Reads a YAML or JSON spec naming contract interfaces, parses their
declarations from the package sources and writes one facade per contract plus a
registration function. Typically run from a go:generate directive:

	//go:generate go run github.com/sghaida/cop/cmd/cop gen -s facades.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(specPath) == "" {
				return fmt.Errorf("--spec is required")
			}
			spec, err := ReadGenSpec(specPath)
			if err != nil {
				return err
			}
			src, err := Generate(spec)
			if err != nil {
				return err
			}
			if dryRun {
				_, err = cmd.OutOrStdout().Write(src)
				return err
			}
			if err := writeFileAtomic(spec.Out, src, 0o644); err != nil {
				return err
			}
			c.log.Info("facades generated",
				zap.String("out", spec.Out),
				zap.Int("contracts", len(spec.Contracts)),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&specPath, "spec", "s", "", "path to the facade spec (YAML or JSON)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the generated source instead of writing it")
	return cmd
}
