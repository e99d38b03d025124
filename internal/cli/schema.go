package cli

import (
	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/schema"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the job file JSON schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(schema.JobV1Schema)
			return err
		},
	}
}
