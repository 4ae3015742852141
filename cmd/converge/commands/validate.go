package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a desired-state document",
		Long: `Validate checks the document against every resource family's schema:
types, enums, ranges, required fields, cross-field constraints and
duplicate identities. No network calls are made.`,
		Example: `  converge validate -c site.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(runtimeOptions{})
			if err != nil {
				return err
			}

			errs := rt.engine.Validate(rt.doc)
			if jsonOutput {
				encoded, err := json.MarshalIndent(map[string]interface{}{
					"valid":  len(errs) == 0,
					"errors": errs,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
			} else {
				for _, e := range errs {
					fmt.Println(e)
				}
				if len(errs) == 0 {
					fmt.Println("document is valid")
				}
			}

			if len(errs) > 0 {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
}
