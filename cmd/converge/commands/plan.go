package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Compute the convergence plan without executing it",
		Long: `Plan validates the document, reads the controller's current state and
prints the ordered actions a subsequent apply would take. Nothing is
changed on the controller.`,
		Example: `  # Human-readable plan
  converge plan -c site.yaml

  # Machine-readable plan
  converge plan -c site.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(runtimeOptions{})
			if err != nil {
				return err
			}

			plans, verrs, err := rt.engine.PlanDocument(cmd.Context(), rt.doc)
			if err != nil {
				return err
			}
			if len(verrs) > 0 {
				for _, e := range verrs {
					fmt.Println(e)
				}
				return &ExitError{Code: 1, Message: "document failed validation"}
			}

			if jsonOutput {
				encoded, err := json.MarshalIndent(plans, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}

			renderPlans(plans)
			return nil
		},
	}
}

func renderPlans(plans []*engine.Plan) {
	mutations := 0
	for _, plan := range plans {
		fmt.Printf("%s:\n", plan.Family)
		for _, item := range plan.Items {
			fmt.Printf("  %-7s %s", item.Action, item.Item.Key)
			if item.Rationale != "" {
				fmt.Printf("  (%s)", item.Rationale)
			}
			fmt.Println()
		}
		mutations += plan.MutationCount()
	}
	if mutations == 0 {
		fmt.Println("no changes, state is converged")
	} else {
		fmt.Printf("%d change(s) pending\n", mutations)
	}
}
