package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rochaturbo/RochaTurbo/internal/app"
	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/store"
)

// flowListLimit is how many instances `flows list` prints.
const flowListLimit = 50

func newRedriveCommand(opts *rootOptions) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "redrive",
		Short: "Re-drive failed webhook events (all, or one with --id)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), opts.cfg, app.RoleCLI)
			if err != nil {
				return err
			}
			defer a.Close()

			var out any
			if id > 0 {
				outcome, err := a.Redriver.RedriveEvent(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("redrive webhook event %d: %w", id, err)
				}
				out = map[string]any{"webhook_event_id": outcome.WebhookEventID, "queued": outcome.Queued, "job_id": outcome.JobID}
			} else {
				summary, err := a.Redriver.RedriveFailed(cmd.Context())
				if err != nil {
					return err
				}
				out = summary
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "re-drive only this webhook event")
	return cmd
}

func newFlowsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect and cancel flow instances",
	}

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List the latest flow instances of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.OpenStore(opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			flows, err := st.ListFlows(cmd.Context(), args[0], flowListLimit)
			if err != nil {
				return err
			}
			if len(flows) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no flows for %s\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tWIZARD\tSTATUS\tSTEP\tMONTH\tUPDATED")
			for _, f := range flows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", f.ID, f.FlowType, dash(f.Context.ModuleWizard),
					f.Status, dash(f.StepKey), dash(f.MonthRef), f.UpdatedAt.UTC().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <flow-id>",
		Short: "Cancel an active flow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.OpenStore(opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			f, err := st.CancelFlow(cmd.Context(), args[0], reason)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("flow %s not found", args[0])
			case errors.Is(err, store.ErrFlowNotActive):
				return fmt.Errorf("flow %s is not active", args[0])
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled flow %s of %s (%s)\n", f.ID, f.UserID, reason)
			return nil
		},
	}
	cancel.Flags().StringVar(&reason, "reason", models.ReasonAdminCanceled, "reason recorded on the flow")

	cmd.AddCommand(list, cancel)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
