package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnibrowser/jobstream/internal/job"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs in the store.",
	}
	cmd.AddCommand(newJobsListCmd(a), newJobsGetCmd(a), newJobsStatsCmd(a))
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var (
		owner  string
		state  string
		typ    string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := job.Query{OwnerID: owner, Type: typ, Limit: limit, Offset: offset}
			if state != "" {
				s := job.State(state)
				if !s.Valid() {
					return fmt.Errorf("unknown state %q", state)
				}
				q.States = []job.State{s}
			}
			jobs, err := a.store.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOWNER\tTYPE\tSTATE\tPROGRESS\tLAST ACTIVITY")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
					j.ID, j.OwnerID, j.Type, j.State, j.Progress, j.LastActivity.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only jobs of this owner")
	cmd.Flags().StringVar(&state, "state", "", "only jobs in this state")
	cmd.Flags().StringVar(&typ, "type", "", "only jobs of this type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newJobsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print one job as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(j)
		},
	}
}

func newJobsStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts by state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
