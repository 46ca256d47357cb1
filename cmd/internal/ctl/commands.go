package ctl

import (
	"fmt"
	"text/tabwriter"
	"time"

	"skykey/cmd/internal/app"
	"skykey/cmd/internal/keys"

	"github.com/spf13/cobra"
)

func newIssueKeyCmd(opts *options) *cobra.Command {
	var duration string
	var count int

	cmd := &cobra.Command{
		Use:   "issue-key",
		Short: "Issue new activation keys",
		Long:  `Issue one or more unused activation keys. --duration is 13, 30 or "permanent".`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := keys.ParseDuration(duration)
			if err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}

			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			for i := 0; i < count; i++ {
				k, err := s.keys.Issue(ctx, d)
				if err != nil {
					return fmt.Errorf("issue key: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), k.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&duration, "duration", "d", "", `Key duration: 13, 30 or "permanent"`)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of keys to issue")
	_ = cmd.MarkFlagRequired("duration")
	return cmd
}

func newListKeysCmd(opts *options) *cobra.Command {
	var unusedOnly bool

	cmd := &cobra.Command{
		Use:   "list-keys",
		Short: "List issued keys, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			all, err := s.keys.List(ctx)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tDURATION\tUSED\tUSED_BY\tCREATED")
			shown := 0
			for _, k := range all {
				if unusedOnly && k.Used {
					continue
				}
				shown++
				used := "no"
				if k.Used {
					used = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Duration, used, dash(k.UsedBy), formatTime(k.CreatedAt))
			}
			if shown == 0 {
				fmt.Fprintln(out, "No keys found.")
				return nil
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&unusedOnly, "unused", false, "Only show keys that have not been redeemed")
	return cmd
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired accounts and sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			accounts, err := s.accounts.SweepExpired(ctx)
			if err != nil {
				return fmt.Errorf("sweep accounts: %w", err)
			}
			sessions, err := s.sessions.PurgeExpired(ctx)
			if err != nil {
				return fmt.Errorf("purge sessions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired accounts and %d expired sessions\n", accounts, sessions)
			return nil
		},
	}
}

func newVerifySessionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-session <token>",
		Short: "Resolve a session token to its username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			username, err := s.sessions.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), username)
			return nil
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.store != app.StorePostgres {
				return fmt.Errorf("migrate requires --store=%s (got %q)", app.StorePostgres, opts.store)
			}
			s, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close()

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q is up to date\n", opts.dbSchema)
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
