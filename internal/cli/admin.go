package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/cha-panelas/internal/moderation"
	"github.com/DoyleJ11/cha-panelas/internal/stream"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

func (a *app) adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Moderate the guest list (needs --secret)",
	}
	cmd.AddCommand(a.adminListCmd(), a.adminStatsCmd(),
		a.adminActionCmd(moderation.ReleaseAction), a.adminActionCmd(moderation.RemoveAction),
		a.adminWatchCmd())
	return cmd
}

// moderation starts a flow signed in with --secret and loaded with query q.
func (a *app) moderation(ctx context.Context, q string, o moderation.Options) (*moderation.Flow, error) {
	o.Logger = a.log
	f := moderation.New(ctx, a.client, o)
	f.SetSecret(a.v.GetString("secret"))
	f.SetSearch(q)
	if err := f.Load(ctx); err != nil {
		f.Close()
		if errors.Is(err, moderation.ErrSecretRequired) {
			return nil, fmt.Errorf("%w: pass --secret or set CHACTL_SECRET", err)
		}
		return nil, err
	}
	return f, nil
}

func (a *app) adminListCmd() *cobra.Command {
	var q string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List guests and what they bring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.moderation(cmd.Context(), q, moderation.Options{})
			if err != nil {
				return err
			}
			defer f.Close()

			v, err := f.State(cmd.Context())
			if err != nil {
				return err
			}
			printGuests(cmd.OutOrStdout(), v.Entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&q, "query", "q", "", "filter by name")
	return cmd
}

func (a *app) adminStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show guest and item totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.moderation(cmd.Context(), "", moderation.Options{})
			if err != nil {
				return err
			}
			defer f.Close()

			v, err := f.State(cmd.Context())
			if err != nil {
				return err
			}
			if v.Stats == nil {
				return fmt.Errorf("stats unavailable: %w", v.StatsErr)
			}
			printStats(cmd.OutOrStdout(), *v.Stats)
			return nil
		},
	}
}

func (a *app) adminActionCmd(action moderation.Action) *cobra.Command {
	var yes bool
	short := "Free the item a guest chose"
	if action == moderation.RemoveAction {
		short = "Delete a guest and free their item"
	}
	cmd := &cobra.Command{
		Use:   action.String() + " GUEST_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid guest id %q", args[0])
			}
			f, err := a.moderation(cmd.Context(), "", moderation.Options{})
			if err != nil {
				return err
			}
			defer f.Close()

			do := f.Release
			if action == moderation.RemoveAction {
				do = f.Remove
			}
			out := cmd.OutOrStdout()

			res, err := do(cmd.Context(), id)
			if err != nil {
				return err
			}
			if res != moderation.Armed {
				return fmt.Errorf("guest %d is busy, try again", id)
			}
			if !yes {
				fmt.Fprintf(out, "%s guest %d? press enter within %s to confirm ", action, id, moderation.DefaultArmFor)
				if _, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
					return err
				}
			}

			res, err = do(cmd.Context(), id)
			switch {
			case err != nil:
				return err
			case res == moderation.Armed:
				return errors.New("confirmation expired, nothing was changed")
			case res == moderation.Ignored:
				return fmt.Errorf("guest %d is busy, try again", id)
			}
			v, _ := f.State(cmd.Context())
			fmt.Fprintln(out, v.Notice)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm without prompting")
	return cmd
}

func (a *app) adminWatchCmd() *cobra.Command {
	var q string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the guest list and totals live until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			f, err := a.moderation(cmd.Context(), q, moderation.Options{
				OnChange: func(v moderation.View) {
					if v.Loading {
						return
					}
					if v.Err != "" {
						fmt.Fprintf(out, "! %s\n", v.Err)
						return
					}
					printGuests(out, v.Entries)
					if v.Stats != nil {
						printStats(out, *v.Stats)
					}
				},
			})
			if err != nil {
				return err
			}
			defer f.Close()

			a.watch(cmd.Context(), f.HandleEvent, func(st stream.ConnectionState) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", st.Status)
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&q, "query", "q", "", "filter by name")
	return cmd
}

func printGuests(w io.Writer, entries []moderation.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no guests")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tITEM\tSINCE")
	for _, e := range entries {
		item := "-"
		if e.Item != nil {
			item = *e.Item
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, e.Name, item, e.CreatedAt.Local().Format("02/01 15:04"))
	}
	_ = tw.Flush()
}

func printStats(w io.Writer, st types.Stats) {
	fmt.Fprintf(w, "%d guests, %d with an item, %d/%d items chosen (%.0f%%)\n",
		st.TotalGuests, st.WithItem, st.ItemsClaimed, st.TotalItems, st.PercentClaimed)
}
