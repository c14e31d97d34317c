package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/cha-panelas/internal/reservation"
	"github.com/DoyleJ11/cha-panelas/internal/stream"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

func (a *app) rsvpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rsvp NAME",
		Short: "Confirm presence and remember the guest id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := a.reservation(cmd.Context(), reservation.Options{})
			if err != nil {
				return err
			}
			defer done()

			id, err := s.Register(cmd.Context(), strings.Join(args, " "), "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "presence confirmed, guest id %d\n", id)
			return nil
		},
	}
}

func (a *app) itemsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List the items nobody has chosen yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := a.reservation(cmd.Context(), reservation.Options{})
			if err != nil {
				return err
			}
			defer done()

			if err := s.Refresh(cmd.Context()); err != nil {
				return err
			}
			v, err := s.State(cmd.Context())
			if err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), v.Items)
			return nil
		},
	}
}

func (a *app) claimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim ITEM_ID",
		Short: "Reserve one item for the registered guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || itemID <= 0 {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			s, done, err := a.reservation(cmd.Context(), reservation.Options{})
			if err != nil {
				return err
			}
			defer done()

			out := cmd.OutOrStdout()
			err = s.Claim(cmd.Context(), itemID)
			switch {
			case err == nil:
				fmt.Fprintln(out, "choice registered, thank you!")
				return nil
			case errors.Is(err, reservation.ErrNotRegistered):
				return fmt.Errorf("%w: run chactl rsvp NAME first", err)
			case errors.Is(err, reservation.ErrItemTaken):
				v, verr := s.State(cmd.Context())
				if verr == nil {
					fmt.Fprintln(out, "that item was just taken, still available:")
					printItems(out, v.Items)
				}
			}
			return err
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the available items live until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var (
				shown   []string
				printed bool
			)
			s, done, err := a.reservation(cmd.Context(), reservation.Options{
				Poll: 20 * time.Second,
				OnChange: func(v reservation.View) {
					names := itemNames(v.Items)
					if v.Loading || (printed && slices.Equal(names, shown)) {
						return
					}
					shown, printed = names, true
					fmt.Fprintf(out, "\n%s\n", time.Now().Format("15:04:05"))
					printItems(out, v.Items)
				},
			})
			if err != nil {
				return err
			}
			defer done()

			if err := s.Refresh(cmd.Context()); err != nil {
				a.log.Warn("initial refresh", zap.Error(err))
			}
			a.watch(cmd.Context(),
				stream.Fanout(s.HandleEvent, func(m types.PushMessage) {
					a.log.Debug("push", zap.String("type", m.Type))
				}),
				func(st stream.ConnectionState) {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", st.Status)
				})
			return nil
		},
	}
}

func itemNames(items []types.Item) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	return names
}

func printItems(w io.Writer, items []types.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no items available")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tITEM")
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\n", it.ID, it.Name)
	}
	_ = tw.Flush()
}
