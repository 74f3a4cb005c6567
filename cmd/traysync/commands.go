package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/shelepuginivan/traysync"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print tray events as they happen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		for {
			ev, err := s.sub.Recv(ctx)

			var lagged *traysync.LaggedError
			switch {
			case errors.As(err, &lagged):
				log.Warn().Uint64("missed", lagged.Missed).Msg("events dropped")
				continue
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), describeEvent(ev))

			if lost, ok := ev.(traysync.ConnectionLost); ok {
				return lost.Err
			}
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tray items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.settled(ctx); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tID\tSTATUS\tCATEGORY\tTITLE\tMENU")
		for _, item := range s.client.Items() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				item.Key, item.ID, item.Status, item.Category, item.Title, item.MenuPath)
		}

		return w.Flush()
	},
}

var expandAll bool

var menuCmd = &cobra.Command{
	Use:   "menu <item>",
	Short: "Print the menu of a tray item",
	Long: `Print the menu of a tray item. The item is given either by its key, such as
":1.185/StatusNotifierItem", or by its id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.settled(ctx); err != nil {
			return err
		}

		item, err := s.find(args[0])
		if err != nil {
			return err
		}

		if err := s.client.EnsureExpanded(ctx, item.Key, traysync.RootNodeID); err != nil {
			return err
		}

		if expandAll {
			if err := expandSubmenus(ctx, s.client, item.Key); err != nil {
				return err
			}
		}

		layout, err := s.client.Menu(item.Key)
		if err != nil {
			return err
		}

		printLayout(cmd, layout)

		return nil
	},
}

var (
	secondary bool
	posX      int32
	posY      int32
)

var activateCmd = &cobra.Command{
	Use:   "activate <item>",
	Short: "Activate a tray item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.settled(ctx); err != nil {
			return err
		}

		item, err := s.find(args[0])
		if err != nil {
			return err
		}

		if secondary {
			return s.client.Router().SecondaryActivate(ctx, item.Key, posX, posY)
		}

		return s.client.Router().Activate(ctx, item.Key, posX, posY)
	},
}

func init() {
	menuCmd.Flags().BoolVar(&expandAll, "all", true, "expand every submenu")

	activateCmd.Flags().BoolVar(&secondary, "secondary", false, "use secondary activation, typically a middle click")
	activateCmd.Flags().Int32Var(&posX, "x", 0, "x coordinate hint")
	activateCmd.Flags().Int32Var(&posY, "y", 0, "y coordinate hint")
}

// expandSubmenus expands every submenu that was not expanded yet.
func expandSubmenus(ctx context.Context, client *traysync.Client, key traysync.ItemKey) error {
	expanded := map[int32]bool{traysync.RootNodeID: true}

	for {
		layout, err := client.Menu(key)
		if err != nil {
			return err
		}

		var pending []int32
		layout.Walk(func(node *traysync.Node, depth int) bool {
			if node.IsSubmenu() && !expanded[node.ID] {
				pending = append(pending, node.ID)
			}
			return true
		})

		if len(pending) == 0 {
			return nil
		}

		for _, id := range pending {
			expanded[id] = true
			if err := client.EnsureExpanded(ctx, key, id); err != nil {
				log.Warn().Err(err).Int32("node", id).Msg("failed to expand submenu")
			}
		}
	}
}

func printLayout(cmd *cobra.Command, layout *traysync.Layout) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "revision %d\n", layout.Revision)

	layout.Walk(func(node *traysync.Node, depth int) bool {
		if node.ID == traysync.RootNodeID {
			return true
		}

		if !node.Visible() {
			return false
		}

		indent := strings.Repeat("  ", depth-1)

		if node.IsSeparator() {
			fmt.Fprintf(out, "%s----\n", indent)
			return true
		}

		var flags []string
		if !node.Enabled() {
			flags = append(flags, "disabled")
		}
		switch node.ToggleType() {
		case "checkmark", "radio":
			flags = append(flags, fmt.Sprintf("%s=%d", node.ToggleType(), node.ToggleState()))
		}

		line := fmt.Sprintf("%s[%d] %s", indent, node.ID, strings.ReplaceAll(node.Label(), "_", ""))
		if len(flags) > 0 {
			line += " (" + strings.Join(flags, ", ") + ")"
		}
		if node.IsSubmenu() {
			line += " >"
		}

		fmt.Fprintln(out, line)

		return true
	})
}

func describeEvent(ev traysync.Event) string {
	switch ev := ev.(type) {
	case traysync.ItemDiscovered:
		return fmt.Sprintf("discovered %s id=%q status=%s", ev.Key, ev.Item.ID, ev.Item.Status)
	case traysync.ItemUpdated:
		return fmt.Sprintf("updated %s %s", ev.Key, ev.Fields)
	case traysync.ItemLost:
		return fmt.Sprintf("lost %s", ev.Key)
	case traysync.MenuLayoutUpdated:
		return fmt.Sprintf("menu %s revision=%d", ev.Key, ev.Revision)
	case traysync.MenuPropertiesUpdated:
		return fmt.Sprintf("menu %s properties of %v", ev.Key, ev.IDs)
	case traysync.MenuActivationRequested:
		return fmt.Sprintf("menu %s activation of %d requested", ev.Key, ev.NodeID)
	case traysync.ItemError:
		return fmt.Sprintf("error %s: %v", ev.Key, ev.Err)
	case traysync.ConnectionLost:
		return fmt.Sprintf("connection lost: %v", ev.Err)
	default:
		return fmt.Sprintf("%T", ev)
	}
}
