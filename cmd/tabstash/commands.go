package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tabstash/internal/groups"
	"github.com/agentworkforce/tabstash/internal/identity"
	"github.com/agentworkforce/tabstash/internal/localstore"
	"github.com/agentworkforce/tabstash/internal/status"
)

func newRootCmd() *cobra.Command {
	a := newApp()
	cmd := &cobra.Command{
		Use:           "tabstash",
		Short:         "Keep saved tab groups in sync across devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ./tabstash.yaml or $XDG_CONFIG_HOME/tabstash/tabstash.yaml)")
	flags.String("account", "", "signed-in account id")
	flags.String("account-file", "", "file holding the signed-in account id")
	flags.String("local", "", "local store DSN")
	flags.String("remote", "", "remote store DSN")
	flags.String("token", "", "bearer token for the remote document server")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (text|json)")
	flags.String("log-file", "", "append logs to this file")
	flags.BoolVar(&a.offline, "offline", false, "skip synchronization and only touch the local store")
	flags.DurationVar(&a.syncTimeout, "sync-timeout", 30*time.Second, "how long one-shot commands wait for the initial sync")
	flags.BoolVar(&a.jsonOutput, "json", false, "print JSON instead of text")

	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newAddCmd(a))
	cmd.AddCommand(newRemoveCmd(a))
	cmd.AddCommand(newRenameCmd(a))
	cmd.AddCommand(newPinCmd(a))
	cmd.AddCommand(newCollapseCmd(a))
	cmd.AddCommand(newExportCmd(a))
	cmd.AddCommand(newImportCmd(a))
	cmd.AddCommand(newMigrateCmd(a))
	cmd.AddCommand(newSyncCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newSignInCmd(a))
	cmd.AddCommand(newSignOutCmd(a))
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved groups, pinned first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := a.readSynced(cmd)
			if err != nil {
				return err
			}
			return a.printGroups(cmd.OutOrStdout(), snapshot)
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Show groups and tabs matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := a.readSynced(cmd)
			if err != nil {
				return err
			}
			return a.printGroups(cmd.OutOrStdout(), groups.Filter(snapshot, args[0]))
		},
	}
}

func newAddCmd(a *app) *cobra.Command {
	var color string
	var pinned bool
	cmd := &cobra.Command{
		Use:   "add <title> [url...]",
		Short: "Save a new group at the top of the list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := a.now().UnixMilli()
			g := groups.Group{
				ID:        a.newID(),
				Title:     args[0],
				Items:     []groups.TabItem{},
				Pinned:    pinned,
				Color:     color,
				CreatedAt: now,
				UpdatedAt: now,
			}
			for _, url := range args[1:] {
				g.Items = append(g.Items, groups.TabItem{ID: a.newID(), URL: url, Title: url})
			}
			err := a.mutate(cmd, func(current []groups.Group) ([]groups.Group, error) {
				return groups.AddToTop(current, g), nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), g.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&color, "color", "", "group color")
	cmd.Flags().BoolVar(&pinned, "pin", false, "pin the new group")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <group>",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, func(current []groups.Group) ([]groups.Group, error) {
				i, err := findGroup(current, args[0])
				if err != nil {
					return nil, err
				}
				return append(current[:i], current[i+1:]...), nil
			})
		},
	}
}

func newRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <group> <title>",
		Short: "Change a group's title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editGroup(cmd, args[0], func(g *groups.Group) {
				g.Title = args[1]
			})
		},
	}
}

func newPinCmd(a *app) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "pin <group>",
		Short: "Pin a group to the top of listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editGroup(cmd, args[0], func(g *groups.Group) {
				g.Pinned = !off
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unpin instead")
	return cmd
}

func newCollapseCmd(a *app) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "collapse <group>",
		Short: "Collapse a group in listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editGroup(cmd, args[0], func(g *groups.Group) {
				g.Collapsed = !off
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "expand instead")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all groups as a JSON export file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := a.readSynced(cmd)
			if err != nil {
				return err
			}
			data, err := groups.Export(snapshot)
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace all groups with the contents of an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			imported, err := groups.Import(data)
			if err != nil {
				return err
			}
			if err := a.mutate(cmd, func([]groups.Group) ([]groups.Group, error) {
				return imported, nil
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d groups\n", len(imported))
			return nil
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Fill updatedAt on groups saved by older versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := localstore.MigrateUpdatedAt(cmd.Context(), rt.local)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d groups\n", n)
			return nil
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Keep synchronizing until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			out := cmd.OutOrStdout()

			stopStatus := rt.orch.SubscribeStatus(func(s status.Status) {
				if s.Error != "" {
					fmt.Fprintf(out, "status: %s (%s)\n", s.State, s.Error)
					return
				}
				fmt.Fprintf(out, "status: %s\n", s.State)
			})
			defer stopStatus()
			rt.unsubscribe = rt.orch.AddSubscriber(func(snapshot []groups.Group) {
				fmt.Fprintf(out, "groups: %d\n", len(snapshot))
			})

			<-cmd.Context().Done()
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the account, stores and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()
			state := rt.settle(ctx)
			local, err := rt.local.Get(ctx)
			if err != nil {
				return err
			}
			base, err := rt.local.GetBase(ctx)
			if err != nil {
				return err
			}
			report := statusReport{
				Account: rt.identity.CurrentAccountID(),
				Local:   a.cfg.Local.DSN,
				Remote:  a.cfg.Remote.DSN,
				Groups:  len(local),
				Base:    len(base),
				Sync:    state,
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			account := report.Account
			if account == "" {
				account = "(signed out)"
			}
			fmt.Fprintf(w, "account\t%s\n", account)
			fmt.Fprintf(w, "local\t%s\n", report.Local)
			fmt.Fprintf(w, "remote\t%s\n", report.Remote)
			fmt.Fprintf(w, "groups\t%d\n", report.Groups)
			fmt.Fprintf(w, "base\t%d\n", report.Base)
			fmt.Fprintf(w, "sync\t%s\n", report.Sync.State)
			if report.Sync.Error != "" {
				fmt.Fprintf(w, "error\t%s\n", report.Sync.Error)
			}
			return w.Flush()
		},
	}
}

type statusReport struct {
	Account string        `json:"account"`
	Local   string        `json:"local"`
	Remote  string        `json:"remote"`
	Groups  int           `json:"groups"`
	Base    int           `json:"base"`
	Sync    status.Status `json:"sync"`
}

func newSignInCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "signin <account>",
		Short: "Record the signed-in account in the account file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := a.accountFile()
			if err != nil {
				return err
			}
			defer file.Close()
			return file.SignIn(args[0])
		},
	}
}

func newSignOutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Clear the account file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := a.accountFile()
			if err != nil {
				return err
			}
			defer file.Close()
			return file.SignOut()
		},
	}
}

func (a *app) accountFile() (*identity.File, error) {
	if a.cfg.AccountFile == "" {
		return nil, errors.New("account_file is not configured")
	}
	return identity.NewFile(a.cfg.AccountFile, a.logger)
}

func (a *app) readSynced(cmd *cobra.Command) ([]groups.Group, error) {
	rt, err := a.openRuntime()
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	rt.settle(cmd.Context())
	return rt.local.Get(cmd.Context())
}

func (a *app) mutate(cmd *cobra.Command, edit func([]groups.Group) ([]groups.Group, error)) error {
	rt, err := a.openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.mutate(cmd.Context(), edit)
}

// editGroup changes one group in place and stamps it as modified.
func (a *app) editGroup(cmd *cobra.Command, ref string, edit func(*groups.Group)) error {
	return a.mutate(cmd, func(current []groups.Group) ([]groups.Group, error) {
		i, err := findGroup(current, ref)
		if err != nil {
			return nil, err
		}
		edit(&current[i])
		current[i] = groups.Touch(current[i], a.now().UnixMilli())
		return current, nil
	})
}

// findGroup resolves ref as an exact id or a unique id prefix.
func findGroup(in []groups.Group, ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return -1, errors.New("group id is required")
	}
	match := -1
	for i, g := range in {
		if g.ID == ref {
			return i, nil
		}
		if strings.HasPrefix(g.ID, ref) {
			if match >= 0 {
				return -1, fmt.Errorf("group id %q is ambiguous", ref)
			}
			match = i
		}
	}
	if match < 0 {
		return -1, fmt.Errorf("group %q not found", ref)
	}
	return match, nil
}

func (a *app) printGroups(w io.Writer, snapshot []groups.Group) error {
	pinned, rest := groups.Pinned(groups.SortByOrder(snapshot))
	ordered := append(pinned, rest...)
	if a.jsonOutput {
		return writeJSON(w, groups.Normalize(ordered))
	}
	if len(ordered) == 0 {
		fmt.Fprintln(w, "no groups")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, g := range ordered {
		marker := " "
		if g.Pinned {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d tabs\n", marker, g.ID, g.Title, len(g.Items))
		if g.Collapsed {
			continue
		}
		for _, tab := range g.Items {
			fmt.Fprintf(tw, "\t\t  %s\t%s\n", tab.Title, tab.URL)
		}
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
