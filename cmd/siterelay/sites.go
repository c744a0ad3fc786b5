package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/replication"
)

func newSitesCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Manage the site registry",
	}
	cmd.AddCommand(sitesListCmd(f), sitesAddCmd(f), sitesDetectCmd(f), sitesRemoveCmd(f))
	return cmd
}

func sitesListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered sites",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			sites, err := a.store.Objects(cmd.Context())
			if err != nil {
				return err
			}
			if len(sites) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), muted("no sites registered"))
				return nil
			}

			rows := make([][]string, len(sites))
			for i, s := range sites {
				rows[i] = []string{s.ID, s.Name, s.URL, s.Type.String(), boolText(s.MustBePolled()), strconv.Itoa(s.Version)}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "URL", "Type", "Polled", "Version"}, rows))
			return nil
		},
	}
}

func sitesAddCmd(f *rootFlags) *cobra.Command {
	var site model.Site
	var typ string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a site; omit --type to detect it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := model.ParseSiteType(strings.ToUpper(typ))
			if err != nil {
				return err
			}
			site.Type = t

			a, err := openApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Save(cmd.Context(), &site); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("site %s registered (%s)", site.ID, site.Type))
			return nil
		},
	}
	cmd.Flags().StringVar(&site.ID, "id", "", "site id (generated when empty)")
	cmd.Flags().StringVar(&site.Name, "name", "", "display name")
	cmd.Flags().StringVar(&site.URL, "url", "", "site base URL")
	cmd.Flags().StringVar(&typ, "type", "", "site type: DDF, ION, or CSW")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func sitesDetectCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <id>",
		Short: "Resolve a site, detecting and saving its type when unset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			replicator := replication.NewReplicator(a.store, a.adapters, nil, a.reporter, a.log)
			ad, err := replicator.StoreForID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer ad.Close()

			site, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("%s is %s (%s), available: %s",
				site.ID, site.Type, ad.SystemName(), boolText(ad.IsAvailable(cmd.Context()))))
			return nil
		},
	}
}

func sitesRemoveCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a site from the registry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("site %s removed", args[0]))
			return nil
		},
	}
}
