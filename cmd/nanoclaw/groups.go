package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chris247474/nanoclaw"
	"github.com/chris247474/nanoclaw/internal/appconfig"
	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/internal/store"
	"github.com/chris247474/nanoclaw/schema"
)

func newGroupsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Inspect registered tenants and pending requests",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(newGroupsListCmd(&cfgPath))
	cmd.AddCommand(newGroupsPendingCmd(&cfgPath))

	return cmd
}

func newGroupsListCmd(cfgPath *string) *cobra.Command {
	var available bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			state, err := persist.NewStore(cfg.DataDir)
			if err != nil {
				return err
			}
			if !available {
				return writeGroups(cmd.OutOrStdout(), state.Groups(), schema.GroupFolder(cfg.MainGroupFolder))
			}

			db, err := store.Open(cmd.Context(), filepath.Join(cfg.StoreDir, nanoclaw.StoreFile))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			chats, err := db.ListChats(cmd.Context())
			if err != nil {
				return err
			}
			registered := state.Groups()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "JID\tNAME\tLAST ACTIVITY\tREGISTERED")
			for _, chat := range chats {
				_, ok := registered[chat.JID]
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", chat.JID, chat.Name, chat.LastMessageTime.Local().Format(time.DateTime), ok)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&available, "available", false, "list every chat known to the store")
	return cmd
}

func newGroupsPendingCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List direct chats awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			state, err := persist.NewStore(cfg.DataDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "JID\tPHONE\tSENDER\tREQUESTED")
			for _, req := range state.PendingDMs() {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", req.JID, req.Phone, req.SenderName, req.RequestedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func writeGroups(w io.Writer, groups map[schema.ChatJID]schema.RegisteredGroup, main schema.GroupFolder) error {
	jids := make([]schema.ChatJID, 0, len(groups))
	for jid := range groups {
		jids = append(jids, jid)
	}
	sort.Slice(jids, func(i, j int) bool { return groups[jids[i]].Folder < groups[jids[j]].Folder })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FOLDER\tJID\tNAME\tTRIGGER\tFLAGS")
	for _, jid := range jids {
		group := groups[jid]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", group.Folder, jid, group.Name, group.Trigger, groupFlags(group, main))
	}
	return tw.Flush()
}

func groupFlags(group schema.RegisteredGroup, main schema.GroupFolder) string {
	var flags []string
	if group.Folder == main || group.IsMain {
		flags = append(flags, "main")
	}
	if group.AlwaysProcess {
		flags = append(flags, "always")
	}
	if group.IsDM {
		flags = append(flags, "dm")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
