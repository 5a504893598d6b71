package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chris247474/nanoclaw"
	"github.com/chris247474/nanoclaw/internal/appconfig"
	"github.com/chris247474/nanoclaw/internal/store"
	"github.com/chris247474/nanoclaw/schema"
)

func newTasksCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect scheduled tasks",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(newTasksListCmd(&cfgPath))
	cmd.AddCommand(newTasksRunsCmd(&cfgPath))

	return cmd
}

func newTasksListCmd(cfgPath *string) *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), filepath.Join(cfg.StoreDir, nanoclaw.StoreFile))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			var tasks []schema.ScheduledTask
			if folder != "" {
				tasks, err = db.TasksForGroup(cmd.Context(), schema.GroupFolder(folder))
			} else {
				tasks, err = db.ListTasks(cmd.Context())
			}
			if err != nil {
				return err
			}
			return writeTasks(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&folder, "group", "", "only list tasks owned by this folder")
	return cmd
}

func newTasksRunsCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show recent runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), filepath.Join(cfg.StoreDir, nanoclaw.StoreFile))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			runs, err := db.TaskRunLogs(cmd.Context(), schema.TaskID(args[0]), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "RUN AT\tSTATUS\tDURATION\tDETAIL")
			for _, run := range runs {
				detail := run.Result
				if run.Status != schema.RunSuccess {
					detail = run.Error
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					run.RunAt.Local().Format(time.DateTime),
					run.Status,
					(time.Duration(run.DurationMS) * time.Millisecond).String(),
					truncate(detail, 60),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}

func writeTasks(w io.Writer, tasks []schema.ScheduledTask) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tGROUP\tSCHEDULE\tSTATUS\tNEXT RUN\tPROMPT")
	for _, task := range tasks {
		next := "-"
		if task.NextRun != nil {
			next = task.NextRun.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			task.ID,
			task.GroupFolder,
			task.ScheduleType,
			task.ScheduleValue,
			task.Status,
			next,
			truncate(task.Prompt, 40),
		)
	}
	return tw.Flush()
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
