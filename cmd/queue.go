// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue/handlers"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the upload queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print task counts by status and type",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(q taskqueue.Queue) error {
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by type and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		taskType, _ := f.GetString("type")
		status, _ := f.GetString("status")
		limit, _ := f.GetInt("limit")
		offset, _ := f.GetInt("offset")
		filter := taskqueue.TaskFilter{
			Type:   taskqueue.TaskType(taskType),
			Status: taskqueue.TaskStatus(status),
			Limit:  limit,
			Offset: offset,
		}
		return withQueue(cmd, func(q taskqueue.Queue) error {
			tasks, err := q.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(tasks)
		})
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete completed and cancelled tasks older than --older_than",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older_than")
		if olderThan <= 0 {
			return fmt.Errorf("--older_than must be positive")
		}
		return withQueue(cmd, func(q taskqueue.Queue) error {
			n, err := q.Cleanup(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			logger.Info().Int("deleted", n).Dur("older_than", olderThan).Msg("queue cleanup finished")
			return nil
		})
	},
}

var queueTitleCmd = &cobra.Command{
	Use:   "title <title>",
	Short: "Enqueue a title job; without --upload_id it becomes the default title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uploadID, _ := cmd.Flags().GetString("upload_id")
		task, err := handlers.NewTitleTask(uploadID, args[0])
		if err != nil {
			return err
		}
		return withQueue(cmd, func(q taskqueue.Queue) error {
			if err := q.Enqueue(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Println(task.ID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	for _, c := range []*cobra.Command{queueStatsCmd, queueListCmd, queueCleanupCmd, queueTitleCmd} {
		addQueueFlags(c)
		queueCmd.AddCommand(c)
	}

	queueListCmd.Flags().String("type", "", "Only tasks of this type")
	queueListCmd.Flags().String("status", "", "Only tasks in this status")
	queueListCmd.Flags().Int("limit", 50, "Maximum tasks to print")
	queueListCmd.Flags().Int("offset", 0, "Tasks to skip")
	queueCleanupCmd.Flags().Duration("older_than", 24*time.Hour, "Minimum age of deleted tasks")
	queueTitleCmd.Flags().String("upload_id", "", "Upload the title belongs to")
}

func withQueue(cmd *cobra.Command, fn func(taskqueue.Queue) error) error {
	opts := loadQueueOpts(cmd)
	if opts.Backend == "memory" {
		return fmt.Errorf("queue commands need a shared backend, not %q", opts.Backend)
	}
	q, err := openQueue(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(q)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
