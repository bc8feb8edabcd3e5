package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/kball/taskmesh/internal/cache"
	"github.com/kball/taskmesh/internal/mapper"
	"github.com/kball/taskmesh/internal/model"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var (
	taskAddProject string
	taskAddContent string
	taskAddDue     string
)

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Long: `Add a task.

Without --project the task is purely local and never leaves this
machine. With --project it is created in the shared store and mirrored
into every member's cache.

--due accepts natural language ("tomorrow at 5pm", "next friday").`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		title := args[0]

		var dueAt *time.Time
		if taskAddDue != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)

			r, err := w.Parse(taskAddDue, time.Now())
			if err != nil || r == nil {
				fmt.Fprintf(os.Stderr, "Error: cannot parse due date %q\n", taskAddDue)
				os.Exit(1)
			}
			dueAt = &r.Time
		}

		if taskAddProject != "" {
			member := requireMember(cfg)
			engine := openEngine(cfg)
			defer engine.Close()

			task := &model.RemoteTask{
				ProjectID:  taskAddProject,
				Title:      title,
				Content:    taskAddContent,
				CreatorID:  member,
				AssigneeID: member,
				DueAt:      dueAt,
			}
			if err := engine.Gateway().CreateTask(context.Background(), task); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating shared task: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Created shared task %s in project %s\n", task.ID, taskAddProject)
			return
		}

		engine := openEngine(cfg)
		defer engine.Close()

		now := time.Now().UTC()
		rec := &cache.TaskRecord{
			Title:     title,
			Content:   taskAddContent,
			DueAt:     dueAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		id, err := engine.Cache().Insert(rec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created local task #%d\n", id)
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <local-id>",
	Short: "Mark a task complete",
	Long: `Mark a task complete.

If the task mirrors a shared project task, the completion is pushed to
the shared store so collaborators see it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid task id %q\n", args[0])
			os.Exit(1)
		}

		engine := openEngine(cfg)
		defer engine.Close()

		rec, err := engine.Cache().GetByID(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		now := time.Now().UTC()
		rec.Completed = true
		rec.CompletedAt = &now
		rec.UpdatedAt = now

		if err := engine.Cache().Update(rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error updating task: %v\n", err)
			os.Exit(1)
		}

		if err := engine.Coordinator().PushLocalCompletion(context.Background(), rec); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: completed locally but failed to push upstream: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Completed: %s\n", mapper.DisplayTitle(rec))
	},
}

var taskListAll bool

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open tasks",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		engine := openEngine(cfg)
		defer engine.Close()

		filter := cache.ListFilter{}
		if !taskListAll {
			incomplete := false
			filter.Completed = &incomplete
		}

		recs, err := engine.Cache().List(filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
			os.Exit(1)
		}

		for _, rec := range recs {
			mark := " "
			if rec.Completed {
				mark = "x"
			}
			due := ""
			if rec.DueAt != nil {
				due = " (due " + rec.DueAt.Local().Format("Jan 2 15:04") + ")"
			}
			fmt.Printf("[%s] #%d %s%s\n", mark, rec.ID, mapper.DisplayTitle(rec), due)
		}
	},
}

func init() {
	taskAddCmd.Flags().StringVarP(&taskAddProject, "project", "p", "", "create in a shared project")
	taskAddCmd.Flags().StringVarP(&taskAddContent, "content", "c", "", "free-text content")
	taskAddCmd.Flags().StringVar(&taskAddDue, "due", "", "due date (natural language)")
	taskListCmd.Flags().BoolVarP(&taskListAll, "all", "a", false, "include completed tasks")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskDoneCmd)
	taskCmd.AddCommand(taskListCmd)
}
