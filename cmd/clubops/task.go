package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clubops/internal/app"
	"clubops/internal/domain"
	"clubops/internal/engine"
	"clubops/internal/ownership"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskUnassignCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskCompletionCmd("complete", "Mark a task completed", true))
	task.AddCommand(taskCompletionCmd("reopen", "Reopen a completed task", false))
	task.AddCommand(taskClaimableCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f domain.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f.ClubID = rt.ClubID()
				tasks, err := rt.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(ctx, rt.Engine, tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.FixtureID, "fixture", "", "fixture filter")
	cmd.Flags().StringVar(&f.TemplatePackID, "pack", "", "template pack filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "explicit owner filter")
	cmd.Flags().BoolVar(&f.IncompleteOnly, "incomplete", false, "only incomplete tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its effective owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				o, err := rt.Engine.EffectiveOwner(ctx, t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "ownership": o})
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", t.ID},
					{"Label", t.Label},
					{"Fixture", deref(t.FixtureID)},
					{"Template pack", deref(t.TemplatePackID)},
					{"Owner", t.Owner()},
					{"Backup", t.Backup()},
					{"Role", t.Role()},
					{"Effective", ownerLabel(o)},
					{"Completed", completionLabel(t)},
					{"Due", deref(t.DueAt)},
					{"Updated", t.UpdatedAt},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts.ClubID = rt.ClubID()
				opts.ActorID = actor
				t, err := rt.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTasks(ctx, rt.Engine, []domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "task label")
	cmd.Flags().StringVar(&opts.FixtureID, "fixture", "", "fixture id")
	cmd.Flags().StringVar(&opts.TemplatePackID, "pack", "", "template pack id")
	cmd.Flags().IntVar(&opts.SortOrder, "sort", 0, "sort order")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "explicit owner")
	cmd.Flags().StringVar(&opts.BackupID, "backup", "", "backup person")
	cmd.Flags().StringVar(&opts.OwnerRole, "role", "", "owner role")
	cmd.Flags().StringVar(&opts.DueAt, "due", "", "due time (RFC3339)")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a role task as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.ClaimTask(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printTasks(ctx, rt.Engine, []domain.Task{t})
			})
		},
	}
}

func taskUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <id>",
		Short: "Clear the explicit owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.UnassignTask(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printTasks(ctx, rt.Engine, []domain.Task{t})
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var owner, backup string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Set owner and/or backup (empty value clears)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			opts := engine.ReassignOptions{TaskID: args[0], ActorID: actor}
			if cmd.Flags().Changed("owner") {
				opts.OwnerID = &owner
			}
			if cmd.Flags().Changed("backup") {
				opts.BackupID = &backup
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.ReassignTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTasks(ctx, rt.Engine, []domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "new owner")
	cmd.Flags().StringVar(&backup, "backup", "", "new backup")
	cmd.MarkFlagsOneRequired("owner", "backup")
	return cmd
}

func taskCompletionCmd(use, short string, completed bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.ToggleCompletion(ctx, args[0], completed, actor)
				if err != nil {
					return err
				}
				return printTasks(ctx, rt.Engine, []domain.Task{t})
			})
		},
	}
}

func taskClaimableCmd() *cobra.Command {
	var person string
	cmd := &cobra.Command{
		Use:   "claimable",
		Short: "List tasks a person may claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			if person == "" {
				person = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.ClaimableTasks(ctx, rt.ClubID(), person)
				if err != nil {
					return err
				}
				return printTasks(ctx, rt.Engine, tasks)
			})
		},
	}
	cmd.Flags().StringVar(&person, "person", "", "person id (default --actor-id)")
	return cmd
}

func handoverCmd() *cobra.Command {
	h := &cobra.Command{Use: "handover", Short: "Move a person's open tasks"}
	h.AddCommand(handoverRunCmd("preview", "Count the tasks a handover would move", false))
	h.AddCommand(handoverRunCmd("execute", "Move the tasks", true))
	return h
}

func handoverRunCmd(use, short string, execute bool) *cobra.Command {
	var req domain.HandoverRequest
	var scope, target string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Scope = domain.HandoverScope(scope)
			req.Target = domain.HandoverTarget(target)
			var actor string
			if execute {
				var err error
				if actor, err = actorID(); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req.ClubID = rt.ClubID()
				var res domain.HandoverResult
				var err error
				if execute {
					res, err = rt.Engine.ExecuteHandover(ctx, actor, req)
				} else {
					res, err = rt.Engine.PreviewHandover(ctx, req)
				}
				if err != nil {
					if execute && res.TasksAffected > 0 {
						fmt.Printf("handover stopped after moving %d task(s)\n", res.TasksAffected)
					}
					return err
				}
				return printHandover(res, execute)
			})
		},
	}
	cmd.Flags().StringVar(&req.FromPersonID, "from", "", "person handing over")
	cmd.Flags().StringVar(&scope, "scope", string(domain.ScopeAll), "all, fixture or pack")
	cmd.Flags().StringVar(&req.FixtureID, "fixture", "", "fixture id for scope fixture")
	cmd.Flags().StringVar(&req.TemplatePackID, "pack", "", "template pack id for scope pack")
	cmd.Flags().StringVar(&target, "target", string(domain.TargetPerson), "person, role or backup")
	cmd.Flags().StringVar(&req.ToPersonID, "to", "", "receiving person for target person")
	cmd.Flags().StringVar(&req.ToRole, "role", "", "receiving role for target role")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func printHandover(res domain.HandoverResult, executed bool) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	verb := "would move"
	if executed {
		verb = "moved"
	}
	fmt.Printf("%s %d task(s)\n", verb, res.TasksAffected)
	if len(res.Errors) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Skipped"})
		for _, e := range res.Errors {
			tw.AppendRow(table.Row{e})
		}
		tw.Render()
	}
	return nil
}

func printTasks(ctx context.Context, e engine.Engine, tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Label", "Fixture", "Owner", "Backup", "Done"})
	for _, t := range tasks {
		o, err := e.EffectiveOwner(ctx, t)
		if err != nil {
			return err
		}
		tw.AppendRow(table.Row{t.ID, t.Label, deref(t.FixtureID), ownerLabel(o), t.Backup(), completionLabel(t)})
	}
	tw.Render()
	return nil
}

func ownerLabel(o ownership.Ownership) string {
	switch o.Kind {
	case ownership.ExplicitOwner:
		return o.PersonID
	case ownership.RoleClaimable:
		return "@" + o.Role
	default:
		return "-"
	}
}

func completionLabel(t domain.Task) string {
	if !t.IsCompleted {
		return ""
	}
	return fmt.Sprintf("yes (%s)", deref(t.CompletedBy))
}
