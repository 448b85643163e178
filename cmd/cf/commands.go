package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicflow/internal/app"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/lifecycle"
	"civicflow/internal/outbox"
	"civicflow/internal/repo"
)

func departmentCmd() *cobra.Command {
	dep := &cobra.Command{Use: "department", Short: "Manage departments"}
	dep.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.AddDepartment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListDepartments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Name, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return dep
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userAddCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userKeyCmd())
	return usr
}

func userAddCmd() *cobra.Command {
	var (
		role string
		dept int64
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			if r == domain.RoleSystem {
				return fmt.Errorf("the system actor is built in; use --as 0")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.AddUser(ctx, args[0], r, optionalID(cmd, "department", dept))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "citizen", "citizen|officer|admin|auditor")
	cmd.Flags().Int64Var(&dept, "department", 0, "department id (officers only)")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListUsers(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Department"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, idOrDash(u.DepartmentID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func userKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <user id>",
		Short: "Issue an API key for a user (printed once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "user")
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plain, key, err := a.IssueAPIKey(ctx, id, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "key": plain})
				}
				fmt.Println(plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Work with reports"}
	rep.AddCommand(reportCreateCmd())
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	rep.AddCommand(reportTransitionCmd())
	rep.AddCommand(reportHistoryCmd())
	rep.AddCommand(reportActionsCmd())
	rep.AddCommand(reportAutoAssignCmd())
	return rep
}

func reportCreateCmd() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				r, err := a.Engine.CreateReport(ctx, actor, engine.NewReport{Title: title, Description: description})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "report title")
	cmd.Flags().StringVar(&description, "description", "", "report description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func reportListCmd() *cobra.Command {
	var (
		status string
		dept   int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.ReportFilters{DepartmentID: dept, Limit: limit}
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListReports(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Title", "Status", "Department", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.ReportNumber, r.Title, r.Status.Label(), idOrDash(r.DepartmentID), r.StatusUpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().Int64Var(&dept, "department", 0, "department filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <report id>",
		Short: "Show a report and its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func reportTransitionCmd() *cobra.Command {
	var (
		p                    lifecycle.Payload
		dept, officer, dupOf int64
		priority             int
	)
	cmd := &cobra.Command{
		Use:   "transition <report id> <status>",
		Short: "Move a report to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			target := domain.Status(strings.ToLower(strings.TrimSpace(args[1])))
			p.DepartmentID = optionalID(cmd, "department", dept)
			p.OfficerUserID = optionalID(cmd, "officer", officer)
			p.DuplicateOfReportID = optionalID(cmd, "duplicate-of", dupOf)
			p.Priority = optionalInt(cmd, "priority", priority)
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				snap, err := a.Engine.Execute(ctx, id, target, actor, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("%s: %s -> %s\n", snap.Report.ReportNumber, snap.From.Label(), snap.To.Label())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&p.Notes, "notes", "", "notes for the history entry")
	cmd.Flags().StringVar(&p.Category, "category", "", "category (classification)")
	cmd.Flags().StringVar(&p.SubCategory, "sub-category", "", "sub-category (classification)")
	cmd.Flags().StringVar(&p.Severity, "severity", "", "low|medium|high|critical (classification)")
	cmd.Flags().Int64Var(&dept, "department", 0, "department id")
	cmd.Flags().Int64Var(&officer, "officer", 0, "officer user id")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority 1-10")
	cmd.Flags().Int64Var(&dupOf, "duplicate-of", 0, "original report id")
	return cmd
}

func reportHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <report id>",
		Short: "Show a report's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.StatusHistory(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "By", "Notes"})
				for _, h := range entries {
					from := "-"
					if h.OldStatus != nil {
						from = h.OldStatus.Label()
					}
					tw.AppendRow(table.Row{h.ChangedAt, from, h.NewStatus.Label(), idOrDash(h.ChangedByUserID), h.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reportActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <report id>",
		Short: "List the transitions the --as user may attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				actions, err := a.Engine.AvailableActions(ctx, id, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Target", "Label", "Requires"})
				for _, act := range actions {
					req := make([]string, len(act.Required))
					for i, f := range act.Required {
						req[i] = string(f)
					}
					tw.AppendRow(table.Row{act.Target, act.Label, strings.Join(req, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reportAutoAssignCmd() *cobra.Command {
	var (
		strategy, notes string
		priority        int
	)
	cmd := &cobra.Command{
		Use:   "auto-assign <report id>",
		Short: "Assign the report to an officer of its department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			opts := engine.AutoAssignOptions{Priority: optionalInt(cmd, "priority", priority), Notes: notes}
			if strategy != "" {
				if opts.Strategy, err = engine.ParseStrategy(strategy); err != nil {
					return err
				}
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				snap, err := a.Engine.AutoAssign(ctx, id, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				if snap.Task == nil {
					return printJSONOrTable(snap)
				}
				fmt.Printf("%s assigned to officer %d\n", snap.Report.ReportNumber, snap.Task.AssignedTo)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "least_busy|balanced (default from config)")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority 1-10")
	cmd.Flags().StringVar(&notes, "notes", "", "history notes")
	return cmd
}

func taskCmd() *cobra.Command {
	tk := &cobra.Command{Use: "task", Short: "Inspect officer tasks"}
	var (
		officer int64
		status  string
		open    bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.TaskFilters{AssignedTo: officer, OpenOnly: open}
			if status != "" {
				s, err := domain.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Report", "Officer", "Status", "Priority", "Assigned"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.ReportID, t.AssignedTo, t.Status, t.Priority, t.AssignedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&officer, "officer", 0, "assigned officer user id")
	list.Flags().StringVar(&status, "status", "", "task status filter")
	list.Flags().BoolVar(&open, "open", false, "only assigned, acknowledged and in-progress tasks")
	tk.AddCommand(list)
	return tk
}

func appealCmd() *cobra.Command {
	ap := &cobra.Command{Use: "appeal", Short: "File and decide appeals"}

	var kind, reason string
	file := &cobra.Command{
		Use:   "file <report id>",
		Short: "Appeal a report decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				appeal, err := a.Engine.FileAppeal(ctx, actor, id, domain.AppealKind(kind), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(appeal)
			})
		},
	}
	file.Flags().StringVar(&kind, "kind", "resolution", "classification|assignment|resolution|rework")
	file.Flags().StringVar(&reason, "reason", "", "why the decision is wrong")
	ap.AddCommand(file)

	ap.AddCommand(&cobra.Command{
		Use:   "decide <appeal id> <under_review|approved|rejected|withdrawn>",
		Short: "Decide an appeal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "appeal")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				appeal, err := a.Engine.DecideAppeal(ctx, actor, id, domain.AppealStatus(strings.ToLower(args[1])))
				if err != nil {
					return err
				}
				return printJSONOrTable(appeal)
			})
		},
	})

	ap.AddCommand(&cobra.Command{
		Use:   "list <report id>",
		Short: "List a report's appeals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAppeals(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Filed by", "Reason", "Resolved"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Kind, it.Status, it.FiledBy, it.Reason, orDash(it.ResolvedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return ap
}

func escalateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "escalate <report id>",
		Short: "Escalate a report one level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				esc, err := a.Engine.Escalate(ctx, actor, id, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the report needs attention")
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Decide and list escalations"}
	esc.AddCommand(&cobra.Command{
		Use:   "decide <escalation id> <approved|dismissed>",
		Short: "Approve or dismiss an escalation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "escalation")
			if err != nil {
				return err
			}
			var approve bool
			switch domain.EscalationStatus(strings.ToLower(args[1])) {
			case domain.EscalationApproved:
				approve = true
			case domain.EscalationDismissed:
			default:
				return fmt.Errorf("decision must be approved or dismissed")
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				e, err := a.Engine.DecideEscalation(ctx, actor, id, approve)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	})
	esc.AddCommand(&cobra.Command{
		Use:   "list <report id>",
		Short: "List a report's escalations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "report")
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEscalations(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Level", "Status", "By", "Reason", "Decided"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Level, it.Status, idOrDash(it.EscalatedBy), it.Reason, orDash(it.DecidedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return esc
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Replay transitions recorded offline"}

	var file string
	var asRecorded bool
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Apply a JSON array of intents; applied ids are skipped",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			intents, err := outbox.Decode(f)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var override *domain.Actor
				if !asRecorded {
					actor, err := a.Actor(ctx, viper.GetInt64("as"), "")
					if err != nil {
						return err
					}
					override = &actor
				}
				results, err := outbox.Replayer{Engine: a.Engine}.Replay(ctx, intents, override)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Intent", "Report", "Target", "Outcome", "Detail"})
				for _, r := range results {
					detail := r.Message
					if r.ErrorKind != "" {
						detail = r.ErrorKind + ": " + r.Message
					}
					tw.AppendRow(table.Row{r.ID, r.ReportID, r.Target, r.Outcome, detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	replay.Flags().StringVar(&file, "file", "", "intents JSON file")
	replay.Flags().BoolVar(&asRecorded, "as-recorded", false, "use the actor recorded in each intent instead of --as")
	_ = replay.MarkFlagRequired("file")
	ob.AddCommand(replay)

	ob.AddCommand(&cobra.Command{
		Use:   "new-id",
		Short: "Print a fresh intent id",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(outbox.NewIntentID())
		},
	})
	return ob
}
