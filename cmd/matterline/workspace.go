package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matterline/internal/app"
	"matterline/internal/domain"
	"matterline/internal/engine"
	"matterline/internal/uncertainty"
)

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage workspaces",
	}
	ws.AddCommand(workspaceCreateCmd())
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceShowCmd())
	ws.AddCommand(workspaceTransitionsCmd())
	ws.AddCommand(workspaceTracesCmd())
	return ws
}

func workspaceCreateCmd() *cobra.Command {
	var opts engine.CreateWorkspace
	var sourceFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a workspace from an inbound message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceFile != "" {
				data, err := os.ReadFile(sourceFile)
				if err != nil {
					return err
				}
				opts.SourceRaw = string(data)
			}
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Engine.CreateWorkspace(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "workspace id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.SourceType, "source-type", "email", "source type (email, form, upload, ...)")
	cmd.Flags().StringVar(&opts.SourceRaw, "source", "", "raw message text")
	cmd.Flags().StringVar(&sourceFile, "source-file", "", "read the raw message from a file")
	cmd.Flags().StringToStringVar(&opts.SourceMetadata, "meta", nil, "source metadata key=value")
	cmd.Flags().StringVar(&opts.ProcedureType, "procedure-type", "", "procedure type")
	cmd.Flags().StringVar(&opts.OwnerUserID, "owner", "", "owning user id")
	cmd.MarkFlagsMutuallyExclusive("source", "source-file")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	var f domain.WorkspaceFilter
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = domain.State(strings.ToUpper(state))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkspaces(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Tenant", "State", "Confidence", "Version", "Changed"})
				for _, ws := range items {
					tw.AppendRow(table.Row{
						ws.ID, ws.TenantID, ws.CurrentState,
						fmt.Sprintf("%.0f%%", uncertainty.Percentage(ws.UncertaintyLevel)),
						ws.Version, ws.StateChangedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func workspaceShowCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show <workspace-id>",
		Short: "Show the handoff summary or the full snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Engine.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				if full {
					return printJSON(snap)
				}
				if viper.GetBool("json") {
					return printJSON(snap.Summary())
				}
				printSnapshot(snap)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print the complete snapshot as JSON")
	return cmd
}

func printSnapshot(snap domain.Snapshot) {
	sum := snap.Summary()
	tw := newTable()
	tw.SetTitle("Workspace " + sum.WorkspaceID)
	tw.AppendRows([]table.Row{
		{"State", sum.State},
		{"Locked", sum.Locked},
		{"Confidence", fmt.Sprintf("%.0f%%", sum.ConfidencePercent)},
		{"Facts", sum.Facts},
		{"Obligations (critical)", fmt.Sprintf("%d (%d)", sum.Obligations, sum.CriticalOblig)},
		{"Unresolved blocking", sum.UnresolvedBlocking},
		{"Highest risk", sum.HighestRiskScore},
		{"Irreversible risks", sum.IrreversibleRisks},
		{"Pending actions", sum.PendingActions},
	})
	tw.Render()

	if len(snap.MissingElements) > 0 {
		me := newTable()
		me.SetTitle("Missing elements")
		me.AppendHeader(table.Row{"ID", "Type", "Blocking", "Resolved", "Description"})
		for _, m := range snap.MissingElements {
			me.AppendRow(table.Row{m.ID, m.Type, m.Blocking, m.Resolved, m.Description})
		}
		me.Render()
	}
	if len(snap.Risks) > 0 {
		risks := append([]domain.Risk(nil), snap.Risks...)
		domain.SortRisks(risks)
		rt := newTable()
		rt.SetTitle("Risks")
		rt.AppendHeader(table.Row{"Score", "Impact", "Probability", "Irreversible", "Description"})
		for _, r := range risks {
			rt.AppendRow(table.Row{r.RiskScore, r.Impact, r.Probability, r.Irreversible, r.Description})
		}
		rt.Render()
	}
	if len(snap.Actions) > 0 {
		at := newTable()
		at.SetTitle("Proposed actions")
		at.AppendHeader(table.Row{"ID", "Type", "Target", "Priority", "Executed", "Content"})
		for _, x := range snap.Actions {
			at.AppendRow(table.Row{x.ID, x.Type, x.Target, x.Priority, x.Executed, x.Content})
		}
		at.Render()
	}
}

func workspaceTransitionsCmd() *cobra.Command {
	var order string
	cmd := &cobra.Command{
		Use:   "transitions <workspace-id>",
		Short: "Show state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTransitions(ctx, args[0], domain.Order(order))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"At", "From", "To", "By", "Reason"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.TriggeredAt, t.FromState, t.ToState, t.TriggeredBy, t.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", "asc", "asc or desc")
	return cmd
}

func workspaceTracesCmd() *cobra.Command {
	var order string
	cmd := &cobra.Command{
		Use:   "traces <workspace-id>",
		Short: "Show the reasoning trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTraces(ctx, args[0], domain.Order(order))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"At", "Step", "Explanation"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.CreatedAt, t.Step, t.Explanation})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", "asc", "asc or desc")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Run reasoning stages",
	}
	run.AddCommand(runNextCmd())
	run.AddCommand(runUntilCmd())
	run.AddCommand(runManyCmd())
	return run
}

func runNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <workspace-id>",
		Short: "Run the stage due for the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RunNextStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printStageResults([]engine.StageResult{res})
			})
		},
	}
}

func runUntilCmd() *cobra.Command {
	var maxStages int
	cmd := &cobra.Command{
		Use:   "until <workspace-id>",
		Short: "Run stages until the workspace needs a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, runErr := a.Engine.RunUntilSettled(ctx, args[0], maxStages)
				if err := printStageResults(results); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().IntVar(&maxStages, "max-stages", 0, "stop after this many stages (0 runs to handoff)")
	return cmd
}

func runManyCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "many <workspace-id>...",
		Short: "Advance several workspaces by one stage in parallel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				outcomes, err := a.Engine.AdvanceMany(ctx, args, concurrency)
				if viper.GetBool("json") {
					if perr := printJSON(outcomes); perr != nil {
						return perr
					}
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Workspace", "Stage", "State", "Error"})
				for _, o := range outcomes {
					if o.Result != nil {
						tw.AppendRow(table.Row{o.WorkspaceID, o.Result.Stage, o.Result.To, ""})
						continue
					}
					tw.AppendRow(table.Row{o.WorkspaceID, "", "", fmt.Sprintf("%s: %s", o.Code, o.Message)})
				}
				tw.Render()
				return err
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "workspaces processed at once")
	return cmd
}

func printStageResults(results []engine.StageResult) error {
	if viper.GetBool("json") {
		if results == nil {
			results = []engine.StageResult{}
		}
		return printJSON(results)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Stage", "From", "To", "Created", "Traces", "Confidence", "Attempts"})
	for _, r := range results {
		tw.AppendRow(table.Row{
			r.Stage, r.From, r.To, len(r.Created), r.Traces,
			fmt.Sprintf("%.0f%%", uncertainty.Percentage(r.Uncertainty)), r.Attempts,
		})
	}
	tw.Render()
	return nil
}

func transitionCmd() *cobra.Command {
	var opts engine.ApplyManualTransition
	var target string
	cmd := &cobra.Command{
		Use:   "transition <workspace-id>",
		Short: "Cancel, escalate or lock a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkspaceID = args[0]
			opts.Target = domain.State(strings.ToUpper(target))
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Engine.ApplyManualTransition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state (CANCELLED, ESCALATED, LOCKED)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded on the transition")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", 0, "fail unless the workspace is at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func lockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "lock <workspace-id>",
		Short: "Lock a workspace that is ready for human review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Engine.Lock(ctx, engine.Lock{WorkspaceID: args[0], ActorID: actorID(), Reason: reason})
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition")
	return cmd
}

func resolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <workspace-id> <element-id>",
		Short: "Resolve a missing element",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				el, err := a.Engine.ResolveMissingElement(ctx, engine.ResolveMissingElement{
					WorkspaceID: args[0],
					ElementID:   args[1],
					Resolution:  resolution,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(el)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "how the element was obtained")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func executeCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "execute <workspace-id> <action-id>",
		Short: "Record that a proposed action was carried out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				x, err := a.Engine.MarkActionExecuted(ctx, engine.MarkActionExecuted{
					WorkspaceID: args[0],
					ActionID:    args[1],
					Result:      result,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "outcome of the action")
	return cmd
}

func addCmd() *cobra.Command {
	add := &cobra.Command{
		Use:   "add",
		Short: "Add entities established by a person",
	}
	add.AddCommand(addFactCmd())
	add.AddCommand(addObligationCmd())
	add.AddCommand(addActionCmd())
	return add
}

func addFactCmd() *cobra.Command {
	var opts engine.AddFact
	var source string
	cmd := &cobra.Command{
		Use:   "fact <workspace-id>",
		Short: "Add a fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkspaceID = args[0]
			opts.Source = domain.FactSource(strings.ToUpper(source))
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.AddFact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Label, "label", "", "fact label")
	cmd.Flags().StringVar(&opts.Value, "value", "", "fact value")
	cmd.Flags().StringVar(&source, "source", "", "EXPLICIT_MESSAGE, METADATA, DOCUMENT or INFERRED")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func addObligationCmd() *cobra.Command {
	var opts engine.AddObligation
	cmd := &cobra.Command{
		Use:   "obligation <workspace-id>",
		Short: "Add an obligation under an existing context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkspaceID = args[0]
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.AddObligation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ContextID, "context", "", "context id")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what must be done")
	cmd.Flags().BoolVar(&opts.Mandatory, "mandatory", false, "legally mandatory")
	cmd.Flags().BoolVar(&opts.Critical, "critical", false, "missing it causes irreversible harm")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&opts.LegalRef, "legal-ref", "", "legal reference")
	_ = cmd.MarkFlagRequired("context")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func addActionCmd() *cobra.Command {
	var opts engine.ProposeAction
	var actionType, target, priority string
	cmd := &cobra.Command{
		Use:   "action <workspace-id>",
		Short: "Propose an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkspaceID = args[0]
			opts.Type = domain.ActionType(strings.ToUpper(actionType))
			opts.Target = domain.ActionTarget(strings.ToUpper(target))
			opts.Priority = domain.Priority(strings.ToUpper(priority))
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				x, err := a.Engine.ProposeAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&actionType, "type", "", "QUESTION, DOCUMENT_REQUEST, ALERT, ESCALATION or FORM_SEND")
	cmd.Flags().StringVar(&target, "target", "CLIENT", "CLIENT, INTERNAL_USER or SYSTEM")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, NORMAL, HIGH or CRITICAL")
	cmd.Flags().StringVar(&opts.Content, "content", "", "action content")
	cmd.Flags().StringVar(&opts.Reasoning, "reasoning", "", "why the action is proposed")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func eventsCmd() *cobra.Command {
	var f domain.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List audit events",
		Long:  "The diary of everything committed: workspaces created, entities added, stages committed, transitions and locks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Workspace", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.WorkspaceID, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace-id", "", "only events of this workspace")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}
