package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/repo"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage production requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestUpdateCmd())
	req.AddCommand(requestFinishCmd("close", "Close a request to new claims"))
	req.AddCommand(requestFinishCmd("cancel", "Cancel a request"))
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	var mode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Mode = domain.AssignmentMode(mode)
				opts.ActorID = actorID()
				req, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "desc", "", "description")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "category (repeatable)")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeSingle), "SINGLE, MULTIPLE or GROUP")
	cmd.Flags().IntVar(&opts.MaxAssignees, "max-assignees", 0, "capacity for MULTIPLE/GROUP")
	cmd.Flags().Int64Var(&opts.Budget, "budget", 0, "budget in whole currency units")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "1 marks the request urgent")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Title", "Mode", "Status", "Assignees", "Budget", "Priority")
				for _, r := range list {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Mode, r.Status, fmt.Sprintf("%d/%d", r.CurrentAssignees, r.MaxAssignees), r.Budget, r.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "mode filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request and its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				assignments, err := e.ListAssignments(ctx, repo.AssignmentFilter{RequestID: req.ID})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"request": req, "assignments": assignments})
			})
		},
	}
}

func requestUpdateCmd() *cobra.Command {
	var title, desc, deadline, client string
	var categories []string
	var budget int64
	var priority int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an open request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RequestUpdateOptions{ID: args[0], ActorID: actorID()}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("desc") {
				opts.Description = &desc
			}
			if flags.Changed("deadline") {
				opts.Deadline = &deadline
			}
			if flags.Changed("client") {
				opts.ClientID = &client
			}
			if flags.Changed("category") {
				opts.Categories = categories
			}
			if flags.Changed("budget") {
				opts.Budget = &budget
			}
			if flags.Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.UpdateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339, empty clears)")
	cmd.Flags().StringVar(&client, "client", "", "client id")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "categories (replaces the list)")
	cmd.Flags().Int64Var(&budget, "budget", 0, "budget for future claims")
	cmd.Flags().IntVar(&priority, "priority", 0, "1 marks the request urgent")
	return cmd
}

func requestFinishCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fn := e.CloseRequest
				if action == "cancel" {
					fn = e.CancelRequest
				}
				req, err := fn(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func claimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <request-id>",
		Short: "Claim a request as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Claim(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func assignmentCmd() *cobra.Command {
	asg := &cobra.Command{Use: "assignment", Short: "Inspect and release assignments"}
	asg.AddCommand(assignmentListCmd())
	asg.AddCommand(&cobra.Command{
		Use:   "release <id>",
		Short: "Release an assignment and reopen its capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Release(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	return asg
}

func assignmentListCmd() *cobra.Command {
	var f repo.AssignmentFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListAssignments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Request", "Producer", "Budget", "Slots", "Released")
				for _, a := range list {
					tw.AppendRow(table.Row{a.ID, a.RequestID, a.ProducerID, a.BudgetSnapshot, a.VersionSlots, deref(a.ReleasedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RequestID, "request", "", "request filter")
	cmd.Flags().StringVar(&f.ProducerID, "producer", "", "producer filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "hide released assignments")
	return cmd
}

func versionCmd() *cobra.Command {
	ver := &cobra.Command{Use: "version", Short: "Submit and review versions"}
	ver.AddCommand(versionSubmitCmd("submit", "Submit a version on the next slot", false))
	ver.AddCommand(versionSubmitCmd("resubmit", "Resubmit after a revision request", true))
	ver.AddCommand(versionListCmd())
	ver.AddCommand(versionShowCmd())
	ver.AddCommand(&cobra.Command{
		Use:   "review <version-id>",
		Short: "Start reviewing a submitted version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.BeginReview(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	})
	ver.AddCommand(&cobra.Command{
		Use:   "approve <version-id>",
		Short: "Approve a version and record its primary settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Approve(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	ver.AddCommand(versionNoteCmd("revise", "Request a revision; needs pending feedback"))
	ver.AddCommand(versionNoteCmd("reject", "Reject a version with a reason"))
	return ver
}

func versionSubmitCmd(use, short string, resubmit bool) *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   use + " <assignment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AssignmentID = args[0]
			opts.ProducerID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fn := e.Submit
				if resubmit {
					fn = e.ResubmitAfterRevision
				}
				v, err := fn(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Label, "label", "", "version label, e.g. v1.0")
	cmd.Flags().Float64Var(&opts.DurationSeconds, "duration", 0, "video duration in seconds")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes for the reviewer")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func versionNoteCmd(use, short string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use + " <version-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fn := e.RequestRevision
				if use == "reject" {
					fn = e.Reject
				}
				v, err := fn(ctx, args[0], actorID(), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "review note")
	return cmd
}

func versionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <assignment-id>",
		Short: "List versions by slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Slot", "Label", "Status", "Submitted", "Reviewer")
				for _, v := range list {
					tw.AppendRow(table.Row{v.ID, v.Slot, v.Label, v.Status, v.SubmittedAt, deref(v.ReviewerID)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func versionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <version-id>",
		Short: "Show a version with its review summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ReviewSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{Use: "feedback", Short: "Timestamped review feedback"}
	fb.AddCommand(feedbackAddCmd())
	fb.AddCommand(feedbackListCmd())
	fb.AddCommand(&cobra.Command{
		Use:   "resolve <feedback-id>",
		Short: "Mark feedback resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.ResolveFeedback(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	})
	return fb
}

func feedbackAddCmd() *cobra.Command {
	var opts engine.FeedbackOptions
	var category, priority string
	var end float64
	cmd := &cobra.Command{
		Use:   "add <version-id>",
		Short: "Attach feedback at a video timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.VersionID = args[0]
			opts.AuthorID = actorID()
			opts.Category = domain.FeedbackCategory(category)
			opts.Priority = domain.FeedbackPriority(priority)
			if cmd.Flags().Changed("end") {
				opts.EndTS = &end
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.AddFeedback(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Content, "content", "", "feedback text")
	cmd.Flags().Float64Var(&opts.StartTS, "start", 0, "start timestamp in seconds")
	cmd.Flags().Float64Var(&end, "end", 0, "end timestamp in seconds")
	cmd.Flags().StringVar(&category, "category", "", "subtitle, audio, video or other")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high or urgent")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func feedbackListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <version-id>",
		Short: "List feedback ordered by timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListFeedback(ctx, args[0], domain.FeedbackStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Start", "Category", "Priority", "Status", "Content")
				for _, f := range list {
					tw.AppendRow(table.Row{f.ID, f.StartTS, f.Category, f.Priority, f.Status, f.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending or resolved")
	return cmd
}

func annotateCmd() *cobra.Command {
	ann := &cobra.Command{Use: "annotate", Short: "Canvas annotations"}
	ann.AddCommand(annotateAddCmd())
	ann.AddCommand(&cobra.Command{
		Use:   "list <version-id>",
		Short: "List annotations ordered by timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListAnnotations(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(list)
			})
		},
	})
	return ann
}

func annotateAddCmd() *cobra.Command {
	var opts engine.AnnotationOptions
	var shape, coords string
	cmd := &cobra.Command{
		Use:   "add <version-id>",
		Short: "Draw an annotation in canvas pixels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := json.Unmarshal([]byte(coords), &opts.Raw); err != nil {
				return fmt.Errorf("--coords must be JSON: %w", err)
			}
			opts.VersionID = args[0]
			opts.AuthorID = actorID()
			opts.Shape = domain.ShapeKind(shape)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddAnnotation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&shape, "shape", "", "point, circle, rect, arrow or freehand")
	cmd.Flags().StringVar(&coords, "coords", "", `coordinates JSON, e.g. {"x":10,"y":20,"radius":5}`)
	cmd.Flags().Float64Var(&opts.CanvasWidth, "canvas-width", 0, "canvas width in pixels")
	cmd.Flags().Float64Var(&opts.CanvasHeight, "canvas-height", 0, "canvas height in pixels")
	cmd.Flags().Float64Var(&opts.TS, "at", 0, "video timestamp in seconds")
	cmd.Flags().StringVar(&opts.Style.Color, "color", "", "stroke color")
	cmd.Flags().Float64Var(&opts.Style.StrokeWidth, "stroke-width", 0, "stroke width")
	_ = cmd.MarkFlagRequired("shape")
	_ = cmd.MarkFlagRequired("coords")
	return cmd
}
