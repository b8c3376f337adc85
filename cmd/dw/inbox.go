package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"duewatch/internal/domain"
	"duewatch/internal/engine"
	"duewatch/internal/repo"
)

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "In-app notifications",
		Long:  "Each user's in-app notifications. Reading a reminder acknowledges it and stops its escalation.",
	}
	cmd.AddCommand(inboxListCmd())
	cmd.AddCommand(inboxReadCmd())
	cmd.AddCommand(inboxReadAllCmd())
	cmd.AddCommand(inboxArchiveCmd())
	cmd.AddCommand(inboxDeleteCmd())
	return cmd
}

func inboxListCmd() *cobra.Command {
	var user string
	var unread, archived bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = actorID()
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.InboxFilters{UserID: user, Unread: unread, Limit: limit}
				if !archived {
					f.Archived = &archived
				}
				items, err := r.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				count, err := r.UnreadCount(ctx, user)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s unread\n", user, color.CyanString("%d", count))
				printNotifications(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --actor-id)")
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func printNotifications(items []domain.Notification) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Created", "Type", "Title", "Message", "Level", "Read"})
	for _, n := range items {
		title := n.Title
		if n.EscalationLevel > 0 {
			title = color.RedString(title)
		}
		tw.AppendRow(table.Row{n.ID, n.CreatedAt.Format("2006-01-02 15:04"), n.Type, title, n.Message, n.EscalationLevel, boolMark(n.IsRead)})
	}
	tw.Render()
}

func inboxReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkRead(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func inboxReadAllCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification of a user read",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkAllRead(ctx, user, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("marked %d notifications read\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --actor-id)")
	return cmd
}

func inboxArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <notification-id>",
		Short: "Archive a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				n, err := r.ArchiveNotification(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func inboxDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <notification-id>",
		Short: "Delete a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteNotification(ctx, args[0])
			})
		},
	}
}

func ackCmd() *cobra.Command {
	var ruleID, entityID string
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a reminder and stop its escalation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ruleID == "" || entityID == "" {
				return fmt.Errorf("--rule and --entity required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Acknowledge(ctx, ruleID, entityID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&ruleID, "rule", "", "rule id")
	cmd.Flags().StringVar(&entityID, "entity", "", "entity id")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Audit notification deliveries",
	}
	var status, channel, user, rule string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List deliveries across channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeliveries(ctx, repo.DeliveryFilters{
					Status:  domain.DeliveryStatus(status),
					Channel: domain.Channel(channel),
					UserID:  user,
					RuleID:  rule,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Channel", "Status", "Attempts", "Last error"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.UserID, n.Channel, statusColor(n.DeliveryStatus), n.Attempts, n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending|delivered|failed")
	list.Flags().StringVar(&channel, "channel", "", "in_app|email|slack|teams")
	list.Flags().StringVar(&user, "user", "", "user id")
	list.Flags().StringVar(&rule, "rule", "", "rule id")
	list.Flags().IntVar(&limit, "limit", 100, "max rows")

	var retryLimit int
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Redrive pending external deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcomes, err := e.Dispatcher.RetryPending(ctx, retryLimit)
				if viper.GetBool("json") {
					if perr := printJSON(outcomes); perr != nil {
						return perr
					}
					return err
				}
				for _, o := range outcomes {
					fmt.Printf("%s %s %s attempts=%d\n", o.NotificationID, o.Channel, statusColor(o.Status), o.Attempts)
				}
				return err
			})
		},
	}
	retry.Flags().IntVar(&retryLimit, "limit", 100, "max deliveries")
	cmd.AddCommand(list, retry)
	return cmd
}

func statusColor(s domain.DeliveryStatus) string {
	switch s {
	case domain.DeliveryDelivered:
		return color.GreenString(string(s))
	case domain.DeliveryFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func fireRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fire-records",
		Short: "Per (rule, entity) reminder state",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List open and acknowledged reminder cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				recs, err := r.ListFireRecords(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rule", "Entity", "Last fired", "Cycle start", "Level", "Acknowledged"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{
						rec.RuleID, string(rec.EntityKind) + ":" + rec.EntityID,
						rec.LastFiredAt.Format("2006-01-02 15:04"), rec.CycleStartedAt.Format("2006-01-02 15:04"),
						rec.EscalationLevel, boolMark(rec.Acknowledged()),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(list)
	return cmd
}
