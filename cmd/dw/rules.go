package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"duewatch/internal/config"
	"duewatch/internal/domain"
	"duewatch/internal/engine"
	"duewatch/internal/repo"
)

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage reminder rules",
		Long:  "A rule says which entity type to watch, when to fire relative to the entity's date, who to notify, on which channels, and who to escalate to when nobody acknowledges.",
	}
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleShowCmd())
	cmd.AddCommand(ruleCreateCmd())
	cmd.AddCommand(ruleImportCmd())
	cmd.AddCommand(ruleSeedCmd())
	cmd.AddCommand(ruleToggleCmd())
	cmd.AddCommand(ruleDeleteCmd())
	return cmd
}

func ruleListCmd() *cobra.Command {
	var entityType string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.RuleFilters{EntityType: domain.EntityKind(entityType)}
				if activeOnly {
					f.Active = &activeOnly
				}
				rules, err := r.ListRulesFiltered(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Entity", "Trigger", "Channels", "Escalation", "Active"})
				for _, rule := range rules {
					esc := "-"
					if rule.Escalation != nil {
						esc = fmt.Sprintf("%dd -> %s", rule.Escalation.AfterDays, strings.Join(rule.Escalation.EscalateTo, ","))
					}
					chans := make([]string, 0, len(rule.Channels))
					for _, c := range rule.Channels {
						chans = append(chans, string(c))
					}
					tw.AppendRow(table.Row{
						rule.ID, rule.Name, rule.EntityType,
						fmt.Sprintf("%s %d", rule.Trigger, rule.TriggerDays),
						strings.Join(chans, ","), esc, boolMark(rule.IsActive),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
}

func ruleCreateCmd() *cobra.Command {
	var (
		id, name, description, entityType, trigger, template string
		days, escalateAfter                                  int
		roles, projectRoles, users, channels, escalateTo     []string
		inactive                                             bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule from flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := domain.ReminderRule{
				ID:              id,
				Name:            name,
				Description:     description,
				IsActive:        !inactive,
				EntityType:      domain.EntityKind(entityType),
				Trigger:         domain.TriggerKind(trigger),
				TriggerDays:     days,
				Recipients:      domain.Recipients{Roles: roles, Users: users},
				MessageTemplate: template,
			}
			for _, pr := range projectRoles {
				rule.Recipients.ProjectRoles = append(rule.Recipients.ProjectRoles, domain.ProjectRole(pr))
			}
			for _, c := range channels {
				rule.Channels = append(rule.Channels, domain.Channel(c))
			}
			if len(escalateTo) > 0 {
				rule.Escalation = &domain.Escalation{AfterDays: escalateAfter, EscalateTo: escalateTo}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateRule(ctx, engine.RuleCreateOptions{Rule: rule, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "rule id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "milestone|deliverable|po|invoice|task|issue")
	cmd.Flags().StringVar(&trigger, "trigger", "", "days_before|days_after|on_date|recurring")
	cmd.Flags().IntVar(&days, "days", 0, "trigger days")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "recipient role (repeatable)")
	cmd.Flags().StringSliceVar(&projectRoles, "project-role", nil, "pm|owner|assignee (repeatable)")
	cmd.Flags().StringSliceVar(&users, "user", nil, "recipient user id (repeatable)")
	cmd.Flags().StringSliceVar(&channels, "channel", []string{"in_app"}, "in_app|email|slack|teams (repeatable)")
	cmd.Flags().StringSliceVar(&escalateTo, "escalate-to", nil, "escalation role (repeatable)")
	cmd.Flags().IntVar(&escalateAfter, "escalate-after", 0, "days without acknowledgement before escalating")
	cmd.Flags().StringVar(&template, "message", "", "message template, e.g. 'Invoice {entity.code} is due in {days} days'")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the rule switched off")
	return cmd
}

func ruleImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or replace rules from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			rules, err := config.LoadRules(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ImportRules(ctx, rules, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("imported %d rules\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rules file")
	return cmd
}

func ruleSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Install the stock rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SeedRules(ctx, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("seeded %d rules\n", n)
				return nil
			})
		},
	}
}

func ruleToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Switch a rule on or off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.ToggleRule(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rule)
				}
				fmt.Printf("%s active: %s\n", rule.ID, boolMark(rule.IsActive))
				return nil
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule and its reminder state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteRule(ctx, args[0], actorID())
			})
		},
	}
}
