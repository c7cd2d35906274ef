package main

import (
	"context"
	"strconv"

	"tg-forwarder/internal/app"
	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/config"
	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit forwarding rules",
	}
	cmd.AddCommand(
		newRulesShowCmd(),
		newRulesSourceCmd(),
		newRulesAddCmd(),
		newRulesToggleCmd("enable", true),
		newRulesToggleCmd("disable", false),
		newRulesDeleteCmd(),
		newRulesClearCacheCmd(),
	)
	return cmd
}

// withStore открывает хранилище на время выполнения fn.
func withStore(ctx context.Context, fn func(*app.Store) error) error {
	store, err := app.OpenStore(ctx, config.Env())
	if err != nil {
		return fail(err, "open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	}()
	return fn(store)
}

func parseRuleID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid rule id %q", raw)
	}
	return uint(id), nil
}

func newRulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Print a rule with all its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRuleID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(s *app.Store) error {
				rule, err := s.Rules.GetRule(cmd.Context(), id)
				if err != nil {
					return fail(err, "get rule")
				}
				pr.PP(rule)
				return nil
			})
		},
	}
}

func newRulesSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "source <chat-id>",
		Short: "List enabled rules for a source chat in processing order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid chat id %q", args[0])
			}
			return withStore(cmd.Context(), func(s *app.Store) error {
				rules, err := s.Rules.GetRulesForSourceChat(cmd.Context(), chatID)
				if err != nil {
					return fail(err, "load rules")
				}
				if len(rules) == 0 {
					pr.Println("no rules")
					return nil
				}
				for _, r := range rules {
					pr.Printf("#%d  %s -> %s  priority=%d mode=%s ai=%t summary=%t\n",
						r.ID, r.SourceChat.TelegramChatID, r.TargetChat.TelegramChatID,
						r.Priority, r.ForwardMode, r.IsAI, r.IsSummary)
				}
				return nil
			})
		},
	}
}

func newRulesAddCmd() *cobra.Command {
	var (
		priority  int
		mode      string
		keywords  []string
		blacklist bool
	)

	cmd := &cobra.Command{
		Use:   "add <source-chat> <target-chat>",
		Short: "Create a rule between two chats",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(s *app.Store) error {
				src, err := s.Rules.UpsertChat(ctx, args[0], "", "")
				if err != nil {
					return fail(err, "source chat")
				}
				dst, err := s.Rules.UpsertChat(ctx, args[1], "", "")
				if err != nil {
					return fail(err, "target chat")
				}

				rule := models.NewRule(src.ID, dst.ID)
				rule.Priority = priority
				if mode != "" {
					rule.ForwardMode = models.ForwardMode(mode)
				}
				if err := s.Rules.CreateRule(ctx, &rule); err != nil {
					return fail(err, "create rule")
				}

				if len(keywords) > 0 {
					kws := make([]models.Keyword, 0, len(keywords))
					for _, k := range keywords {
						kws = append(kws, models.Keyword{Keyword: k, IsBlacklist: blacklist})
					}
					if err := s.Rules.AddKeywords(ctx, rule.ID, kws); err != nil {
						return fail(err, "add keywords")
					}
				}
				logger.Info("Rule created",
					zap.Uint("rule_id", rule.ID),
					zap.String("source", src.TelegramChatID),
					zap.String("target", dst.TelegramChatID),
				)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "rule priority (higher runs first)")
	cmd.Flags().StringVar(&mode, "mode", "", "forward mode: whitelist, blacklist, whitelist_then_blacklist, blacklist_then_whitelist")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "keyword to add (repeatable)")
	cmd.Flags().BoolVar(&blacklist, "blacklist", true, "added keywords go to the blacklist")
	return cmd
}

func newRulesToggleCmd(use string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: "Set enable_rule of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRuleID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(s *app.Store) error {
				if err := s.Rules.UpdateRule(cmd.Context(), id, map[string]any{"enable_rule": enable}); err != nil {
					return fail(err, "update rule")
				}
				logger.Info("Rule updated", zap.Uint("rule_id", id), zap.Bool("enabled", enable))
				return nil
			})
		},
	}
}

func newRulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule and its related rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRuleID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(s *app.Store) error {
				if err := s.Rules.DeleteRule(cmd.Context(), id); err != nil {
					return fail(err, "delete rule")
				}
				logger.Info("Rule deleted", zap.Uint("rule_id", id))
				return nil
			})
		},
	}
}

func newRulesClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop cached rule lookups and the priority map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(s *app.Store) error {
				s.Rules.ClearCache(cmd.Context())
				logger.Info("Rule cache cleared")
				return nil
			})
		},
	}
}
