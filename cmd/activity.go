/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/eventdesk/apiserver/config"
	"github.com/eventdesk/apiserver/internal/mq"
	"github.com/eventdesk/apiserver/types"
	"github.com/spf13/cobra"
)

// activityCmd groups commands for the event activity feed.
var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Inspect the event activity feed",
}

var activityTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log activity messages as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := config.NewLogger(cfg.Logging)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer broker.Close()

		logger.Info().Str("channel", cfg.MQ.ActivityChannel).Msg("tailing activity")
		err = broker.Subscribe(ctx, cfg.MQ.ActivityChannel, func(ctx context.Context, msg mq.Message) error {
			var activity types.Activity
			if err := json.Unmarshal(msg.Data, &activity); err != nil {
				// Malformed payloads are acknowledged so they do not loop.
				logger.Warn().Err(err).Str("message_id", msg.ID).Msg("skipping malformed activity")
				return nil
			}
			logger.Info().
				Str("message_id", msg.ID).
				Str("type", activity.Type).
				Str("event_id", activity.EventID.String()).
				Str("user_id", activity.UserID.String()).
				Time("occurred_at", activity.OccurredAt).
				Msg("activity")
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(activityCmd)
	activityCmd.AddCommand(activityTailCmd)
}
