package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"postbox/pkg/delivery"
	"postbox/pkg/directory"
	"postbox/pkg/health"
	"postbox/pkg/transport"
	"postbox/pkg/types"
)

func enqueueCmd() *cobra.Command {
	var (
		serverURL string
		post      int64
		command   string
		contact   int64
		sender    int64
		dataType  string
		bodyFile  string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a post for delivery to a remote server",
		Long: `Store the post body in the outbox (when --body-file is given) and
queue one delivery of it. Enqueueing the same server, post and command twice
keeps the pending item.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.LogLevel)
			defer logger.Sync()

			if serverURL == "" {
				return errors.New("--server is required")
			}
			cmdName, err := types.ParseCommand(command)
			if err != nil {
				return err
			}

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			dir, err := directory.LoadFile(directoryPath(cfg), logger)
			if err != nil {
				return err
			}
			tracker, err := health.NewTracker(st, cfg.Health.Policy(), logger, nil)
			if err != nil {
				return err
			}

			ctx := context.Background()
			outbox := directory.NewOutbox(st)
			if bodyFile != "" {
				body, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}
				if err := outbox.Put(ctx, types.PostURIID(post), dataType, body); err != nil {
					return err
				}
			}

			queue, err := delivery.NewQueue(delivery.Options{
				Config:    cfg.Delivery.QueueConfig(),
				Store:     st,
				Tracker:   tracker,
				Payloads:  outbox,
				Directory: dir,
				Transport: transport.NewHTTP(nil, cfg.Delivery.UserAgent, logger),
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			item, created, err := queue.Enqueue(ctx, delivery.EnqueueRequest{
				Server:       serverURL,
				PostURIID:    types.PostURIID(post),
				Command:      cmdName,
				ContactID:    types.ContactID(contact),
				SenderUserID: types.UserID(sender),
			})
			if err != nil {
				return err
			}

			logger.Debug("Enqueue finished", zap.String("id", item.ID), zap.Bool("created", created))
			state := "queued"
			if !created {
				state = "already pending"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s post %d to %s (%s)\n", item.ID, item.Command, item.PostURIID, item.ServerID, state)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of the receiving server")
	cmd.Flags().Int64Var(&post, "post", 0, "post URI id")
	cmd.Flags().StringVar(&command, "command", string(types.CommandPost), "delivery command")
	cmd.Flags().Int64Var(&contact, "contact", 0, "target contact id for private commands")
	cmd.Flags().Int64Var(&sender, "sender", 0, "local user id the envelope is signed as")
	cmd.Flags().StringVar(&dataType, "data-type", "status_message", "payload data type stored with --body-file")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "file holding the post body")

	return cmd
}
