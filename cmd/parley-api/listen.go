package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/parley/internal/client"
	"github.com/MarcoPoloResearchLab/parley/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type listenedEvent struct {
	Type         string               `json:"type"`
	RoomID       string               `json:"roomId,omitempty"`
	UserID       string               `json:"userId,omitempty"`
	Error        string               `json:"error,omitempty"`
	Message      json.RawMessage      `json:"message,omitempty"`
	LastMessage  json.RawMessage      `json:"lastMessage,omitempty"`
	Notification *client.Notification `json:"notification,omitempty"`
}

// newListenCommand connects to a running server, joins rooms and prints every
// event as a JSON line.
func newListenCommand() *cobra.Command {
	var (
		endpoint string
		token    string
		rooms    []string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print realtime events from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewConsoleLogger(viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if strings.TrimSpace(token) == "" {
				token = os.Getenv("PARLEY_TOKEN")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := client.Dial(ctx, endpoint, token, client.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer conn.Close() //nolint:errcheck
			logger.Info("connected", zap.String("endpoint", endpoint))

			for _, roomID := range rooms {
				if err := conn.JoinRoom(roomID); err != nil {
					return err
				}
			}
			return printEvents(ctx, conn, json.NewEncoder(cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVar(&endpoint, "url", "ws://localhost:8080/ws", "Websocket endpoint")
	cmd.Flags().StringVar(&token, "token", "", "Session token (defaults to $PARLEY_TOKEN)")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "Room id to join (repeatable)")
	return cmd
}

func printEvents(ctx context.Context, conn *client.Client, encoder *json.Encoder) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return fmt.Errorf("connection ended: %w", err)
				}
				return nil
			}
			if err := encoder.Encode(listenedEvent{
				Type:         event.Type,
				RoomID:       event.RoomID,
				UserID:       event.UserID,
				Error:        event.Error,
				Message:      event.Message,
				LastMessage:  event.LastMessage,
				Notification: event.Notification,
			}); err != nil {
				return err
			}
		}
	}
}
