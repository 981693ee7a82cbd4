package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/threadsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the session token is expired, and fetch live thread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Realtime.Transport, "websocket"))
		if cfg.Realtime.Transport == "nats" {
			fmt.Printf("  NATS URL:    %s\n", valueOrDefault(cfg.Realtime.NATSURL, "(not set)"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		auth := threadsync.NewTokenAuth(cfg.Auth.Token)
		if auth.CurrentUserID() == "" && cfg.Auth.UserID != "" {
			auth.SetUserID(cfg.Auth.UserID)
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(auth.CurrentUserID(), "(unknown)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (no expiry)"
			if exp := auth.Expires(); !exp.IsZero() {
				if auth.IsAuthenticated() {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			}
			tokenStatus = maskKey(cfg.Auth.Token) + " " + tokenStatus
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if !auth.IsAuthenticated() {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		s, err := openSession()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if _, err := s.engine.FetchThreads(ctx); err != nil {
			fmt.Printf("  Error fetching threads: %s\n", s.engine.State().LastError)
			return nil
		}
		st := s.engine.State()
		fmt.Printf("  Threads:     %d\n", len(st.Threads))
		fmt.Printf("  Unread:      %d\n", st.UnreadTotal)

		if err := s.engine.Connect(ctx); err != nil {
			fmt.Printf("  Realtime:    unavailable (%v)\n", err)
			return nil
		}
		fmt.Printf("  Realtime:    %s\n", s.engine.Realtime().State())
		return nil
	},
}
