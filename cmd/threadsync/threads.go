package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/threadsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages
	messagesLimit int
	messagesOlder bool

	// send
	sendAttach []string

	// new
	newTo      []string
	newSubject string
)

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "page size")
	messagesCmd.Flags().BoolVar(&messagesOlder, "older", false, "also load the page before the latest one")

	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "file to attach (repeatable)")

	newCmd.Flags().StringSliceVar(&newTo, "to", nil, "recipient user ids (comma separated)")
	newCmd.Flags().StringVar(&newSubject, "subject", "", "thread subject")
	newCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(threadsCmd, messagesCmd, sendCmd, newCmd, readCmd, deleteCmd)
}

// ============================================================================
// threads
// ============================================================================

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if _, err := s.engine.FetchThreads(ctx); err != nil {
			return errors.Wrap(err, "request failed")
		}
		st := s.engine.State()
		if jsonOutput {
			return printJSON(st.Threads)
		}

		if len(st.Threads) == 0 {
			fmt.Println("No threads.")
			return nil
		}
		for _, t := range st.Threads {
			fmt.Printf("%-24s  %3d unread  %-16s  %s\n", t.ID, st.UnreadByThread[t.ID], shortTime(t.UpdatedAt), threadLabel(t))
		}
		fmt.Printf("\n%d threads, %d unread\n", len(st.Threads), st.UnreadTotal)
		return nil
	},
}

func threadLabel(t threadsync.Thread) string {
	if t.Title != "" {
		return t.Title
	}
	return strings.Join(t.Participants, ", ")
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <thread-id>",
	Short: "Show the latest messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID := args[0]
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if _, err := s.engine.FetchThreadMessages(ctx, threadID, threadsync.FetchMessagesOptions{Limit: messagesLimit}); err != nil {
			return errors.Wrap(err, "request failed")
		}
		if messagesOlder {
			if _, err := s.engine.LoadOlder(ctx, threadID); err != nil {
				return errors.Wrap(err, "request failed")
			}
		}

		bucket := s.engine.Store().Bucket(threadID)
		if jsonOutput {
			return printJSON(bucket)
		}
		if len(bucket) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		me := s.auth.CurrentUserID()
		for _, m := range bucket {
			printMessage(m, me)
		}
		if c := s.engine.Store().Cursors(threadID); c.PrevCursor != nil {
			fmt.Println("\n(older messages available: --older)")
		}
		return nil
	},
}

func printMessage(m threadsync.Message, me string) {
	sender := m.SenderID
	if threadsync.SameID(sender, me) {
		sender = "me"
	}
	fmt.Printf("[%s] %s: %s\n", shortTime(m.CreatedAt), sender, m.Text)
	for _, a := range m.Attachments {
		fmt.Printf("    attachment: %s (%s) %s\n", a.Name, valueOrDefault(a.MimeType, "unknown"), a.URL)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> [message]",
	Short: "Send a message to a thread",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := threadsync.SendOptions{ThreadID: args[0]}
		if len(args) == 2 {
			opts.Text = args[1]
		}
		for _, path := range sendAttach {
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrap(err, "cannot read attachment")
			}
			opts.Attachments = append(opts.Attachments, threadsync.OutgoingAttachment{
				FileName: filepath.Base(path),
				Data:     data,
			})
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()

		msg, err := s.engine.SendMessage(ctx, opts)
		if err != nil {
			return errors.Wrap(err, "send failed")
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to thread %s\n", msg.ThreadID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// new
// ============================================================================

var newCmd = &cobra.Command{
	Use:   "new --to <user-id,...> [message]",
	Short: "Start a new thread",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := threadsync.CreateThreadOptions{RecipientIDs: newTo, Subject: newSubject}
		if len(args) == 1 {
			opts.InitialMessage = args[0]
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		t, err := s.engine.CreateThread(ctx, opts)
		if err != nil {
			return errors.Wrap(err, "request failed")
		}
		if jsonOutput {
			return printJSON(t)
		}
		fmt.Printf("Thread created: %s\n", t.ID)
		if label := threadLabel(*t); label != "" {
			fmt.Printf("  %s\n", label)
		}
		return nil
	},
}

// ============================================================================
// read / delete
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <thread-id>",
	Short: "Mark a thread as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if err := s.engine.MarkThreadRead(ctx, args[0]); err != nil {
			return errors.Wrap(err, "request failed")
		}
		fmt.Printf("Thread %s marked as read\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <thread-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if err := s.engine.DeleteMessage(ctx, args[1], args[0]); err != nil {
			return errors.Wrap(err, "request failed")
		}
		fmt.Printf("Message %s deleted\n", args[1])
		return nil
	},
}
