//go:build integration

package threadsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Prismer-AI/threadsync"
)

// helpers ---------------------------------------------------------------

func sessionToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("THREADSYNC_TOKEN_TEST")
	if token == "" {
		t.Fatal("THREADSYNC_TOKEN_TEST environment variable is required")
	}
	return token
}

func testBaseURL() string {
	return os.Getenv("THREADSYNC_BASE_URL_TEST")
}

func newEngine(t *testing.T) *threadsync.Engine {
	t.Helper()
	token := sessionToken(t)
	var client *threadsync.Client
	if base := testBaseURL(); base != "" {
		client = threadsync.NewClient(token, threadsync.WithBaseURL(base))
	} else {
		client = threadsync.NewClient(token, threadsync.WithEnvironment(threadsync.Production))
	}
	e := threadsync.NewEngine(client, threadsync.NewTokenAuth(token))
	t.Cleanup(func() { e.Close() })
	return e
}

func recipient(t *testing.T) string {
	t.Helper()
	id := os.Getenv("THREADSYNC_RECIPIENT_TEST")
	if id == "" {
		t.Skip("THREADSYNC_RECIPIENT_TEST not set")
	}
	return id
}

// =======================================================================
// Threads and messages
// =======================================================================

func TestIntegration_FetchThreads(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	threads, err := e.FetchThreads(ctx)
	if err != nil {
		t.Fatalf("FetchThreads returned error: %v", err)
	}
	t.Logf("FetchThreads: %d threads, unread total %d", len(threads), e.State().UnreadTotal)

	if len(threads) == 0 {
		return
	}
	first := threads[0].ID
	page, err := e.FetchThreadMessages(ctx, first, threadsync.FetchMessagesOptions{Limit: 20})
	if err != nil {
		t.Fatalf("FetchThreadMessages(%s) returned error: %v", first, err)
	}
	for _, m := range page.Messages {
		if m.ThreadID != first {
			t.Errorf("message %s has thread %q, want %q", m.ID, m.ThreadID, first)
		}
	}
}

func TestIntegration_ConversationLifecycle(t *testing.T) {
	e := newEngine(t)
	to := recipient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := e.SyncAuth(ctx); err != nil {
		t.Fatalf("SyncAuth returned error: %v", err)
	}

	subject := fmt.Sprintf("integration_%d", time.Now().UnixNano())
	th, err := e.CreateThread(ctx, threadsync.CreateThreadOptions{
		RecipientIDs:   []string{to},
		Subject:        subject,
		InitialMessage: "hello from the integration suite",
	})
	if err != nil {
		t.Fatalf("CreateThread returned error: %v", err)
	}

	msg, err := e.SendMessage(ctx, threadsync.SendOptions{ThreadID: th.ID, Text: "second message"})
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if threadsync.IsTempID(msg.ID) {
		t.Fatalf("committed message still has temporary id %s", msg.ID)
	}
	for _, m := range e.Store().Bucket(th.ID) {
		if m.Pending() {
			t.Errorf("pending message %s left in bucket", m.ID)
		}
	}

	if err := e.SetActiveThread(ctx, th.ID); err != nil {
		t.Fatalf("SetActiveThread returned error: %v", err)
	}
	if n := e.State().UnreadByThread[th.ID]; n != 0 {
		t.Errorf("unread after SetActiveThread = %d, want 0", n)
	}

	if err := e.DeleteMessage(ctx, msg.ID, th.ID); err != nil {
		t.Fatalf("DeleteMessage returned error: %v", err)
	}
	if _, found := e.Store().FindMessageThread(msg.ID); found {
		t.Errorf("deleted message %s still in store", msg.ID)
	}
}
