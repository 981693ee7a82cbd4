package threadsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TempIDPrefix marks the id of a message that has not been confirmed by the server.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id was minted locally for an optimistic send.
func IsTempID(id string) bool {
	return strings.HasPrefix(NormalizeID(id), TempIDPrefix)
}

func newTempID() string { return TempIDPrefix + uuid.NewString() }

// outgoing is one optimistic send. It leaves DeliveryPending exactly once,
// through commit or rollback.
type outgoing struct {
	e        *Engine
	tempID   string
	threadID string
	local    Message
	inserted bool
	state    DeliveryState
}

// beginSend synthesizes the optimistic message and shows it in the thread
// bucket when the thread is known.
func (e *Engine) beginSend(opts SendOptions) *outgoing {
	tx := &outgoing{
		e:        e,
		tempID:   e.newTempID(),
		threadID: NormalizeID(opts.ThreadID),
		state:    DeliveryPending,
	}
	tx.local = Message{
		ID:          tx.tempID,
		ThreadID:    tx.threadID,
		SenderID:    e.auth.CurrentUserID(),
		Text:        opts.Text,
		Attachments: localAttachments(opts.Attachments),
		CreatedAt:   e.now().UTC().Format(time.RFC3339Nano),
		State:       DeliveryPending,
	}
	if tx.threadID != "" {
		e.store.MergeMessages(tx.threadID, []Message{tx.local})
		tx.inserted = true
	}
	return tx
}

// rollback removes the optimistic entry, matched on its exact temporary id.
func (tx *outgoing) rollback() {
	if tx.state != DeliveryPending {
		return
	}
	tx.state = DeliveryRolledBack
	if tx.inserted {
		tx.e.store.RemoveMessage(tx.threadID, tx.tempID)
	}
	tx.e.metrics.send(DeliveryRolledBack)
}

// commit swaps the optimistic entry for the confirmed message. Fields the
// server left out are taken from the local copy.
func (tx *outgoing) commit(threadID string, confirmed Message) Message {
	tx.state = DeliveryCommitted
	confirmed.ThreadID = threadID
	confirmed.State = DeliveryCommitted
	if confirmed.SenderID == "" {
		confirmed.SenderID = tx.local.SenderID
	}
	if confirmed.Text == "" {
		confirmed.Text = tx.local.Text
	}
	if confirmed.CreatedAt == "" {
		confirmed.CreatedAt = tx.local.CreatedAt
	}
	if len(confirmed.Attachments) == 0 {
		confirmed.Attachments = tx.local.Attachments
	}

	switch {
	case tx.inserted && SameID(tx.threadID, threadID):
		tx.e.store.CommitMessage(threadID, tx.tempID, confirmed)
	case tx.inserted:
		tx.e.store.RemoveMessage(tx.threadID, tx.tempID)
		tx.e.store.MergeMessages(threadID, []Message{confirmed})
	default:
		tx.e.store.MergeMessages(threadID, []Message{confirmed})
	}
	tx.e.metrics.send(DeliveryCommitted)
	return confirmed
}

// SendMessage sends a message optimistically. The message appears in its
// thread at once with a temporary id and is replaced by the server's copy on
// success or removed on failure. Without a thread id the server may create a
// thread, which is then merged and made active.
func (e *Engine) SendMessage(ctx context.Context, opts SendOptions) (*Message, error) {
	const op = "send message"
	if strings.TrimSpace(opts.Text) == "" && len(opts.Attachments) == 0 {
		return nil, e.fail(op, errors.WithStack(ErrEmptyMessage))
	}
	if !e.auth.IsAuthenticated() {
		return nil, e.fail(op, errors.WithStack(ErrMissingCredential))
	}

	tx := e.beginSend(opts)
	sent, err := e.api.SendMessage(ctx, opts)
	if err != nil {
		tx.rollback()
		return nil, e.fail(op, err)
	}

	threadID := NormalizeID(sent.ThreadID)
	if threadID == "" {
		threadID = tx.threadID
	}
	if threadID == "" {
		// Nothing to attach the message to. Refresh threads instead of guessing.
		e.logger.Warn("sent message has no thread, refreshing thread list",
			zap.String("message_id", sent.Message.ID), zap.Error(ErrUnresolvableThread))
		tx.state = DeliveryCommitted
		e.metrics.send(DeliveryCommitted)
		if _, err := e.FetchThreads(ctx); err != nil {
			e.logger.Warn("thread refresh after send failed", zap.Error(err))
		}
		msg := sent.Message
		msg.State = DeliveryCommitted
		return &msg, nil
	}

	msg := tx.commit(threadID, sent.Message)
	if sent.Thread != nil {
		e.store.MergeThreads([]Thread{*sent.Thread})
	}
	if tx.threadID == "" {
		e.store.SetActiveThread(threadID)
	}
	return &msg, nil
}

func localAttachments(in []OutgoingAttachment) []Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, Attachment{
			Name:     a.FileName,
			MimeType: attachmentMimeType(a),
			Size:     int64(len(a.Data)),
		})
	}
	return out
}
