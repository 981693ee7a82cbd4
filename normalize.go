package threadsync

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Backends disagree on envelope and field names. Everything that crosses the
// network boundary is mapped here, once, onto Thread / Message / Cursors.

type fieldKind int

const (
	kindPlain fieldKind = iota
	kindID
	kindIDList
	kindTime
	kindNames
	kindAttachments
)

type fieldAliases struct {
	name    string
	aliases []string
	kind    fieldKind
}

var threadFields = []fieldAliases{
	{"id", []string{"_id", "threadId", "thread_id"}, kindID},
	{"title", []string{"subject", "name"}, kindPlain},
	{"participants", []string{"members", "participantNames"}, kindNames},
	{"unreadCount", []string{"unread_count", "unread"}, kindPlain},
	{"updatedAt", []string{"updated_at", "lastMessageAt", "last_message_at", "createdAt", "created_at"}, kindTime},
}

var messageFields = []fieldAliases{
	{"id", []string{"_id", "messageId", "message_id"}, kindID},
	{"threadId", []string{"thread_id", "threadID", "conversationId", "conversation_id"}, kindID},
	{"senderId", []string{"sender_id", "sender", "from", "userId", "user_id"}, kindID},
	{"text", []string{"body", "content", "message"}, kindPlain},
	{"attachments", []string{"files"}, kindAttachments},
	{"createdAt", []string{"created_at", "timestamp", "sentAt", "sent_at"}, kindTime},
	{"read", []string{"is_read", "isRead"}, kindPlain},
	{"readBy", []string{"read_by"}, kindIDList},
}

var attachmentFields = []fieldAliases{
	{"name", []string{"filename", "fileName", "file_name"}, kindPlain},
	{"url", []string{"href", "fileUrl", "file_url"}, kindPlain},
	{"mimeType", []string{"mime_type", "contentType", "content_type", "type"}, kindPlain},
	{"size", []string{"fileSize", "file_size", "bytes"}, kindPlain},
}

var (
	threadListKeys  = []string{"threads", "conversations", "items", "data", "results"}
	messageListKeys = []string{"messages", "items", "data", "results"}
	nextCursorKeys  = []string{"nextCursor", "next_cursor", "next"}
	prevCursorKeys  = []string{"prevCursor", "prev_cursor", "previousCursor", "prev"}
)

// canonical picks, for every field, the first key present among its name and aliases.
func canonical(obj gjson.Result, fields []fieldAliases) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := lookup(obj, f.name, f.aliases)
		if !ok {
			continue
		}
		switch f.kind {
		case kindID:
			if id := resultID(v); id != "" {
				out[f.name] = id
			}
		case kindIDList:
			var ids []string
			for _, item := range v.Array() {
				if id := resultID(item); id != "" {
					ids = append(ids, id)
				}
			}
			out[f.name] = ids
		case kindTime:
			out[f.name] = resultTime(v)
		case kindNames:
			var names []string
			for _, item := range v.Array() {
				if n := resultName(item); n != "" {
					names = append(names, n)
				}
			}
			out[f.name] = names
		case kindAttachments:
			var atts []map[string]any
			for _, item := range v.Array() {
				if item.IsObject() {
					atts = append(atts, canonical(item, attachmentFields))
				}
			}
			out[f.name] = atts
		default:
			out[f.name] = v.Value()
		}
	}
	return out
}

func lookup(obj gjson.Result, name string, aliases []string) (gjson.Result, bool) {
	if v := obj.Get(gjsonEscape(name)); v.Exists() && v.Type != gjson.Null {
		return v, true
	}
	for _, a := range aliases {
		if v := obj.Get(gjsonEscape(a)); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func gjsonEscape(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}

// resultID reads an identity from a scalar or from the "id" of a nested object.
// Integer literals keep their exact digits.
func resultID(v gjson.Result) string {
	switch {
	case v.IsObject():
		return resultID(v.Get("id"))
	case v.Type == gjson.Number, v.Type == gjson.String:
		return NormalizeID(v.String())
	default:
		return ""
	}
}

func resultName(v gjson.Result) string {
	if !v.IsObject() {
		return strings.TrimSpace(v.String())
	}
	for _, k := range []string{"displayName", "display_name", "name", "username", "id"} {
		if n := v.Get(k); n.Exists() && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

func resultTime(v gjson.Result) string {
	if v.Type == gjson.Number {
		return epochToTime(v.Int()).Format(time.RFC3339Nano)
	}
	return v.String()
}

func decodeCanonical(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "new decoder")
	}
	return errors.Wrap(dec.Decode(in), "decode payload")
}

func threadFromResult(obj gjson.Result) (Thread, error) {
	var t Thread
	if !obj.IsObject() {
		return t, errors.Wrap(ErrMalformedEvent, "thread is not an object")
	}
	err := decodeCanonical(canonical(obj, threadFields), &t)
	return t, err
}

func messageFromResult(obj gjson.Result) (Message, error) {
	var m Message
	if !obj.IsObject() {
		return m, errors.Wrap(ErrMalformedEvent, "message is not an object")
	}
	if err := decodeCanonical(canonical(obj, messageFields), &m); err != nil {
		return m, err
	}
	m.State = DeliveryCommitted
	return m, nil
}

// unwrapEnvelope strips a {"ok":..,"data":{...}} wrapper around an object.
func unwrapEnvelope(r gjson.Result) gjson.Result {
	if d := r.Get("data"); d.IsObject() {
		return d
	}
	return r
}

// findList returns the first array found at the top level or under one of keys,
// looking one level into a "data" object.
func findList(r gjson.Result, keys []string) gjson.Result {
	if r.IsArray() {
		return r
	}
	for _, k := range keys {
		if v := r.Get(k); v.IsArray() {
			return v
		}
	}
	if d := r.Get("data"); d.IsObject() {
		return findList(d, keys)
	}
	return gjson.Result{}
}

func findCursor(r gjson.Result, keys []string) *string {
	scopes := []gjson.Result{r, r.Get("meta"), r.Get("pagination"), r.Get("data"), r.Get("cursors")}
	for _, scope := range scopes {
		if !scope.IsObject() {
			continue
		}
		for _, k := range keys {
			if v := scope.Get(k); v.Exists() && v.Type != gjson.Null && v.String() != "" {
				return strPtr(v.String())
			}
		}
	}
	return nil
}

// ============================================================================
// Response decoders
// ============================================================================

func decodeThreadList(body []byte) ([]Thread, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("thread list: invalid JSON")
	}
	list := findList(gjson.ParseBytes(body), threadListKeys)
	threads := make([]Thread, 0, len(list.Array()))
	for _, item := range list.Array() {
		t, err := threadFromResult(item)
		if err != nil || t.ID == "" {
			continue
		}
		threads = append(threads, t)
	}
	return threads, nil
}

func decodeMessagePage(body []byte, threadID string) (*MessagePage, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("message page: invalid JSON")
	}
	r := gjson.ParseBytes(body)
	page := &MessagePage{Messages: []Message{}}
	for _, item := range findList(r, messageListKeys).Array() {
		m, err := messageFromResult(item)
		if err != nil || m.ID == "" {
			continue
		}
		m.ThreadID = threadID
		page.Messages = append(page.Messages, m)
	}
	if r.IsObject() {
		page.NextCursor = findCursor(r, nextCursorKeys)
		page.PrevCursor = findCursor(r, prevCursorKeys)
	}
	return page, nil
}

func decodeCreatedThread(body []byte) (*CreatedThread, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("created thread: invalid JSON")
	}
	r := unwrapEnvelope(gjson.ParseBytes(body))
	obj := r
	if t := r.Get("thread"); t.IsObject() {
		obj = t
	}
	t, err := threadFromResult(obj)
	if err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, errors.New("created thread: response has no thread id")
	}
	res := &CreatedThread{Thread: t}
	if mr := r.Get("message"); mr.IsObject() {
		if m, err := messageFromResult(mr); err == nil && m.ID != "" {
			if m.ThreadID == "" {
				m.ThreadID = t.ID
			}
			res.Message = &m
		}
	}
	return res, nil
}

// decodeMessageEnvelope handles both a bare message object and
// {"message": {...}, "thread": {...}}. It is shared by POST /messages and
// the message:new push event.
func decodeMessageEnvelope(r gjson.Result) (*SentMessage, error) {
	r = unwrapEnvelope(r)
	obj := r
	if m := r.Get("message"); m.IsObject() {
		obj = m
	}
	m, err := messageFromResult(obj)
	if err != nil {
		return nil, err
	}
	res := &SentMessage{Message: m}
	if tr := r.Get("thread"); tr.IsObject() {
		if t, err := threadFromResult(tr); err == nil && t.ID != "" {
			res.Thread = &t
		}
	}
	res.ThreadID = m.ThreadID
	if res.ThreadID == "" && res.Thread != nil {
		res.ThreadID = res.Thread.ID
	}
	if res.ThreadID == "" {
		if v, ok := lookup(r, "threadId", []string{"thread_id", "conversationId", "conversation_id"}); ok {
			res.ThreadID = resultID(v)
		}
	}
	return res, nil
}

func decodeSentMessage(body []byte) (*SentMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.Wrap(ErrMalformedResponse, "sent message: invalid JSON")
	}
	sent, err := decodeMessageEnvelope(gjson.ParseBytes(body))
	if err != nil {
		return nil, err
	}
	if sent.Message.ID == "" {
		return nil, errors.Wrap(ErrMalformedResponse, "sent message has no id")
	}
	return sent, nil
}

func decodeAPIError(body []byte) *APIError {
	if !gjson.ValidBytes(body) {
		return nil
	}
	r := gjson.ParseBytes(body)
	if e := r.Get("error"); e.IsObject() {
		return &APIError{Code: e.Get("code").String(), Message: e.Get("message").String()}
	} else if e.Type == gjson.String {
		return &APIError{Message: e.String()}
	}
	if m := r.Get("message"); m.Type == gjson.String {
		return &APIError{Code: r.Get("code").String(), Message: m.String()}
	}
	return nil
}
