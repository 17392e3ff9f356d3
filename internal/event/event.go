// Package event оборачивает сырые события long-poll и даёт к ним типизированный доступ.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/flybasist/wavebot/internal/api"
)

// Platform — источник события.
type Platform int

const (
	PlatformBot Platform = iota
	PlatformUser
)

func (p Platform) String() string {
	if p == PlatformUser {
		return "user"
	}
	return "bot"
}

// Типы событий, с которыми чаще всего работают хендлеры.
const (
	TypeMessageNew   = "message_new"
	TypeMessageReply = "message_reply"
	TypeMessageEdit  = "message_edit"
	TypeMessageEvent = "message_event"

	// UserTypeMessageNew — код нового сообщения в user long-poll.
	UserTypeMessageNew = "4"
)

// ChatPeerOffset — peer_id бесед начинаются с этого значения.
const ChatPeerOffset = 2_000_000_000

// Флаги сообщения user long-poll.
const (
	FlagUnread = 1
	FlagOutbox = 2
)

// ConversationType — вид диалога по peer_id.
type ConversationType int

const (
	ConversationUser ConversationType = iota
	ConversationChat
	ConversationGroup
)

func (c ConversationType) String() string {
	switch c {
	case ConversationChat:
		return "chat"
	case ConversationGroup:
		return "group"
	default:
		return "user"
	}
}

// ErrMalformed — событие нельзя разобрать.
var ErrMalformed = errors.New("event: malformed")

// Event — одно событие с привязанным контекстом API и мешком пользовательских данных.
type Event struct {
	raw      json.RawMessage
	platform Platform
	typ      string
	groupID  int64
	eventID  string
	object   map[string]any
	message  map[string]any
	traceID  string

	mu   sync.RWMutex
	api  *api.Context
	data map[string]any
}

// Parse разбирает событие. Для PlatformBot ждёт объект с "type", для PlatformUser — массив [code, ...].
func Parse(raw json.RawMessage, platform Platform) (*Event, error) {
	ev := &Event{
		raw:      raw,
		platform: platform,
		traceID:  uuid.NewString(),
		data:     make(map[string]any),
	}
	var err error
	if platform == PlatformUser {
		err = ev.parseUser(raw)
	} else {
		err = ev.parseBot(raw)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (e *Event) parseBot(raw json.RawMessage) error {
	var body struct {
		Type    string         `json:"type"`
		Object  map[string]any `json:"object"`
		GroupID int64          `json:"group_id"`
		EventID string         `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if body.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	e.typ, e.groupID, e.eventID, e.object = body.Type, body.GroupID, body.EventID, body.Object

	switch {
	case e.object == nil:
	case isMap(e.object["message"]):
		e.message = e.object["message"].(map[string]any)
	case body.Type == TypeMessageReply || body.Type == TypeMessageEdit:
		e.message = e.object
	}
	return nil
}

// parseUser раскладывает массив user long-poll.
// Для сообщений (код 4): [4, id, flags, peer_id, date, text, extra, attachments, random_id].
func (e *Event) parseUser(raw json.RawMessage) error {
	var fields []any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty update", ErrMalformed)
	}
	code, ok := fields[0].(float64)
	if !ok {
		return fmt.Errorf("%w: update code is not a number", ErrMalformed)
	}
	e.typ = strconv.Itoa(int(code))
	e.object = map[string]any{"fields": fields}
	if e.typ != UserTypeMessageNew {
		return nil
	}

	at := func(i int) any {
		if i < len(fields) {
			return fields[i]
		}
		return nil
	}
	msg := map[string]any{
		"id":      at(1),
		"flags":   at(2),
		"peer_id": at(3),
		"date":    at(4),
		"text":    at(5),
	}
	peer := toInt64(at(3))
	msg["from_id"] = peer
	if extra, ok := at(6).(map[string]any); ok {
		msg["extra"] = extra
		if from, ok := extra["from"]; ok {
			msg["from_id"] = toInt64(from)
		}
		if p, ok := extra["payload"]; ok {
			msg["payload"] = p
		}
	}
	if att, ok := at(7).(map[string]any); ok {
		msg["attachments_raw"] = att
	}
	if toInt64(at(2))&FlagOutbox != 0 {
		msg["out"] = float64(1)
	}
	e.message = msg
	return nil
}

// Raw возвращает исходный JSON.
func (e *Event) Raw() json.RawMessage { return e.raw }

// Platform возвращает источник события.
func (e *Event) Platform() Platform { return e.platform }

// Type возвращает тип: "message_new" для бота, код "4" для user.
func (e *Event) Type() string { return e.typ }

// GroupID — id сообщества (только bot-события).
func (e *Event) GroupID() int64 { return e.groupID }

// EventID — event_id из bot-события.
func (e *Event) EventID() string { return e.eventID }

// TraceID — уникальный id обработки события, для логов.
func (e *Event) TraceID() string { return e.traceID }

// Object возвращает object события.
func (e *Event) Object() map[string]any { return e.object }

// Message возвращает сообщение, если событие его содержит.
func (e *Event) Message() map[string]any { return e.message }

// IsMessage сообщает, что у события есть сообщение.
func (e *Event) IsMessage() bool { return e.message != nil }

// Text — текст сообщения.
func (e *Event) Text() string {
	s, _ := e.message["text"].(string)
	return s
}

// PeerID — id диалога.
func (e *Event) PeerID() int64 {
	if e.message != nil {
		return toInt64(e.message["peer_id"])
	}
	return toInt64(e.object["peer_id"])
}

// FromID — автор сообщения.
func (e *Event) FromID() int64 {
	if e.message != nil {
		return toInt64(e.message["from_id"])
	}
	if v, ok := e.object["user_id"]; ok {
		return toInt64(v)
	}
	return toInt64(e.object["from_id"])
}

// MessageID — id сообщения.
func (e *Event) MessageID() int64 { return toInt64(e.message["id"]) }

// Flags — битовая маска флагов (user long-poll).
func (e *Event) Flags() int64 { return toInt64(e.message["flags"]) }

// FromMe сообщает, что сообщение исходящее.
func (e *Event) FromMe() bool { return toInt64(e.message["out"]) == 1 }

// ConversationType определяет вид диалога по peer_id.
func (e *Event) ConversationType() ConversationType {
	return ConversationOf(e.PeerID())
}

// ConversationOf определяет вид диалога по peer_id.
func ConversationOf(peer int64) ConversationType {
	switch {
	case peer >= ChatPeerOffset:
		return ConversationChat
	case peer < 0:
		return ConversationGroup
	default:
		return ConversationUser
	}
}

// Payload возвращает payload сообщения (или object.payload для message_event).
// Русский комментарий: в сообщениях payload приходит строкой с JSON, её декодируем.
func (e *Event) Payload() map[string]any {
	var v any
	if e.message != nil {
		v = e.message["payload"]
	} else if e.object != nil {
		v = e.object["payload"]
	}
	switch p := v.(type) {
	case map[string]any:
		return p
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(p), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

// Attachments возвращает вложения сообщения.
// Для user-событий данные беднее: только типы attachN_type.
func (e *Event) Attachments() []map[string]any {
	if list, ok := e.message["attachments"].([]any); ok {
		return toMaps(list)
	}
	raw, ok := e.message["attachments_raw"].(map[string]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for i := 1; ; i++ {
		typ, ok := raw[fmt.Sprintf("attach%d_type", i)].(string)
		if !ok {
			break
		}
		out = append(out, map[string]any{"type": typ, typ: raw[fmt.Sprintf("attach%d", i)]})
	}
	return out
}

// ReplyMessage — сообщение, на которое ответили.
func (e *Event) ReplyMessage() map[string]any {
	m, _ := e.message["reply_message"].(map[string]any)
	return m
}

// FwdMessages — пересланные сообщения.
func (e *Event) FwdMessages() []map[string]any {
	list, _ := e.message["fwd_messages"].([]any)
	return toMaps(list)
}

// Action — служебное действие в беседе (chat_invite_user и т.д.).
func (e *Event) Action() map[string]any {
	m, _ := e.message["action"].(map[string]any)
	return m
}

// API возвращает контекст API, привязанный к событию диспетчером.
func (e *Event) API() *api.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.api
}

// BindAPI привязывает контекст API.
func (e *Event) BindAPI(c *api.Context) {
	e.mu.Lock()
	e.api = c
	e.mu.Unlock()
}

// Set кладёт значение в пользовательские данные события.
func (e *Event) Set(key string, value any) {
	e.mu.Lock()
	e.data[key] = value
	e.mu.Unlock()
}

// Delete удаляет значение из пользовательских данных.
func (e *Event) Delete(key string) {
	e.mu.Lock()
	delete(e.data, key)
	e.mu.Unlock()
}

// Get достаёт значение из пользовательских данных.
func (e *Event) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func toMaps(list []any) []map[string]any {
	if len(list) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
