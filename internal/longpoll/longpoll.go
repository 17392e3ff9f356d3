// Package longpoll держит сессию long-poll: handshake, опрос, resync и повторный handshake.
package longpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Cursor — позиция сессии: сервер, ключ и номер последнего события.
type Cursor struct {
	Server string
	Key    string
	TS     int64
}

// Response — ответ опроса.
type Response struct {
	TS      int64
	HasTS   bool
	Updates []json.RawMessage
	Failed  int
}

type rawResponse struct {
	TS      json.RawMessage   `json:"ts"`
	Updates []json.RawMessage `json:"updates"`
	Failed  int               `json:"failed"`
}

// UnmarshalJSON принимает ts и числом, и строкой с числом.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw rawResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Response{Updates: raw.Updates, Failed: raw.Failed}
	if len(raw.TS) == 0 || bytes.Equal(raw.TS, []byte("null")) {
		return nil
	}
	ts, err := ParseTS(raw.TS)
	if err != nil {
		return err
	}
	r.TS, r.HasTS = ts, true
	return nil
}

// ParseTS разбирает ts из JSON: 123 или "123".
func ParseTS(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, nil
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("longpoll: bad ts %s", string(raw))
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("longpoll: bad ts %q: %w", s, err)
	}
	return v, nil
}

// Poller выполняет сам запрос опроса к серверу long-poll.
type Poller interface {
	Poll(ctx context.Context, server string, query url.Values, wait time.Duration) (Response, error)
}

// PollerFunc — функция как Poller.
type PollerFunc func(ctx context.Context, server string, query url.Values, wait time.Duration) (Response, error)

// Poll реализует Poller.
func (f PollerFunc) Poll(ctx context.Context, server string, query url.Values, wait time.Duration) (Response, error) {
	return f(ctx, server, query, wait)
}

// FailedError — сервер вернул неизвестный код failed; сессия остановлена.
type FailedError struct {
	Code int
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("longpoll: fatal failed code %d", e.Code)
}

// State — состояние сессии.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateResyncing
	StateRehandshaking
	StateStoppedFatal
	StateStoppedCancelled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateResyncing:
		return "resyncing"
	case StateRehandshaking:
		return "rehandshaking"
	case StateStoppedFatal:
		return "stopped_fatal"
	case StateStoppedCancelled:
		return "stopped_cancelled"
	default:
		return "unknown"
	}
}
