// Package fsm хранит состояния диалогов по ключу области (пользователь, беседа, пользователь в беседе).
// Русский комментарий: Графа переходов нет, хендлеры сами решают,
// какое состояние ставить дальше.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/flybasist/wavebot/internal/event"
)

// State — имя состояния.
type State string

// AnyState совпадает с любым выставленным состоянием.
const AnyState State = "*"

// ForWhat — область, к которой привязано состояние.
type ForWhat int

const (
	ForUser ForWhat = iota
	ForChat
	ForUserInChat
)

func (f ForWhat) String() string {
	switch f {
	case ForChat:
		return "chat"
	case ForUserInChat:
		return "user_in_chat"
	default:
		return "user"
	}
}

// Key — ключ области в хранилище.
type Key string

// KeyFor строит ключ области для события.
func KeyFor(ev *event.Event, forWhat ForWhat) Key {
	switch forWhat {
	case ForChat:
		return Key(fmt.Sprintf("chat:%d", ev.PeerID()))
	case ForUserInChat:
		return Key(fmt.Sprintf("peer_from:%d_%d", ev.PeerID(), ev.FromID()))
	default:
		return Key(fmt.Sprintf("user:%d", ev.FromID()))
	}
}

// Entry — состояние области и связанные данные.
type Entry struct {
	State State
	Data  map[string]any
}

// ErrNoState — у области нет состояния.
var ErrNoState = errors.New("fsm: no state")

// Storage — бэкенд состояний. Отсутствие ключа — (Entry{}, false, nil).
type Storage interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Set(ctx context.Context, key Key, entry Entry) error
	Delete(ctx context.Context, key Key) error
}

// FSM — помощник поверх Storage для хендлеров.
type FSM struct {
	storage Storage
}

// New создаёт FSM.
func New(storage Storage) *FSM {
	return &FSM{storage: storage}
}

// Storage возвращает бэкенд.
func (f *FSM) Storage() Storage { return f.storage }

// SetState ставит состояние; data сливается с уже сохранёнными данными.
func (f *FSM) SetState(ctx context.Context, ev *event.Event, forWhat ForWhat, state State, data map[string]any) error {
	key := KeyFor(ev, forWhat)
	cur, _, err := f.storage.Get(ctx, key)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(cur.Data)+len(data))
	maps.Copy(merged, cur.Data)
	maps.Copy(merged, data)
	return f.storage.Set(ctx, key, Entry{State: state, Data: merged})
}

// AddData дописывает данные, не меняя состояния.
func (f *FSM) AddData(ctx context.Context, ev *event.Event, forWhat ForWhat, data map[string]any) error {
	key := KeyFor(ev, forWhat)
	cur, ok, err := f.storage.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoState
	}
	merged := make(map[string]any, len(cur.Data)+len(data))
	maps.Copy(merged, cur.Data)
	maps.Copy(merged, data)
	return f.storage.Set(ctx, key, Entry{State: cur.State, Data: merged})
}

// GetState возвращает состояние и признак его наличия.
func (f *FSM) GetState(ctx context.Context, ev *event.Event, forWhat ForWhat) (State, bool, error) {
	cur, ok, err := f.storage.Get(ctx, KeyFor(ev, forWhat))
	if err != nil || !ok {
		return "", false, err
	}
	return cur.State, true, nil
}

// GetData возвращает данные области.
func (f *FSM) GetData(ctx context.Context, ev *event.Event, forWhat ForWhat) (map[string]any, error) {
	cur, ok, err := f.storage.Get(ctx, KeyFor(ev, forWhat))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoState
	}
	return cur.Data, nil
}

// Finish удаляет состояние области.
func (f *FSM) Finish(ctx context.Context, ev *event.Event, forWhat ForWhat) error {
	return f.storage.Delete(ctx, KeyFor(ev, forWhat))
}
