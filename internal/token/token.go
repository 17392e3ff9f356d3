// Package token содержит учётные данные API и их пулы.
package token

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/flybasist/wavebot/internal/logx"
	"github.com/flybasist/wavebot/internal/selection"
)

// ErrEmptyPool — ошибка конфигурации: выбор токена из пустого пула.
// Русский комментарий: Не ретраится, приложение должно упасть сразу при старте.
var ErrEmptyPool = errors.New("token: empty pool")

// Kind — тип токена.
type Kind int

const (
	KindBotSingle Kind = iota
	KindBotPool
	KindUserSingle
)

func (k Kind) String() string {
	switch k {
	case KindBotSingle:
		return "bot_single"
	case KindBotPool:
		return "bot_pool"
	case KindUserSingle:
		return "user_single"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Token — непрозрачная строка-учётка с типом. Неизменяемый.
type Token struct {
	value string
	kind  Kind
}

// New создаёт токен.
func New(value string, kind Kind) Token {
	return Token{value: strings.TrimSpace(value), kind: kind}
}

// Value возвращает значение токена для подстановки в access_token.
func (t Token) Value() string { return t.value }

// Kind возвращает тип токена.
func (t Token) Kind() Kind { return t.kind }

// IsZero сообщает, что токен пустой.
func (t Token) IsZero() bool { return t.value == "" }

// String маскирует значение, чтобы токен случайно не попал в лог целиком.
func (t Token) String() string { return logx.Mask(t.value) }

// FromStrings строит токены из строк конфигурации.
// Русский комментарий: Одна строка для user даёт UserSingle, одна для бота BotSingle.
// Несколько строк всегда дают BotPool, в том числе для user-аккаунтов.
func FromStrings(values []string, user bool) []Token {
	var cleaned []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}

	kind := KindBotPool
	if len(cleaned) == 1 {
		kind = KindBotSingle
		if user {
			kind = KindUserSingle
		}
	}

	tokens := make([]Token, 0, len(cleaned))
	for _, v := range cleaned {
		tokens = append(tokens, New(v, kind))
	}
	return tokens
}

// Pool — упорядоченный набор токенов со стратегией выбора.
// Русский комментарий: Пул только растёт (Add), общий для всех сессий одной конфигурации.
type Pool struct {
	mu       sync.RWMutex
	tokens   []Token
	strategy selection.Strategy[Token]
}

// NewPool создаёт пул. nil-стратегия означает Random.
func NewPool(strategy selection.Strategy[Token], tokens ...Token) *Pool {
	if strategy == nil {
		strategy = selection.Random[Token]{}
	}
	p := &Pool{strategy: strategy}
	p.Add(tokens...)
	return p
}

// Add добавляет токены; рост виден всем последующим выборам.
func (p *Pool) Add(tokens ...Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tokens {
		if !t.IsZero() {
			p.tokens = append(p.tokens, t)
		}
	}
}

// Get выбирает токен стратегией пула.
func (p *Pool) Get() (Token, error) {
	p.mu.RLock()
	snapshot := p.tokens
	p.mu.RUnlock()

	if len(snapshot) == 0 {
		return Token{}, ErrEmptyPool
	}
	t, err := p.strategy.Select(snapshot)
	if err != nil {
		if errors.Is(err, selection.ErrEmpty) {
			return Token{}, ErrEmptyPool
		}
		return Token{}, fmt.Errorf("select token: %w", err)
	}
	return t, nil
}

// Tokens возвращает копию содержимого пула.
func (p *Pool) Tokens() []Token {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Token, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// Len возвращает размер пула.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}
