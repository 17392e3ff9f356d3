package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotImplemented возвращает резолвер по умолчанию.
// Русский комментарий: Токен для id не закеширован, а резолвер не задан.
var ErrNotImplemented = errors.New("token: resolver is not implemented")

// Resolver получает токен для внешнего id (например, id сообщества).
type Resolver[ID comparable] interface {
	Resolve(ctx context.Context, id ID) (Token, error)
}

// ResolverFunc — функция-резолвер.
type ResolverFunc[ID comparable] func(ctx context.Context, id ID) (Token, error)

// Resolve реализует Resolver.
func (f ResolverFunc[ID]) Resolve(ctx context.Context, id ID) (Token, error) {
	return f(ctx, id)
}

// NotImplementedResolver всегда возвращает ErrNotImplemented.
type NotImplementedResolver[ID comparable] struct{}

// Resolve реализует Resolver.
func (NotImplementedResolver[ID]) Resolve(_ context.Context, id ID) (Token, error) {
	return Token{}, fmt.Errorf("resolve %v: %w", id, ErrNotImplemented)
}

type cachedToken struct {
	token    Token
	cachedAt time.Time
}

// Storage кеширует токены по внешнему id.
// Русский комментарий: Первый полученный токен живёт в кеше до конца процесса,
// если не задан TTL (WithTTL) и не вызван Evict.
type Storage[ID comparable] struct {
	mu       sync.RWMutex
	tokens   map[ID]cachedToken
	resolver Resolver[ID]
	group    *singleflight.Group
	ttl      time.Duration
	now      func() time.Time
}

// StorageOption настраивает Storage.
type StorageOption[ID comparable] func(*Storage[ID])

// WithResolver задаёт стратегию получения токена для незакешированного id.
func WithResolver[ID comparable](r Resolver[ID]) StorageOption[ID] {
	return func(s *Storage[ID]) { s.resolver = r }
}

// WithSingleflight включает дедупликацию одновременных резолвов одного id.
// Без неё два конкурентных Get для одного id оба вызовут резолвер, в кеше останется последний.
func WithSingleflight[ID comparable]() StorageOption[ID] {
	return func(s *Storage[ID]) { s.group = &singleflight.Group{} }
}

// WithTTL включает вытеснение: закешированный токен старше ttl резолвится заново.
func WithTTL[ID comparable](ttl time.Duration) StorageOption[ID] {
	return func(s *Storage[ID]) { s.ttl = ttl }
}

// WithAvailable предзаполняет кеш.
func WithAvailable[ID comparable](available map[ID]Token) StorageOption[ID] {
	return func(s *Storage[ID]) {
		for id, t := range available {
			s.tokens[id] = cachedToken{token: t, cachedAt: s.now()}
		}
	}
}

// NewStorage создаёт хранилище токенов.
func NewStorage[ID comparable](opts ...StorageOption[ID]) *Storage[ID] {
	s := &Storage[ID]{
		tokens:   make(map[ID]cachedToken),
		resolver: NotImplementedResolver[ID]{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append явно привязывает токен к id.
func (s *Storage[ID]) Append(id ID, t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = cachedToken{token: t, cachedAt: s.now()}
}

// Evict удаляет id из кеша.
func (s *Storage[ID]) Evict(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
}

// Len возвращает количество закешированных id.
func (s *Storage[ID]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Get возвращает токен для id: из кеша или через резолвер.
func (s *Storage[ID]) Get(ctx context.Context, id ID) (Token, error) {
	if t, ok := s.cached(id); ok {
		return t, nil
	}

	if s.group == nil {
		return s.resolve(ctx, id)
	}

	v, err, _ := s.group.Do(fmt.Sprint(any(id)), func() (any, error) {
		if t, ok := s.cached(id); ok {
			return t, nil
		}
		return s.resolve(ctx, id)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (s *Storage[ID]) cached(id ID) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.tokens[id]
	if !ok {
		return Token{}, false
	}
	if s.ttl > 0 && s.now().Sub(c.cachedAt) > s.ttl {
		return Token{}, false
	}
	return c.token, true
}

func (s *Storage[ID]) resolve(ctx context.Context, id ID) (Token, error) {
	t, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return Token{}, err
	}
	s.Append(id, t)
	return t, nil
}

// UserStorage отдаёт токен пользовательского аккаунта независимо от id.
// Русский комментарий: Для user-сессий токен один (или пул), id события не важен.
type UserStorage struct {
	pool *Pool
}

// NewUserStorage создаёт хранилище поверх пула.
func NewUserStorage(pool *Pool) *UserStorage {
	return &UserStorage{pool: pool}
}

// Get возвращает токен из пула.
func (s *UserStorage) Get(_ context.Context) (Token, error) {
	return s.pool.Get()
}
