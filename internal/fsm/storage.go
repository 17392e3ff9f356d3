package fsm

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/logx"
)

// MemoryStorage — состояния в памяти процесса, живут до явного Delete.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewMemoryStorage создаёт пустое хранилище.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[Key]Entry)}
}

// Get реализует Storage.
func (m *MemoryStorage) Get(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{State: e.State, Data: maps.Clone(e.Data)}, true, nil
}

// Set реализует Storage.
func (m *MemoryStorage) Set(_ context.Context, key Key, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{State: entry.State, Data: maps.Clone(entry.Data)}
	return nil
}

// Delete реализует Storage.
func (m *MemoryStorage) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len возвращает число областей с состоянием.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

type ttlEntry struct {
	entry   Entry
	expires time.Time
}

// TTLStorage — состояния в памяти с истечением срока.
// Русский комментарий: Просроченная запись не видна сразу (ленивая проверка в Get),
// а физически удаляется cron-задачей Sweep.
type TTLStorage struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]ttlEntry
	now     func() time.Time
	cron    *cron.Cron
	logger  *zap.Logger
}

// NewTTLStorage создаёт хранилище с временем жизни записи ttl.
func NewTTLStorage(ttl time.Duration, logger *zap.Logger) *TTLStorage {
	return &TTLStorage{
		ttl:     ttl,
		entries: make(map[Key]ttlEntry),
		now:     time.Now,
		cron:    cron.New(),
		logger:  logx.OrNop(logger),
	}
}

// Start запускает периодическую очистку с интервалом every.
func (s *TTLStorage) Start(every time.Duration) error {
	if every <= 0 {
		every = s.ttl
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if n := s.Sweep(); n > 0 {
			s.logger.Debug("fsm expired states removed", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule fsm sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("fsm ttl sweeper started", zap.Duration("ttl", s.ttl), zap.Duration("every", every))
	return nil
}

// Stop останавливает очистку и ждёт завершения текущего прохода.
func (s *TTLStorage) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep удаляет просроченные записи и возвращает их число.
func (s *TTLStorage) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Get реализует Storage.
func (s *TTLStorage) Get(_ context.Context, key Key) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return Entry{}, false, nil
	}
	return Entry{State: e.entry.State, Data: maps.Clone(e.entry.Data)}, true, nil
}

// Set реализует Storage. Каждая запись продлевает срок жизни.
func (s *TTLStorage) Set(_ context.Context, key Key, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = ttlEntry{
		entry:   Entry{State: entry.State, Data: maps.Clone(entry.Data)},
		expires: s.now().Add(s.ttl),
	}
	return nil
}

// Delete реализует Storage.
func (s *TTLStorage) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
