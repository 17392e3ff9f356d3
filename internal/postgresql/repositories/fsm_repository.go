package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flybasist/wavebot/internal/fsm"
)

// FSMRepository хранит состояния FSM в таблице fsm_states.
// Реализует fsm.Storage.
type FSMRepository struct {
	db  *sql.DB
	ttl time.Duration
}

// NewFSMRepository создаёт репозиторий. ttl > 0 скрывает записи старше ttl.
func NewFSMRepository(db *sql.DB, ttl time.Duration) *FSMRepository {
	return &FSMRepository{db: db, ttl: ttl}
}

// Get реализует fsm.Storage.
func (r *FSMRepository) Get(ctx context.Context, key fsm.Key) (fsm.Entry, bool, error) {
	var (
		state     string
		raw       []byte
		updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT state, data, updated_at FROM fsm_states WHERE key = $1`, string(key),
	).Scan(&state, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fsm.Entry{}, false, nil
	}
	if err != nil {
		return fsm.Entry{}, false, fmt.Errorf("get fsm state %s: %w", key, err)
	}

	if r.ttl > 0 && time.Since(updatedAt) > r.ttl {
		return fsm.Entry{}, false, r.Delete(ctx, key)
	}

	entry := fsm.Entry{State: fsm.State(state)}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry.Data); err != nil {
			return fsm.Entry{}, false, fmt.Errorf("decode fsm data %s: %w", key, err)
		}
	}
	return entry, true, nil
}

// Set реализует fsm.Storage.
func (r *FSMRepository) Set(ctx context.Context, key fsm.Key, entry fsm.Entry) error {
	data := entry.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode fsm data %s: %w", key, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fsm_states (key, state, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET state = EXCLUDED.state,
		    data = EXCLUDED.data,
		    updated_at = NOW()
	`, string(key), string(entry.State), raw)
	if err != nil {
		return fmt.Errorf("set fsm state %s: %w", key, err)
	}
	return nil
}

// Delete реализует fsm.Storage.
func (r *FSMRepository) Delete(ctx context.Context, key fsm.Key) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM fsm_states WHERE key = $1`, string(key)); err != nil {
		return fmt.Errorf("delete fsm state %s: %w", key, err)
	}
	return nil
}

// DeleteExpired удаляет записи старше ttl и возвращает их количество.
func (r *FSMRepository) DeleteExpired(ctx context.Context) (int64, error) {
	if r.ttl <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM fsm_states WHERE updated_at < NOW() - make_interval(secs => $1)`, r.ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("delete expired fsm states: %w", err)
	}
	return res.RowsAffected()
}
