package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flybasist/wavebot/internal/token"
)

// ErrTokenNotFound — для сообщества нет сохранённого токена.
var ErrTokenNotFound = errors.New("group token not found")

// TokenRepository хранит токены сообществ в таблице group_tokens.
// Используется как token.Resolver[int64] для GroupSource.
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository создаёт репозиторий токенов.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Resolve реализует token.Resolver.
func (r *TokenRepository) Resolve(ctx context.Context, groupID int64) (token.Token, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT token FROM group_tokens WHERE group_id = $1`, groupID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, fmt.Errorf("group %d: %w", groupID, ErrTokenNotFound)
	}
	if err != nil {
		return token.Token{}, fmt.Errorf("resolve token for group %d: %w", groupID, err)
	}
	return token.New(value, token.KindBotSingle), nil
}

// Save сохраняет или обновляет токен сообщества.
func (r *TokenRepository) Save(ctx context.Context, groupID int64, t token.Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO group_tokens (group_id, token)
		VALUES ($1, $2)
		ON CONFLICT (group_id) DO UPDATE SET token = EXCLUDED.token
	`, groupID, t.Value())
	if err != nil {
		return fmt.Errorf("save token for group %d: %w", groupID, err)
	}
	return nil
}
