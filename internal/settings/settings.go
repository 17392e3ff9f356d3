// Package settings читает необязательный YAML с привязкой токенов к сообществам.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flybasist/wavebot/internal/token"
)

// Group — токен конкретного сообщества.
type Group struct {
	ID    int64  `yaml:"id"`
	Token string `yaml:"token"`
}

type Config struct {
	Groups []Group `yaml:"groups"`
	Admins []int64 `yaml:"admins"`
}

// Load читает файл. Отсутствующий файл — пустые настройки без ошибки.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, g := range cfg.Groups {
		if g.ID == 0 || strings.TrimSpace(g.Token) == "" {
			return nil, fmt.Errorf("parse %s: group #%d needs id and token", path, i+1)
		}
	}
	return &cfg, nil
}

// GroupTokens возвращает токены сообществ для предзагрузки в token.Storage.
func (c *Config) GroupTokens() map[int64]token.Token {
	out := make(map[int64]token.Token, len(c.Groups))
	for _, g := range c.Groups {
		out[g.ID] = token.New(g.Token, token.KindBotSingle)
	}
	return out
}
