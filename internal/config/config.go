package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Тип аккаунта, от имени которого работает бот.
const (
	BotTypeBot  = "bot"
	BotTypeUser = "user"
)

// Config — централизованная структура настроек сервиса.
// Русский комментарий: Все переменные окружения собираются один раз при старте.
// Дальше компоненты работают только с этой структурой.
type Config struct {
	Tokens          []string      // Токены API (VK_TOKENS), через запятую или пробел
	BotType         string        // bot | user
	GroupIDs        []int64       // Сообщества для bot-сессий
	APIVersion      string        // Версия протокола API
	LongPollWait    time.Duration // Ожидание сервера long-poll
	IgnoreErrors    bool          // Не останавливать сессии на ошибках транспорта и хендлеров
	LogLevel        string        // Уровень логирования
	LogPretty       bool          // Человекочитаемый вывод логов
	LogMaxSizeMB    int           // Размер файла лога до ротации
	LogMaxBackups   int           // Сколько ротированных файлов хранить
	LogMaxAgeDays   int           // Сколько дней хранить ротированные файлы
	ShutdownTimeout time.Duration // Таймаут graceful shutdown (общий)
	DrainTimeout    time.Duration // Сколько ждать хендлеры при остановке
	PostgresDSN     string        // Строка подключения к PostgreSQL (опционально)
	FSMTTL          time.Duration // Время жизни состояний FSM в памяти, 0 — бессрочно
	KafkaBrokers    []string      // Брокеры Kafka для зеркалирования событий
	KafkaTopic      string        // Топик Kafka
	KafkaOutbox     string        // Топик исходящих команд, пустой — выключено
	RabbitURL       string        // AMQP URL для зеркалирования событий
	RabbitQueue     string        // Очередь RabbitMQ
	MetricsAddr     string        // Адрес /metrics, пустой — выключено
	RateLimitPerSec float64       // Лимит событий на peer в секунду, 0 — без лимита
	RateLimitBurst  int           // Всплеск лимита
	BlacklistIDs    []int64       // Авторы, события которых отбрасываются
	SettingsFile    string        // YAML с привязками токенов к сообществам
}

// Load загружает и валидирует конфигурацию из окружения.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Tokens = splitList(os.Getenv("VK_TOKENS"))
	cfg.BotType = strings.ToLower(firstNonEmpty(os.Getenv("VK_BOT_TYPE"), BotTypeBot))
	if cfg.GroupIDs, err = parseIDs("VK_GROUP_IDS"); err != nil {
		return nil, err
	}
	cfg.APIVersion = firstNonEmpty(os.Getenv("VK_API_VERSION"), "5.199")

	wait, err := intEnv("LONGPOLL_WAIT", 25)
	if err != nil {
		return nil, err
	}
	cfg.LongPollWait = time.Duration(wait) * time.Second

	cfg.IgnoreErrors = true
	if v, ok := OptionalBool("IGNORE_ERRORS"); ok {
		cfg.IgnoreErrors = v
	}

	cfg.LogLevel = strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"))
	cfg.LogPretty = strings.ToLower(os.Getenv("LOGGER_PRETTY")) == "true"
	if cfg.LogMaxSizeMB, err = intEnv("LOG_MAX_SIZE_MB", 100); err != nil {
		return nil, err
	}
	if cfg.LogMaxBackups, err = intEnv("LOG_MAX_BACKUPS", 5); err != nil {
		return nil, err
	}
	if cfg.LogMaxAgeDays, err = intEnv("LOG_MAX_AGE_DAYS", 30); err != nil {
		return nil, err
	}

	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = durationEnv("DRAIN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	if cfg.FSMTTL, err = durationEnv("FSM_TTL", 0); err != nil {
		return nil, err
	}

	// Разрешаем перечисление брокеров через запятую или пробелы
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.KafkaTopic = firstNonEmpty(os.Getenv("KAFKA_TOPIC"), "vk-events")
	cfg.KafkaOutbox = strings.TrimSpace(os.Getenv("KAFKA_OUTBOX_TOPIC"))
	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBIT_URL"))
	cfg.RabbitQueue = firstNonEmpty(os.Getenv("RABBIT_QUEUE"), "vk_events")

	cfg.MetricsAddr = ":9090"
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}

	if raw := strings.TrimSpace(os.Getenv("RATE_LIMIT_PER_SEC")); raw != "" {
		if cfg.RateLimitPerSec, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_SEC: %w", err)
		}
	}
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", 1); err != nil {
		return nil, err
	}
	if cfg.BlacklistIDs, err = parseIDs("BLACKLIST_IDS"); err != nil {
		return nil, err
	}
	cfg.SettingsFile = firstNonEmpty(os.Getenv("SETTINGS_FILE"), "settings.yaml")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsUser сообщает, что бот работает от имени пользователя.
func (c *Config) IsUser() bool { return c.BotType == BotTypeUser }

func (c *Config) validate() error {
	var missing []string
	if len(c.Tokens) == 0 {
		missing = append(missing, "VK_TOKENS")
	}
	if c.BotType == BotTypeBot && len(c.GroupIDs) == 0 {
		missing = append(missing, "VK_GROUP_IDS")
	}
	if len(missing) > 0 {
		return errors.New("missing required env vars: " + strings.Join(missing, ", "))
	}
	if c.BotType != BotTypeBot && c.BotType != BotTypeUser {
		return fmt.Errorf("invalid VK_BOT_TYPE %q: want bot or user", c.BotType)
	}
	if c.RateLimitPerSec < 0 {
		return errors.New("invalid RATE_LIMIT_PER_SEC: must not be negative")
	}
	return nil
}

// Helper: возвращает первое непустое значение.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitList(raw string) []string {
	return strings.FieldsFunc(strings.TrimSpace(raw), func(r rune) bool { return r == ',' || r == ' ' })
}

func parseIDs(name string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(os.Getenv(name)) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func intEnv(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return dur, nil
}

// OptionalBool читает переменную окружения и пытается интерпретировать её как bool.
// Возвращает значение и признак было ли оно установлено.
func OptionalBool(name string) (bool, bool) {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return false, false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, false
	}
	return b, true
}
