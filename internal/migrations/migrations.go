// Package migrations создаёт и валидирует схему БД при запуске.
// Если схема несовместима, запуск останавливается.
package migrations

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/logx"
)

//go:embed sql/001_initial_schema.sql
var initialSchema string

// ExpectedTable описывает ожидаемую структуру таблицы для валидации
type ExpectedTable struct {
	Name    string
	Columns []string // Список обязательных колонок
}

// ExpectedSchema содержит описание всех таблиц которые должны существовать
var ExpectedSchema = []ExpectedTable{
	{Name: "fsm_states", Columns: []string{"key", "state", "data", "updated_at"}},
	{Name: "group_tokens", Columns: []string{"group_id", "token"}},
}

// SchemaState представляет состояние схемы БД
type SchemaState int

const (
	SchemaEmpty    SchemaState = iota // Таблиц нет
	SchemaComplete                    // Все таблицы есть
	SchemaPartial                     // Некоторые таблицы есть
	SchemaUnknown                     // Есть неожиданные таблицы
)

func (s SchemaState) String() string {
	switch s {
	case SchemaEmpty:
		return "empty"
	case SchemaComplete:
		return "complete"
	case SchemaPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// RunMigrationsIfNeeded проверяет схему БД и выполняет миграции если требуется.
// Русский комментарий: Вызывается при старте сразу после подключения к PostgreSQL.
func RunMigrationsIfNeeded(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	logger = logx.OrNop(logger)
	logger.Info("starting database schema validation and migrations")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// 1. Проверяем какие таблицы существуют
	existingTables, err := getExistingTables(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get existing tables: %w", err)
	}
	logger.Info("found existing tables", zap.Int("count", len(existingTables)), zap.Strings("tables", existingTables))

	// 2. Анализируем состояние схемы
	switch state := AnalyzeSchemaState(existingTables); state {
	case SchemaEmpty:
		logger.Info("database schema is empty, running initial migration")
		return runInitialMigration(ctx, db, logger)

	case SchemaComplete:
		return validateExistingSchema(ctx, db, logger)

	case SchemaUnknown:
		// Чужие таблицы в общей базе допустимы
		logger.Warn("database contains extra tables not part of expected schema",
			zap.Strings("extra_tables", findUnknownTables(existingTables)))
		return validateExistingSchema(ctx, db, logger)

	default:
		// Начальная миграция идемпотентна, поэтому недостающие таблицы просто досоздаём.
		logger.Warn("database schema is partial, re-running initial migration",
			zap.Strings("expected", expectedTableNames()), zap.Strings("found", existingTables))
		return runInitialMigration(ctx, db, logger)
	}
}

// getExistingTables возвращает список существующих таблиц
func getExistingTables(ctx context.Context, db *sql.DB) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, err
		}
		tables = append(tables, tableName)
	}
	return tables, rows.Err()
}

// AnalyzeSchemaState определяет состояние схемы по списку существующих таблиц.
func AnalyzeSchemaState(existingTables []string) SchemaState {
	if len(existingTables) == 0 {
		return SchemaEmpty
	}

	expected := expectedTableNames()
	allExpectedExist := true
	anyExpectedExist := false
	for _, name := range expected {
		if slices.Contains(existingTables, name) {
			anyExpectedExist = true
		} else {
			allExpectedExist = false
		}
	}
	hasUnexpectedTables := len(findUnknownTables(existingTables)) > 0

	switch {
	case allExpectedExist && !hasUnexpectedTables:
		return SchemaComplete
	case allExpectedExist:
		return SchemaUnknown
	case !anyExpectedExist:
		// В базе только чужие таблицы, наших ещё нет
		return SchemaEmpty
	default:
		return SchemaPartial
	}
}

func expectedTableNames() []string {
	names := make([]string, 0, len(ExpectedSchema))
	for _, table := range ExpectedSchema {
		names = append(names, table.Name)
	}
	return names
}

// findUnknownTables возвращает список таблиц которых нет в ExpectedSchema
func findUnknownTables(existingTables []string) []string {
	expected := expectedTableNames()
	var unknown []string
	for _, existing := range existingTables {
		if !slices.Contains(expected, existing) {
			unknown = append(unknown, existing)
		}
	}
	return unknown
}

// runInitialMigration выполняет начальную миграцию
func runInitialMigration(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	commands := SplitSQLCommands(initialSchema)
	logger.Info("parsed migration file", zap.Int("command_count", len(commands)))

	for i, command := range commands {
		preview := command
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}

		if _, err := db.ExecContext(ctx, command); err != nil {
			// Некритичные команды (COMMENT, CREATE INDEX IF NOT EXISTS) не валят миграцию
			if strings.Contains(command, "COMMENT ON") || strings.Contains(command, "CREATE INDEX IF NOT EXISTS") {
				logger.Warn("non-critical migration command failed (continuing)",
					zap.Int("index", i+1),
					zap.Error(err),
					zap.String("command_preview", preview))
				continue
			}
			return fmt.Errorf("failed to execute migration command %d: %w\nCommand: %s", i+1, err, command)
		}
		logger.Debug("migration command executed", zap.Int("index", i+1), zap.String("preview", preview))
	}

	logger.Info("initial migration completed successfully")
	return validateExistingSchema(ctx, db, logger)
}

// SplitSQLCommands разбивает SQL на отдельные команды.
// Русский комментарий: Разделитель — точка с запятой. Учитываем PL/pgSQL блоки с $$ ... $$
func SplitSQLCommands(sqlContent string) []string {
	sqlContent = removeMultilineComments(sqlContent)

	var commands []string
	var current strings.Builder
	inDollarQuote := false

	flush := func() {
		cmd := strings.TrimSpace(current.String())
		if cmd != "" && cmd != ";" {
			commands = append(commands, cmd)
		}
		current.Reset()
	}

	for _, line := range strings.Split(sqlContent, "\n") {
		// Удаляем однострочные комментарии --
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.Count(line, "$$")%2 == 1 {
			inDollarQuote = !inDollarQuote
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(line, ";") && !inDollarQuote {
			flush()
		}
	}
	flush()
	return commands
}

// removeMultilineComments удаляет многострочные комментарии /* ... */
func removeMultilineComments(sql string) string {
	var result strings.Builder
	inComment := false

	for i := 0; i < len(sql); i++ {
		if !inComment && i < len(sql)-1 && sql[i] == '/' && sql[i+1] == '*' {
			inComment = true
			i++
			continue
		}
		if inComment && i < len(sql)-1 && sql[i] == '*' && sql[i+1] == '/' {
			inComment = false
			i++
			continue
		}
		if !inComment {
			result.WriteByte(sql[i])
		}
	}
	return result.String()
}

// validateExistingSchema проверяет что все ожидаемые таблицы и колонки существуют
func validateExistingSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	for _, table := range ExpectedSchema {
		exists, err := checkTableExists(ctx, db, table.Name)
		if err != nil {
			return fmt.Errorf("failed to check table existence for %s: %w", table.Name, err)
		}
		if !exists {
			return fmt.Errorf("expected table %s does not exist", table.Name)
		}

		for _, column := range table.Columns {
			exists, err := checkColumnExists(ctx, db, table.Name, column)
			if err != nil {
				return fmt.Errorf("failed to check column existence for %s.%s: %w", table.Name, column, err)
			}
			if !exists {
				return fmt.Errorf("expected column %s.%s does not exist", table.Name, column)
			}
		}
		logger.Debug("table validated", zap.String("table", table.Name), zap.Int("columns", len(table.Columns)))
	}

	logger.Info("schema validation completed successfully", zap.Int("tables", len(ExpectedSchema)))
	return nil
}

func checkTableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)`

	var exists bool
	err := db.QueryRowContext(ctx, query, tableName).Scan(&exists)
	return exists, err
}

func checkColumnExists(ctx context.Context, db *sql.DB, tableName, columnName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.columns
			WHERE table_schema = 'public'
			AND table_name = $1
			AND column_name = $2
		)`

	var exists bool
	err := db.QueryRowContext(ctx, query, tableName, columnName).Scan(&exists)
	return exists, err
}
