package logx

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Русский комментарий: Пакет инкапсулирует настройку структурированного логирования рантайма.
// Сообщения в логах только на английском, поля типизированные (zap.Int64("group_id", ...)).
// Файл логов ротируется lumberjack, вывод дублируется в stdout.

// Options содержит параметры логгера и ротации файлов.
type Options struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // консольный encoder вместо JSON
	Filename   string // путь к файлу логов; пустая строка отключает файловый вывод
	MaxSizeMB  int    // максимальный размер файла лога в MB
	MaxBackups int    // количество старых файлов для хранения
	MaxAgeDays int    // максимальный возраст файла лога в днях
}

// DefaultFilename — файл логов по умолчанию.
const DefaultFilename = "logs/bot.log"

// NewLogger создаёт логгер по опциям.
// Русский комментарий: Неизвестный уровень не ошибка, откатываемся на info.
func NewLogger(opts Options) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var encoderCfg zapcore.EncoderConfig
	if opts.Pretty {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Pretty {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zapLevel),
	}

	if opts.Filename != "" {
		logFile := &lumberjack.Logger{
			Filename:   opts.Filename,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(logFile), zapLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// OrNop возвращает переданный логгер или no-op логгер, если передан nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Secret возвращает поле с замаскированным значением токена.
// Русский комментарий: В логи попадают только последние 4 символа токена.
func Secret(key, value string) zap.Field {
	return zap.String(key, Mask(value))
}

// Mask маскирует строку, оставляя последние 4 символа.
func Mask(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}
