package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/filters"
	"github.com/flybasist/wavebot/internal/fsm"
)

// Состояния анкеты.
const (
	stateAskName fsm.State = "survey:ask_name"
	stateAskAge  fsm.State = "survey:ask_age"
)

const helpMsg = `📖 Доступные команды:

/start — приветствие
/help — эта справка
/survey — короткая анкета
/cancel — прервать анкету
/whoami — ваш id
/admin — проверка прав (только админы)

Можно спросить «погода в <город>».`

// newRouter регистрирует все хендлеры бота.
// Русский комментарий: В роутере срабатывает первая подходящая запись,
// поэтому шаги анкеты стоят раньше общих команд.
func newRouter(machine *fsm.FSM, admins []int64, logger *zap.Logger) *dispatch.Router {
	r := dispatch.NewRouter("main")

	// /cancel работает из любого состояния анкеты
	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		if err := machine.Finish(ctx, ev, fsm.ForUserInChat); err != nil {
			return err
		}
		return reply(ctx, ev, "Анкета отменена.")
	}, filters.Commands("cancel"), filters.State(machine, fsm.ForUserInChat, fsm.AnyState))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		name := strings.TrimSpace(ev.Text())
		if err := machine.SetState(ctx, ev, fsm.ForUserInChat, stateAskAge, map[string]any{"name": name}); err != nil {
			return err
		}
		return reply(ctx, ev, fmt.Sprintf("Приятно познакомиться, %s! Сколько вам лет?", name))
	}, filters.State(machine, fsm.ForUserInChat, stateAskName))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		data, err := machine.GetData(ctx, ev, fsm.ForUserInChat)
		if err != nil {
			return err
		}
		if err := machine.Finish(ctx, ev, fsm.ForUserInChat); err != nil {
			return err
		}
		logger.Info("survey completed", zap.Int64("from_id", ev.FromID()), zap.Int64("peer_id", ev.PeerID()))
		return reply(ctx, ev, fmt.Sprintf("Готово: %v, %s лет.", data["name"], strings.TrimSpace(ev.Text())))
	}, filters.State(machine, fsm.ForUserInChat, stateAskAge), filters.MustRegex(`^\s*\d{1,3}\s*$`))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		return reply(ctx, ev, "Возраст нужно указать числом.")
	}, filters.State(machine, fsm.ForUserInChat, stateAskAge))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		return reply(ctx, ev, "🤖 Привет! Я wavebot. Список команд: /help")
	}, filters.Commands("start"))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		return reply(ctx, ev, helpMsg)
	}, filters.Commands("help"))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		if err := machine.SetState(ctx, ev, fsm.ForUserInChat, stateAskName, nil); err != nil {
			return err
		}
		return reply(ctx, ev, "Как вас зовут?")
	}, filters.Commands("survey"), filters.Args(0))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		return reply(ctx, ev, fmt.Sprintf("Ваш id: %d, диалог: %d (%s)", ev.FromID(), ev.PeerID(), ev.ConversationType()))
	}, filters.Commands("whoami"))

	// Админов из настроек проверяем без запроса к API
	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		return reply(ctx, ev, "✅ Вы администратор.")
	}, filters.Commands("admin"), filters.Or(filters.FromID(admins...), filters.And(
		filters.ConversationType(event.ConversationChat),
		filters.IsAdmin(),
	)))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		return reply(ctx, ev, "❌ Эта команда доступна только администраторам чата.")
	}, filters.Commands("admin"))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		city := filters.TemplateVars(ev)["city"]
		return reply(ctx, ev, fmt.Sprintf("В городе %s сегодня отличная погода ☀️", city))
	}, filters.MustTemplate("погода в <city>", true))

	r.HandleMessage(func(ctx context.Context, ev *event.Event) error {
		return reply(ctx, ev, "Привет! 👋")
	}, filters.Not(filters.FromMe()), filters.Levenshtein(1, "привет", "hello"))

	// Нажатие callback-кнопки
	r.Handle(func(ctx context.Context, ev *event.Event) error {
		obj := ev.Object()
		_, err := ev.API().Call(ctx, "messages.sendMessageEventAnswer", api.Params{
			"event_id":   obj["event_id"],
			"user_id":    ev.FromID(),
			"peer_id":    ev.PeerID(),
			"event_data": `{"type":"show_snackbar","text":"Принято"}`,
		})
		return err
	}, filters.EventType(event.TypeMessageEvent), filters.PayloadContains(map[string]any{"button": "ack"}))

	return r
}

// reply отправляет текст в диалог события.
func reply(ctx context.Context, ev *event.Event, text string) error {
	_, err := ev.API().Call(ctx, "messages.send", api.Params{
		"peer_id":   ev.PeerID(),
		"message":   text,
		"random_id": rand.Int32(),
	})
	return err
}
