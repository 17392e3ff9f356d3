// Package filters — предикаты над событиями для записей роутера.
package filters

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/fsm"
)

// Filter проверяет событие. Ошибка означает, что проверку выполнить не удалось.
type Filter interface {
	Check(ctx context.Context, ev *event.Event) (bool, error)
}

// Func — функция как Filter.
type Func func(ctx context.Context, ev *event.Event) (bool, error)

// Check реализует Filter.
func (f Func) Check(ctx context.Context, ev *event.Event) (bool, error) { return f(ctx, ev) }

// pred — фильтр без I/O.
type pred func(ev *event.Event) bool

func (p pred) Check(_ context.Context, ev *event.Event) (bool, error) { return p(ev), nil }

// ErrNoAPI — фильтру нужен API, а событие к нему не привязано.
var ErrNoAPI = errors.New("filters: event has no api context")

// EventType совпадает по типу события ("message_new", "4" и т.п.).
func EventType(types ...string) Filter {
	return pred(func(ev *event.Event) bool { return slices.Contains(types, ev.Type()) })
}

// TextFilter — точное совпадение текста.
type TextFilter struct {
	Texts      []string
	IgnoreCase bool
}

// Text совпадает с одной из строк без учёта регистра.
func Text(texts ...string) *TextFilter {
	return &TextFilter{Texts: texts, IgnoreCase: true}
}

// CaseSensitive включает учёт регистра.
func (f *TextFilter) CaseSensitive() *TextFilter {
	return &TextFilter{Texts: f.Texts, IgnoreCase: false}
}

// Check реализует Filter.
func (f *TextFilter) Check(_ context.Context, ev *event.Event) (bool, error) {
	return matchAny(ev.Text(), f.Texts, f.IgnoreCase, func(a, b string) bool { return a == b }), nil
}

// TextContains совпадает, если текст содержит одну из подстрок (без учёта регистра).
func TextContains(parts ...string) Filter {
	return pred(func(ev *event.Event) bool {
		return matchAny(ev.Text(), parts, true, strings.Contains)
	})
}

// TextStartsWith совпадает, если текст начинается с одного из префиксов (без учёта регистра).
func TextStartsWith(prefixes ...string) Filter {
	return pred(func(ev *event.Event) bool {
		return matchAny(ev.Text(), prefixes, true, strings.HasPrefix)
	})
}

func matchAny(text string, candidates []string, ignoreCase bool, match func(text, candidate string) bool) bool {
	if ignoreCase {
		text = strings.ToLower(text)
	}
	for _, c := range candidates {
		if ignoreCase {
			c = strings.ToLower(c)
		}
		if match(text, c) {
			return true
		}
	}
	return false
}

// DefaultCommandPrefixes — префиксы команд по умолчанию.
var DefaultCommandPrefixes = []string{"/", "!"}

// CommandsFilter — команда в первом слове сообщения.
type CommandsFilter struct {
	Commands   []string
	Prefixes   []string
	IgnoreCase bool
}

// Commands совпадает с "/cmd" или "!cmd" в начале сообщения, регистр не важен.
func Commands(commands ...string) *CommandsFilter {
	return &CommandsFilter{Commands: commands, Prefixes: DefaultCommandPrefixes, IgnoreCase: true}
}

// WithPrefixes задаёт префиксы команд.
func (f *CommandsFilter) WithPrefixes(prefixes ...string) *CommandsFilter {
	out := *f
	out.Prefixes = prefixes
	return &out
}

// CaseSensitive включает учёт регистра.
func (f *CommandsFilter) CaseSensitive() *CommandsFilter {
	out := *f
	out.IgnoreCase = false
	return &out
}

// Check реализует Filter.
func (f *CommandsFilter) Check(_ context.Context, ev *event.Event) (bool, error) {
	fields := strings.Fields(ev.Text())
	if len(fields) == 0 {
		return false, nil
	}
	first := fields[0]
	if f.IgnoreCase {
		first = strings.ToLower(first)
	}
	for _, p := range f.Prefixes {
		for _, c := range f.Commands {
			want := p + c
			if f.IgnoreCase {
				want = strings.ToLower(want)
			}
			if first == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// Args совпадает, если после первого слова ровно n аргументов.
func Args(n int) Filter {
	return pred(func(ev *event.Event) bool {
		fields := strings.Fields(ev.Text())
		return len(fields) > 0 && len(fields)-1 == n
	})
}

// Regex совпадает, если текст подходит под выражение.
func Regex(re *regexp.Regexp) Filter {
	return pred(func(ev *event.Event) bool { return re.MatchString(ev.Text()) })
}

// MustRegex компилирует выражение и паникует при ошибке. Для регистрации при старте.
func MustRegex(pattern string) Filter {
	return Regex(regexp.MustCompile(pattern))
}

// Payload совпадает при полном равенстве payload.
func Payload(want map[string]any) Filter {
	norm := normalize(want)
	return pred(func(ev *event.Event) bool {
		got := ev.Payload()
		return got != nil && reflect.DeepEqual(got, norm)
	})
}

// PayloadContains совпадает, если payload содержит все пары из want.
func PayloadContains(want map[string]any) Filter {
	norm := normalize(want)
	return pred(func(ev *event.Event) bool {
		got := ev.Payload()
		if got == nil {
			return false
		}
		for k, v := range norm {
			gv, ok := got[k]
			if !ok || !reflect.DeepEqual(gv, v) {
				return false
			}
		}
		return true
	})
}

// normalize приводит значения к виду после json.Unmarshal (числа во float64 и т.д.).
func normalize(m map[string]any) map[string]any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// FromID совпадает по автору.
func FromID(ids ...int64) Filter {
	return pred(func(ev *event.Event) bool { return slices.Contains(ids, ev.FromID()) })
}

// FromGroup совпадает, если автор — сообщество.
func FromGroup() Filter {
	return pred(func(ev *event.Event) bool { return ev.FromID() < 0 })
}

// FromMe совпадает с исходящими сообщениями.
func FromMe() Filter {
	return pred(func(ev *event.Event) bool { return ev.FromMe() })
}

// Flags совпадает, если выставлены все биты mask (user long-poll).
func Flags(mask int64) Filter {
	return pred(func(ev *event.Event) bool { return ev.Flags()&mask == mask })
}

// PeerID совпадает по диалогу.
func PeerID(ids ...int64) Filter {
	return pred(func(ev *event.Event) bool { return slices.Contains(ids, ev.PeerID()) })
}

// ConversationType совпадает по виду диалога.
func ConversationType(types ...event.ConversationType) Filter {
	return pred(func(ev *event.Event) bool { return slices.Contains(types, ev.ConversationType()) })
}

// Levenshtein совпадает, если расстояние правки до одного из текстов не больше maxDistance.
// Сравнение без учёта регистра.
func Levenshtein(maxDistance int, texts ...string) Filter {
	lowered := make([]string, len(texts))
	for i, t := range texts {
		lowered[i] = strings.ToLower(t)
	}
	return pred(func(ev *event.Event) bool {
		text := strings.ToLower(ev.Text())
		for _, t := range lowered {
			if levenshtein.ComputeDistance(text, t) <= maxDistance {
				return true
			}
		}
		return false
	})
}

// AttachmentType совпадает, если есть вложение одного из типов.
func AttachmentType(types ...string) Filter {
	return pred(func(ev *event.Event) bool {
		for _, a := range ev.Attachments() {
			if t, _ := a["type"].(string); slices.Contains(types, t) {
				return true
			}
		}
		return false
	})
}

// Reply совпадает с ответами на сообщение.
func Reply() Filter {
	return pred(func(ev *event.Event) bool { return ev.ReplyMessage() != nil })
}

// FwdMessages совпадает с сообщениями, где есть пересланные.
func FwdMessages() Filter {
	return pred(func(ev *event.Event) bool { return len(ev.FwdMessages()) > 0 })
}

// ChatAction совпадает по типу служебного действия. Без аргументов — любое действие.
func ChatAction(types ...string) Filter {
	return pred(func(ev *event.Event) bool {
		action := ev.Action()
		if action == nil {
			return false
		}
		if len(types) == 0 {
			return true
		}
		t, _ := action["type"].(string)
		return slices.Contains(types, t)
	})
}

// State совпадает, если состояние области одно из states. fsm.AnyState — любое выставленное.
func State(machine *fsm.FSM, forWhat fsm.ForWhat, states ...fsm.State) Filter {
	return Func(func(ctx context.Context, ev *event.Event) (bool, error) {
		cur, ok, err := machine.GetState(ctx, ev, forWhat)
		if err != nil || !ok {
			return false, err
		}
		for _, s := range states {
			if s == fsm.AnyState || s == cur {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not инвертирует фильтр.
func Not(f Filter) Filter {
	return Func(func(ctx context.Context, ev *event.Event) (bool, error) {
		ok, err := f.Check(ctx, ev)
		return !ok && err == nil, err
	})
}

// And — все фильтры, с коротким замыканием.
func And(fs ...Filter) Filter {
	return Func(func(ctx context.Context, ev *event.Event) (bool, error) {
		return CheckAll(ctx, ev, fs)
	})
}

// Or — хотя бы один фильтр.
func Or(fs ...Filter) Filter {
	return Func(func(ctx context.Context, ev *event.Event) (bool, error) {
		for _, f := range fs {
			ok, err := f.Check(ctx, ev)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// CheckAll проверяет фильтры по порядку и останавливается на первом несовпадении.
// Русский комментарий: Если набор не совпал, значения Template откатываются к прежним,
// иначе их прочитал бы хендлер другой записи.
func CheckAll(ctx context.Context, ev *event.Event, fs []Filter) (bool, error) {
	prev, hadPrev := ev.Get(templateVarsKey)
	for _, f := range fs {
		ok, err := f.Check(ctx, ev)
		if err != nil || !ok {
			if hadPrev {
				ev.Set(templateVarsKey, prev)
			} else {
				ev.Delete(templateVarsKey)
			}
			return false, err
		}
	}
	return true, nil
}
