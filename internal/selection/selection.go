// Package selection содержит стратегии выбора одного элемента из набора.
// Русский комментарий: Одна и та же стратегия используется и для токенов, и для транспортов API.
package selection

import (
	"errors"
	"math/rand/v2"
	"sync/atomic"
)

// ErrEmpty возвращается при выборе из пустого набора.
var ErrEmpty = errors.New("selection: empty set")

// Strategy выбирает один элемент из items.
type Strategy[T any] interface {
	Select(items []T) (T, error)
}

// Random выбирает элемент равновероятно. Стратегия по умолчанию.
type Random[T any] struct{}

// Select реализует Strategy.
func (Random[T]) Select(items []T) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, ErrEmpty
	}
	return items[rand.IntN(len(items))], nil
}

// Fixed всегда возвращает первый элемент набора.
// Русский комментарий: "sync"-стратегия — все запросы идут через один фиксированный токен.
type Fixed[T any] struct{}

// Select реализует Strategy.
func (Fixed[T]) Select(items []T) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, ErrEmpty
	}
	return items[0], nil
}

// RoundRobin перебирает элементы по кругу. Детерминированный вариант для тестов.
type RoundRobin[T any] struct {
	next atomic.Uint64
}

// Select реализует Strategy.
func (r *RoundRobin[T]) Select(items []T) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, ErrEmpty
	}
	n := r.next.Add(1) - 1
	return items[n%uint64(len(items))], nil
}

// Func позволяет использовать функцию как стратегию.
type Func[T any] func(items []T) (T, error)

// Select реализует Strategy.
func (f Func[T]) Select(items []T) (T, error) {
	return f(items)
}
