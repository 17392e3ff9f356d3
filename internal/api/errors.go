package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnexpectedResponse — тело ответа без "error" и без "response".
var ErrUnexpectedResponse = errors.New("api: unexpected response shape")

// Коды ошибок, на которые обычно вешают политику.
const (
	CodeUnknown         = 1
	CodeAuthFailed      = 5
	CodeTooManyRequests = 6
	CodeFloodControl    = 9
	CodeInternal        = 10
	CodeCaptchaNeeded   = 14
)

// TransportError — транспорт не смог выполнить запрос. Исходная ошибка доступна через errors.As/Unwrap.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("api: transport failed for %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Error — одиночная ошибка API.
type Error struct {
	Code    int
	Message string
	// RequestParams — пары key/value, которые вернул сервер в request_params.
	RequestParams map[string]string
	Method        string
	// Request — отправленные параметры без access_token.
	Request Params
	Raw     map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d in %s: %s", e.Code, e.Method, e.Message)
}

// Is сравнивает ошибки по коду: errors.Is(err, &api.Error{Code: 6}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ExecuteError — ошибки отдельных вызовов внутри execute.
type ExecuteError struct {
	Errors []Error
	Method string
	// RequestParams — полные параметры запроса, access_token вырезан.
	RequestParams Params
	Response      Response
}

func (e *ExecuteError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		parts = append(parts, fmt.Sprintf("%d %s: %s", item.Code, item.Method, item.Message))
	}
	return fmt.Sprintf("api execute errors in %s: [%s]", e.Method, strings.Join(parts, "; "))
}

// Unwrap отдаёт вложенные ошибки для errors.Is/As.
func (e *ExecuteError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for i := range e.Errors {
		out = append(out, &e.Errors[i])
	}
	return out
}

func newError(method string, raw any, request Params) *Error {
	e := &Error{Method: method, Request: request, RequestParams: map[string]string{}}
	obj, _ := raw.(map[string]any)
	if obj == nil {
		e.Code = CodeUnknown
		e.Message = fmt.Sprint(raw)
		return e
	}
	e.Raw = obj
	e.Code = toInt(obj["error_code"])
	e.Message, _ = obj["error_msg"].(string)
	if m, ok := obj["method"].(string); ok && m != "" {
		e.Method = m
	}
	if list, ok := obj["request_params"].([]any); ok {
		for _, item := range list {
			kv, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := kv["key"].(string)
			if key == "" || key == ParamAccessToken {
				continue
			}
			e.RequestParams[key] = fmt.Sprint(kv["value"])
		}
	}
	return e
}

func newExecuteError(method string, body Response, request Params) *ExecuteError {
	e := &ExecuteError{Method: method, RequestParams: request, Response: body}
	list, _ := body["execute_errors"].([]any)
	for _, item := range list {
		sub := newError("", item, nil)
		e.Errors = append(e.Errors, *sub)
	}
	return e
}

// toInt понимает числа из json.Unmarshal в any, json.Number и строки.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
