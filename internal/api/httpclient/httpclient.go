// Package httpclient — HTTP-транспорт для api.Context и long-poll сессий.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/longpoll"
)

// DefaultBaseURL — адрес API по умолчанию.
const DefaultBaseURL = "https://api.vk.com"

// pollSlack — запас к wait, чтобы клиент не обрывал запрос раньше сервера.
const pollSlack = 10 * time.Second

// Client ходит в API по HTTP. Реализует api.Transport и longpoll.Poller.
type Client struct {
	baseURL string
	http    *http.Client
}

// New создаёт клиент. Пустой baseURL — DefaultBaseURL, nil httpClient — клиент с таймаутом 30s.
func New(baseURL string, httpClient *http.Client) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Request реализует api.Transport: POST формы на {base}/method/{method}.
func (c *Client) Request(ctx context.Context, method string, params api.Params) api.Outcome {
	form, err := Encode(params)
	if err != nil {
		return api.UnhandledFailure(err)
	}
	endpoint := fmt.Sprintf("%s/method/%s", c.baseURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return api.UnhandledFailure(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return api.UnhandledFailure(err)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return api.UnhandledFailure(err)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return api.UnhandledFailure(fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		}
		return api.UnhandledFailure(fmt.Errorf("decode %s response: %w", method, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return api.HandledFailure(body)
	}
	if _, ok := body["error"]; ok {
		return api.HandledFailure(body)
	}
	return api.Success(body)
}

// Poll реализует longpoll.Poller: GET на сервер long-poll с таймаутом wait+10s.
func (c *Client) Poll(ctx context.Context, server string, query url.Values, wait time.Duration) (longpoll.Response, error) {
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	target := server
	if strings.Contains(server, "?") {
		target += "&" + query.Encode()
	} else {
		target += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, wait+pollSlack)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return longpoll.Response{}, err
	}
	// Общий таймаут клиента может быть меньше wait, поэтому здесь он не используется.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return longpoll.Response{}, err
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return longpoll.Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return longpoll.Response{}, fmt.Errorf("longpoll http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out longpoll.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return longpoll.Response{}, fmt.Errorf("decode longpoll response: %w", err)
	}
	return out, nil
}

// Encode кодирует параметры в форму.
// Русский комментарий: строки как есть, числа десятичные, bool — 1/0,
// срезы через запятую, мапы и структуры — JSON.
func Encode(params api.Params) (url.Values, error) {
	form := make(url.Values, len(params))
	for k, v := range params {
		s, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode param %s: %w", k, err)
		}
		form.Set(k, s)
	}
	return form, nil
}

func encodeValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	case []string:
		return strings.Join(x, ","), nil
	case []int:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, ","), nil
	case []int64:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = strconv.FormatInt(n, 10)
		}
		return strings.Join(parts, ","), nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			s, err := encodeValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
