package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Type 对应浏览器 Response.type，决定响应是否允许写入缓存。
type Type string

const (
	TypeBasic  Type = "basic"
	TypeCORS   Type = "cors"
	TypeOpaque Type = "opaque"
	TypeError  Type = "error"
)

// ErrBodyUsed 表示响应正文已被读取，无法再复制。
var ErrBodyUsed = errors.New("response body already used")

// Response 是一次网络或缓存响应的快照，Body 只能读取一次。
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       io.ReadCloser
	Type       Type
	URL        string
	// Cached 标记该响应来自缓存命中，仅用于观测。
	Cached bool

	mu   sync.Mutex
	used bool
}

// NetworkError 返回 error 类型的占位响应，对应 Response.error()。
func NetworkError() *Response {
	return &Response{
		Header: http.Header{},
		Body:   http.NoBody,
		Type:   TypeError,
	}
}

// OK 与 Response.ok 一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 在读取前复制响应：正文被一次性缓冲，接收者与返回值各持有独立的 Reader。
func (r *Response) Clone() (*Response, error) {
	if r == nil {
		return nil, errors.New("nil response")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}

	var payload []byte
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(r.Body)
		closeErr := r.Body.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			r.used = true
			return nil, fmt.Errorf("buffer response body: %w", err)
		}
		payload = data
	}
	r.Body = newBody(payload)

	return &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Body:       newBody(payload),
		Type:       r.Type,
		URL:        r.URL,
		Cached:     r.Cached,
	}, nil
}

// ReadAll 消费正文并关闭，之后该响应不可再 Clone。
func (r *Response) ReadAll() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// Close 释放正文，已读取或为空时无副作用。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

func newBody(payload []byte) io.ReadCloser {
	if len(payload) == 0 {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(payload))
}
