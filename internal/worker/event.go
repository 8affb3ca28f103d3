package worker

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/trip-cache/internal/fetch"
)

// ExtendableEvent 提供 WaitUntil：宿主在所有登记的任务结束前不会认为事件已处理完毕。
// 任务并发执行，单个任务失败不会取消其它任务。
type ExtendableEvent struct {
	ctx context.Context
	g   errgroup.Group
}

func (e *ExtendableEvent) init(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx = ctx
}

// Context 返回事件的生命周期上下文。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 延长事件生命周期直到 fn 返回。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	e.g.Go(func() error {
		return fn(e.ctx)
	})
}

// Wait 阻塞到所有 WaitUntil 任务结束，返回第一个错误。
func (e *ExtendableEvent) Wait() error {
	return e.g.Wait()
}

// InstallEvent 在新版本注册时派发一次。
type InstallEvent struct {
	ExtendableEvent

	mu   sync.Mutex
	skip bool
}

// NewInstallEvent 构造 install 事件。
func NewInstallEvent(ctx context.Context) *InstallEvent {
	ev := &InstallEvent{}
	ev.init(ctx)
	return ev
}

// SkipWaiting 通知宿主跳过等待阶段，安装完成后立即激活。
func (e *InstallEvent) SkipWaiting() {
	e.mu.Lock()
	e.skip = true
	e.mu.Unlock()
}

// SkipWaitingRequested reports whether the handler asked to skip waiting.
func (e *InstallEvent) SkipWaitingRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skip
}

// ClaimFunc 由宿主提供，令当前激活版本立即接管所有已打开的客户端。
type ClaimFunc func(ctx context.Context) error

// ActivateEvent 在新版本转为 active 时派发一次。
type ActivateEvent struct {
	ExtendableEvent
	claim ClaimFunc
}

// NewActivateEvent 构造 activate 事件，claim 为空时 Claim 不做任何事。
func NewActivateEvent(ctx context.Context, claim ClaimFunc) *ActivateEvent {
	ev := &ActivateEvent{claim: claim}
	ev.init(ctx)
	return ev
}

// Claim 接管已打开的客户端，无需刷新页面。
func (e *ActivateEvent) Claim(ctx context.Context) error {
	if e.claim == nil {
		return nil
	}
	return e.claim(ctx)
}

// ResponderFunc 异步产出响应；返回 error 表示请求以网络错误结束。
type ResponderFunc func(ctx context.Context) (*fetch.Response, error)

// FetchEvent 为每个被拦截的请求派发一次。
type FetchEvent struct {
	ExtendableEvent

	request *http.Request

	mu        sync.Mutex
	responder ResponderFunc
}

// NewFetchEvent 构造 fetch 事件。WaitUntil 任务运行在与请求取消解耦的上下文上，
// 以便响应返回、连接关闭后后台写缓存仍能完成。
func NewFetchEvent(ctx context.Context, req *http.Request) *FetchEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	ev := &FetchEvent{request: req}
	ev.init(context.WithoutCancel(ctx))
	return ev
}

// Request 返回被拦截的请求。
func (e *FetchEvent) Request() *http.Request {
	return e.request
}

// RespondWith 接管响应。只有第一次调用生效。
func (e *FetchEvent) RespondWith(fn ResponderFunc) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder == nil {
		e.responder = fn
	}
}

// Responder 返回处理器登记的 ResponderFunc；未调用 RespondWith 时 ok 为 false。
func (e *FetchEvent) Responder() (ResponderFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder, e.responder != nil
}
