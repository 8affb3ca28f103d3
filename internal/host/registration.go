package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/trip-cache/internal/fetch"
	"github.com/any-hub/trip-cache/internal/logging"
	"github.com/any-hub/trip-cache/internal/worker"
)

// ErrInstallFailed 表示新版本安装失败，旧版本继续服务。
var ErrInstallFailed = errors.New("agent install failed")

// Agent 是宿主可以托管的代理版本。
type Agent interface {
	Version() string
	Install(ev *worker.InstallEvent)
	Activate(ev *worker.ActivateEvent)
	Fetch(ev *worker.FetchEvent)
}

// Result 描述一次 Dispatch 的结果。
type Result struct {
	Response *fetch.Response
	// Controlled 表示请求经过了激活版本的 fetch 处理器。
	Controlled bool
	Version    string
}

// Snapshot 是注册状态的只读视图。
type Snapshot struct {
	Active     string `json:"active"`
	Waiting    string `json:"waiting,omitempty"`
	Clients    int    `json:"clients"`
	Controlled int    `json:"controlled"`
}

// Registration 管理一个作用域下的版本与客户端。
type Registration struct {
	network fetch.Fetcher
	logger  *logrus.Logger

	// mu 保护下列状态；生命周期事件本身在 lifecycleMu 下串行执行。
	mu      sync.Mutex
	active  Agent
	waiting Agent
	clients map[string]bool

	lifecycleMu sync.Mutex
	background  sync.WaitGroup
}

// NewRegistration 构造空注册，network 用于不受控客户端以及未响应的 fetch 事件。
func NewRegistration(network fetch.Fetcher, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Registration{
		network: network,
		logger:  logger,
		clients: make(map[string]bool),
	}
}

// Register 安装 agent；满足条件时立即激活，否则进入等待。
// 版本名与当前激活版本相同时视为无更新。
func (r *Registration) Register(ctx context.Context, agent Agent) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	version := agent.Version()
	r.mu.Lock()
	if r.active != nil && r.active.Version() == version {
		r.mu.Unlock()
		r.logger.WithFields(logging.LifecycleFields("register", version)).Debug("version unchanged")
		return nil
	}
	r.mu.Unlock()

	ev := worker.NewInstallEvent(ctx)
	agent.Install(ev)
	if err := ev.Wait(); err != nil {
		r.logger.WithFields(logging.LifecycleFields("install", version)).WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, version, err)
	}
	r.logger.WithFields(logging.LifecycleFields("install", version)).Info("installed")

	r.mu.Lock()
	immediate := ev.SkipWaitingRequested() || r.active == nil || r.controlledLocked() == 0
	if !immediate {
		r.waiting = agent
		r.mu.Unlock()
		r.logger.WithFields(logging.LifecycleFields("install", version)).Info("waiting for controlled clients to close")
		return nil
	}
	r.waiting = nil
	r.mu.Unlock()

	r.activate(ctx, agent)
	return nil
}

// activate 派发 activate 事件并切换激活版本。调用方必须持有 lifecycleMu。
func (r *Registration) activate(ctx context.Context, agent Agent) {
	version := agent.Version()
	claimed := false
	ev := worker.NewActivateEvent(ctx, func(context.Context) error {
		claimed = true
		return nil
	})
	agent.Activate(ev)
	if err := ev.Wait(); err != nil {
		r.logger.WithFields(logging.LifecycleFields("activate", version)).WithError(err).Warn("activate_incomplete")
	}

	r.mu.Lock()
	r.active = agent
	if claimed {
		for id := range r.clients {
			r.clients[id] = true
		}
	}
	controlled := r.controlledLocked()
	r.mu.Unlock()

	fields := logging.LifecycleFields("activate", version)
	fields["claimed"] = claimed
	fields["controlled"] = controlled
	r.logger.WithFields(fields).Info("activated")
}

// Client 登记客户端。首次出现时若已有激活版本，则该客户端受控。
func (r *Registration) Client(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	controlled, ok := r.clients[id]
	if !ok {
		controlled = r.active != nil
		r.clients[id] = controlled
	}
	return controlled
}

// Release 注销客户端；最后一个受控客户端离开后，等待中的版本被激活。
func (r *Registration) Release(ctx context.Context, id string) {
	r.mu.Lock()
	if _, ok := r.clients[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	promote := r.waiting != nil && r.controlledLocked() == 0
	r.mu.Unlock()

	if !promote {
		return
	}

	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.mu.Lock()
	next := r.waiting
	if next == nil || r.controlledLocked() != 0 {
		r.mu.Unlock()
		return
	}
	r.waiting = nil
	r.mu.Unlock()
	r.activate(ctx, next)
}

// Dispatch 把请求交给激活版本处理。不受控客户端或没有激活版本时直接走网络。
// 响应一旦产生立即返回，延长生命周期的任务在后台执行，由 Wait 收尾。
func (r *Registration) Dispatch(ctx context.Context, clientID string, req *http.Request) (Result, error) {
	r.mu.Lock()
	agent := r.active
	controlled := agent != nil && r.clients[clientID]
	r.mu.Unlock()

	if !controlled {
		resp, err := r.network.Fetch(ctx, req)
		return Result{Response: resp}, err
	}

	result := Result{Controlled: true, Version: agent.Version()}
	ev := worker.NewFetchEvent(ctx, req)
	agent.Fetch(ev)

	var (
		resp *fetch.Response
		err  error
	)
	if responder, ok := ev.Responder(); ok {
		resp, err = responder(ctx)
	} else {
		resp, err = r.network.Fetch(ctx, req)
	}

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if waitErr := ev.Wait(); waitErr != nil {
			fields := logging.LifecycleFields("fetch", result.Version)
			fields["url"] = req.URL.String()
			r.logger.WithFields(fields).WithError(waitErr).Warn("extended_work_failed")
		}
	}()

	result.Response = resp
	return result, err
}

// Wait 阻塞到所有后台任务完成。
func (r *Registration) Wait() {
	r.background.Wait()
}

// ActiveVersion 返回当前激活版本，没有时为空字符串。
func (r *Registration) ActiveVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.Version()
}

// Snapshot 返回当前注册状态。
func (r *Registration) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{Clients: len(r.clients), Controlled: r.controlledLocked()}
	if r.active != nil {
		snap.Active = r.active.Version()
	}
	if r.waiting != nil {
		snap.Waiting = r.waiting.Version()
	}
	return snap
}

func (r *Registration) controlledLocked() int {
	n := 0
	for _, c := range r.clients {
		if c {
			n++
		}
	}
	return n
}
