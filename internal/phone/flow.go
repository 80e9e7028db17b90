package phone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"maskrelay/agent/internal/api"
	"maskrelay/agent/internal/cache"
	"maskrelay/agent/internal/domain"
)

// KeyRealPhone 真实手机号资源键，同时是上游集合路径。
const KeyRealPhone = "/realphone/"

// State 验证流程的状态。
type State string

const (
	StateEnteringNumber State = "entering_number"
	StateAwaitingCode   State = "awaiting_code"
	StateVerified       State = "verified"
	StateExpired        State = "expired"
	StateFailed         State = "failed"
)

// TransitionObserver 状态迁移的观测方（指标层实现）。
type TransitionObserver interface {
	ObserveFlowTransition(flow string, from, to string)
}

// Snapshot 流程状态的只读快照。
type Snapshot struct {
	State       State         `json:"state"`
	Number      string        `json:"number,omitempty"`
	Remaining   time.Duration `json:"-"`
	RemainingMS int64         `json:"remaining_ms"`
	InlineError string        `json:"inline_error,omitempty"`
}

// Flow 手机号验证状态机。
//
// 状态迁移只发生在用户动作和秒级滴答上。网络调用期间不持锁；
// 每次离开 AwaitingCode（返回或重新提交号码）都会递增代数，
// 迟到的网络结果与当前代数不符时被静默丢弃。
type Flow struct {
	mu          sync.Mutex
	state       State
	number      string
	phoneID     int64
	sentDate    time.Time
	inlineError string
	gen         uint64

	client   *api.Client
	store    *cache.Store
	window   time.Duration
	now      func() time.Time
	observer TransitionObserver
	log      *zap.Logger

	tickerStop chan struct{}
	tickerDone chan struct{}
}

// Options Flow 的配置。
type Options struct {
	Client   *api.Client
	Store    *cache.Store
	Window   time.Duration // 验证码有效窗口，默认 5 分钟
	Now      func() time.Time
	Observer TransitionObserver
	Logger   *zap.Logger
}

// NewFlow 创建验证流程并注册手机号资源键。
func NewFlow(opts Options) *Flow {
	window := opts.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f := &Flow{
		state:    StateEnteringNumber,
		client:   opts.Client,
		store:    opts.Store,
		window:   window,
		now:      now,
		observer: opts.Observer,
		log:      log,
	}
	opts.Store.Register(KeyRealPhone, f.fetchPhones, cache.DecodeJSON[[]domain.RealPhone]())
	return f
}

func (f *Flow) fetchPhones(ctx context.Context) (any, error) {
	resp, err := f.client.Get(ctx, KeyRealPhone)
	if err != nil {
		return nil, err
	}
	if !resp.Ok() {
		return nil, fmt.Errorf("fetch %s: upstream returned %d", KeyRealPhone, resp.StatusCode)
	}

	var phones []domain.RealPhone
	if err := resp.JSON(&phones); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", KeyRealPhone, err)
	}
	return phones, nil
}

// Init 加载手机号集合并确定初始状态：存在待验证手机号时直接
// 进入 AwaitingCode，取 verification_sent_date 最新的那一个。
func (f *Flow) Init(ctx context.Context) error {
	e, err := f.store.Load(ctx, KeyRealPhone)
	if err != nil {
		return err
	}
	if e.Err != nil {
		return e.Err
	}

	phones, _ := e.Data.([]domain.RealPhone)

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range phones {
		if p.IsVerified() {
			f.transitionLocked(StateVerified)
			f.number = p.Number
			f.phoneID = p.ID
			return nil
		}
	}

	if pending := domain.CurrentPendingPhone(phones, f.now(), f.window); pending != nil {
		f.number = pending.Number
		f.phoneID = pending.ID
		f.sentDate = *pending.VerificationSentDate
		f.transitionLocked(StateAwaitingCode)
	}
	return nil
}

// Snapshot 返回当前状态的快照。
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() Snapshot {
	var remaining time.Duration
	if f.state == StateAwaitingCode && !f.sentDate.IsZero() {
		remaining = f.sentDate.Add(f.window).Sub(f.now())
		if remaining < 0 {
			remaining = 0
		}
	}
	return Snapshot{
		State:       f.state,
		Number:      f.number,
		Remaining:   remaining,
		RemainingMS: remaining.Milliseconds(),
		InlineError: f.inlineError,
	}
}

// SubmitNumber 提交手机号并请求验证码。
//
// 传输层错误中止迁移并原样返回；非 2xx 留在 EnteringNumber 并
// 记录内联错误；2xx 进入 AwaitingCode。之前的输入总是被清除。
func (f *Flow) SubmitNumber(ctx context.Context, number string) (Snapshot, error) {
	f.mu.Lock()
	f.number = ""
	f.phoneID = 0
	f.inlineError = ""
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	resp, err := f.client.Post(ctx, KeyRealPhone, map[string]any{"number": number})
	if err != nil {
		return f.Snapshot(), err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		// 用户已离开，结果作废
		return f.snapshotLocked(), nil
	}

	if !resp.Ok() {
		f.inlineError = upstreamDetail(resp)
		f.transitionLocked(StateEnteringNumber)
		return f.snapshotLocked(), nil
	}

	var created domain.RealPhone
	if err := resp.JSON(&created); err == nil {
		f.phoneID = created.ID
		if created.VerificationSentDate != nil {
			f.sentDate = *created.VerificationSentDate
		} else {
			f.sentDate = f.now()
		}
	} else {
		f.sentDate = f.now()
	}
	f.number = number
	f.transitionLocked(StateAwaitingCode)

	f.revalidateAsync()
	return f.snapshotLocked(), nil
}

// SubmitCode 提交验证码。2xx 进入 Verified，非 2xx 进入 Failed，
// 底层手机号记录都不清除。传输层错误保持 AwaitingCode。
func (f *Flow) SubmitCode(ctx context.Context, code string) (Snapshot, error) {
	f.mu.Lock()
	if f.state != StateAwaitingCode {
		s := f.snapshotLocked()
		f.mu.Unlock()
		return s, fmt.Errorf("cannot submit code in state %q", s.State)
	}
	number := f.number
	phoneID := f.phoneID
	gen := f.gen
	f.mu.Unlock()

	resp, err := f.client.Patch(ctx, fmt.Sprintf("%s%d/", KeyRealPhone, phoneID), map[string]any{
		"number":            number,
		"verification_code": code,
	})
	if err != nil {
		return f.Snapshot(), err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return f.snapshotLocked(), nil
	}

	if resp.Ok() {
		f.transitionLocked(StateVerified)
	} else {
		f.inlineError = upstreamDetail(resp)
		f.transitionLocked(StateFailed)
	}

	f.revalidateAsync()
	return f.snapshotLocked(), nil
}

// Resend 为同一号码重新请求验证码。状态保持 AwaitingCode，
// 过期时钟随新的发送时间重置；Expired 状态下也可触发。
func (f *Flow) Resend(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	if f.state != StateAwaitingCode && f.state != StateExpired {
		s := f.snapshotLocked()
		f.mu.Unlock()
		return s, fmt.Errorf("cannot resend in state %q", s.State)
	}
	number := f.number
	gen := f.gen
	f.mu.Unlock()

	resp, err := f.client.Post(ctx, KeyRealPhone, map[string]any{"number": number})
	if err != nil {
		return f.Snapshot(), err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return f.snapshotLocked(), nil
	}

	if !resp.Ok() {
		f.inlineError = upstreamDetail(resp)
		return f.snapshotLocked(), nil
	}

	f.inlineError = ""
	f.sentDate = f.now()
	f.transitionLocked(StateAwaitingCode)

	f.revalidateAsync()
	return f.snapshotLocked(), nil
}

// GoBack 返回号码输入。在途请求不被取消，其迟到的结果按代数丢弃。
func (f *Flow) GoBack() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	f.number = ""
	f.phoneID = 0
	f.sentDate = time.Time{}
	f.inlineError = ""
	f.transitionLocked(StateEnteringNumber)
	return f.snapshotLocked()
}

// ========== 倒计时 ==========

// Start 启动过期倒计时，每秒重新计算剩余时间。
func (f *Flow) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerStop != nil {
		return
	}
	f.tickerStop = make(chan struct{})
	f.tickerDone = make(chan struct{})
	go f.run(f.tickerStop, f.tickerDone)
}

// Stop 停止倒计时并等待其退出。离开验证界面时必须调用。
func (f *Flow) Stop() {
	f.mu.Lock()
	stop, done := f.tickerStop, f.tickerDone
	f.tickerStop = nil
	f.tickerDone = nil
	f.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (f *Flow) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.Tick()
		}
	}
}

// Tick 重新计算过期状态。到期时进入 Expired，但不丢弃底层的
// 待验证手机号记录。
func (f *Flow) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAwaitingCode || f.sentDate.IsZero() {
		return
	}
	if !f.now().Before(f.sentDate.Add(f.window)) {
		f.transitionLocked(StateExpired)
	}
}

func (f *Flow) transitionLocked(to State) {
	from := f.state
	f.state = to
	if from != to && f.observer != nil {
		f.observer.ObserveFlowTransition("phone_verification", string(from), string(to))
	}
}

// revalidateAsync 变更后在后台重抓手机号资源。
func (f *Flow) revalidateAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := f.store.Revalidate(ctx, KeyRealPhone); err != nil {
			f.log.Warn("post-mutation revalidation failed", zap.String("key", KeyRealPhone), zap.Error(err))
		}
	}()
}

func upstreamDetail(resp *api.Response) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := resp.JSON(&body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return fmt.Sprintf("upstream returned %d", resp.StatusCode)
}
