package relaynumber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"maskrelay/agent/internal/api"
	"maskrelay/agent/internal/cache"
	"maskrelay/agent/internal/domain"
)

// 资源键与上游路径。
const (
	KeyRelayNumber  = "/relaynumber/"
	pathSuggestions = "/relaynumber/suggestions/"
	pathSearch      = "/relaynumber/search/"
)

// WindowSize 候选号码可见窗口的大小，"更多选项"每次前进同样的步长。
const WindowSize = 3

var (
	// ErrNoSelection 未选中候选号码时提交被拒绝。
	ErrNoSelection = errors.New("no number selected")
	// ErrNotSelectable 选中的号码不在当前可见窗口内。
	ErrNotSelectable = errors.New("number not in visible window")
)

// State 注册流程的状态。
type State string

const (
	StateIntro              State = "intro"
	StateSelectingNumber    State = "selecting_number"
	StateConfirming         State = "confirming"
	StateRegistered         State = "registered"
	StateRegistrationFailed State = "registration_failed"
)

// TransitionObserver 状态迁移的观测方。
type TransitionObserver interface {
	ObserveFlowTransition(flow string, from, to string)
}

// Snapshot 流程状态的只读快照。
type Snapshot struct {
	State       State                `json:"state"`
	Visible     []domain.RelayNumber `json:"visible,omitempty"`
	Selected    *domain.RelayNumber  `json:"selected,omitempty"`
	Registered  *domain.RelayNumber  `json:"registered,omitempty"`
	InlineError string               `json:"inline_error,omitempty"`
}

// Flow 中继号码注册流程。
//
// 候选列表的可见窗口大小固定，"更多选项"按同样步长前进，
// 越过末尾时回绕到 0。窗口每次移动都会清除已有选择。
type Flow struct {
	mu          sync.Mutex
	state       State
	candidates  []domain.RelayNumber
	offset      int
	selected    *domain.RelayNumber
	registered  *domain.RelayNumber
	inlineError string

	client   *api.Client
	store    *cache.Store
	observer TransitionObserver
	log      *zap.Logger
}

// Options Flow 的配置。
type Options struct {
	Client   *api.Client
	Store    *cache.Store
	Observer TransitionObserver
	Logger   *zap.Logger
}

// NewFlow 创建注册流程并注册中继号码资源键。
func NewFlow(opts Options) *Flow {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	f := &Flow{
		state:    StateIntro,
		client:   opts.Client,
		store:    opts.Store,
		observer: opts.Observer,
		log:      log,
	}
	opts.Store.Register(KeyRelayNumber, f.fetchRelayNumbers, cache.DecodeJSON[[]domain.RelayNumber]())
	return f
}

func (f *Flow) fetchRelayNumbers(ctx context.Context) (any, error) {
	resp, err := f.client.Get(ctx, KeyRelayNumber)
	if err != nil {
		return nil, err
	}
	if !resp.Ok() {
		return nil, fmt.Errorf("fetch %s: upstream returned %d", KeyRelayNumber, resp.StatusCode)
	}

	var numbers []domain.RelayNumber
	if err := resp.JSON(&numbers); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", KeyRelayNumber, err)
	}
	return numbers, nil
}

// Init 检查账户是否已持有中继号码，已持有则直接进入 Registered。
func (f *Flow) Init(ctx context.Context) error {
	e, err := f.store.Load(ctx, KeyRelayNumber)
	if err != nil {
		return err
	}
	if e.Err != nil {
		return e.Err
	}

	numbers, _ := e.Data.([]domain.RelayNumber)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(numbers) > 0 {
		f.registered = &numbers[0]
		f.transitionLocked(StateRegistered)
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
	return Snapshot{
		State:       f.state,
		Visible:     f.visibleLocked(),
		Selected:    f.selected,
		Registered:  f.registered,
		InlineError: f.inlineError,
	}
}

// visibleLocked 返回当前窗口内的候选号码。
func (f *Flow) visibleLocked() []domain.RelayNumber {
	if len(f.candidates) == 0 {
		return nil
	}
	end := f.offset + WindowSize
	if end > len(f.candidates) {
		end = len(f.candidates)
	}
	out := make([]domain.RelayNumber, end-f.offset)
	copy(out, f.candidates[f.offset:end])
	return out
}

// LoadSuggestions 拉取候选号码并进入选号状态。
//
// 列表按层级优先顺序拼接，不去重。
func (f *Flow) LoadSuggestions(ctx context.Context) (Snapshot, error) {
	resp, err := f.client.Get(ctx, pathSuggestions)
	if err != nil {
		return f.Snapshot(), err
	}
	if !resp.Ok() {
		return f.Snapshot(), fmt.Errorf("load suggestions: upstream returned %d", resp.StatusCode)
	}

	var suggestions domain.RelayNumberSuggestions
	if err := resp.JSON(&suggestions); err != nil {
		return f.Snapshot(), fmt.Errorf("load suggestions: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = suggestions.Flatten()
	f.offset = 0
	f.selected = nil
	f.inlineError = ""
	f.transitionLocked(StateSelectingNumber)
	return f.snapshotLocked(), nil
}

// MoreOptions 将可见窗口前移一个步长，到达或越过末尾时回绕到 0。
// 窗口移动总是清除已有选择，因此只在选号状态下生效。
func (f *Flow) MoreOptions() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateSelectingNumber || len(f.candidates) == 0 {
		return f.snapshotLocked()
	}
	f.offset += WindowSize
	if f.offset >= len(f.candidates) {
		f.offset = 0
	}
	f.selected = nil
	return f.snapshotLocked()
}

// Search 按自由文本搜索候选号码。
//
// 纯数字作为区号参数，其余作为地名参数；空查询不发请求也不改动
// 现有候选。成功的搜索结果替换候选列表并把窗口重置到 0。
// 替换候选会丢弃已有选择，所以搜索只在选号状态下生效。
func (f *Flow) Search(ctx context.Context, query string) (Snapshot, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return f.Snapshot(), nil
	}
	if s := f.Snapshot(); s.State != StateSelectingNumber {
		return s, nil
	}

	param := "location"
	if isNumeric(query) {
		param = "area_code"
	}

	resp, err := f.client.Get(ctx, api.EncodeQuery(pathSearch, map[string]string{param: query}))
	if err != nil {
		return f.Snapshot(), err
	}
	if !resp.Ok() {
		return f.Snapshot(), fmt.Errorf("search: upstream returned %d", resp.StatusCode)
	}

	var results []domain.RelayNumber
	if err := resp.JSON(&results); err != nil {
		return f.Snapshot(), fmt.Errorf("search: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// 请求期间不持锁，落锁后状态可能已经离开选号，结果即作废
	if f.state != StateSelectingNumber {
		return f.snapshotLocked(), nil
	}
	f.candidates = results
	f.offset = 0
	f.selected = nil
	return f.snapshotLocked(), nil
}

// Select 选中当前可见窗口内的一个号码。
func (f *Flow) Select(number string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.visibleLocked() {
		if n.Number == number {
			selected := n
			f.selected = &selected
			return f.snapshotLocked(), nil
		}
	}
	return f.snapshotLocked(), ErrNotSelectable
}

// Submit 携带当前选择进入确认步骤。未选中时提交被拒绝，
// 确认步骤不打开。
func (f *Flow) Submit() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selected == nil {
		return f.snapshotLocked(), ErrNoSelection
	}
	f.transitionLocked(StateConfirming)
	return f.snapshotLocked(), nil
}

// Cancel 关闭确认步骤，回到选号状态，选择保留。
func (f *Flow) Cancel() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateConfirming {
		f.transitionLocked(StateSelectingNumber)
	}
	return f.snapshotLocked()
}

// Confirm 发起注册调用。
//
// 成功后同步重抓中继号码资源并进入 Registered；传输层错误或
// 非 2xx 进入 RegistrationFailed，可由 Retry 回到选号状态。
func (f *Flow) Confirm(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	if f.state != StateConfirming {
		s := f.snapshotLocked()
		f.mu.Unlock()
		return s, fmt.Errorf("cannot confirm in state %q", s.State)
	}
	if f.selected == nil {
		s := f.snapshotLocked()
		f.mu.Unlock()
		return s, ErrNoSelection
	}
	number := f.selected.Number
	f.mu.Unlock()

	resp, err := f.client.Post(ctx, KeyRelayNumber, map[string]any{"number": number})

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.inlineError = err.Error()
		f.transitionLocked(StateRegistrationFailed)
		return f.snapshotLocked(), nil
	}
	if !resp.Ok() {
		f.inlineError = fmt.Sprintf("upstream returned %d", resp.StatusCode)
		f.transitionLocked(StateRegistrationFailed)
		return f.snapshotLocked(), nil
	}

	var registered domain.RelayNumber
	if err := resp.JSON(&registered); err == nil && registered.Number != "" {
		f.registered = &registered
	} else {
		f.registered = f.selected
	}
	f.inlineError = ""
	f.transitionLocked(StateRegistered)

	// 持锁发起重抓会阻塞其他调用方，放到锁外
	go f.revalidate()
	return f.snapshotLocked(), nil
}

// Retry 从注册失败回到选号状态，候选列表与窗口保留。
func (f *Flow) Retry() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateRegistrationFailed {
		f.inlineError = ""
		f.transitionLocked(StateSelectingNumber)
	}
	return f.snapshotLocked()
}

func (f *Flow) transitionLocked(to State) {
	from := f.state
	f.state = to
	if from != to && f.observer != nil {
		f.observer.ObserveFlowTransition("relay_number_registration", string(from), string(to))
	}
}

func (f *Flow) revalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := f.store.Revalidate(ctx, KeyRelayNumber); err != nil {
		f.log.Warn("post-registration revalidation failed", zap.String("key", KeyRelayNumber), zap.Error(err))
	}
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
