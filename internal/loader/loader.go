// Package loader implements a paginated list loader with caching, automatic
// retry of network failures and auth-driven auto-loading.
//
// A Loader is always in exactly one Phase. Load and LoadMore only start from
// Idle or Failed. Refresh also starts from LoadingMore, cancelling the page
// fetch in flight and replacing the list with a fresh first page. Every other
// overlapping call is a no-op and reports false.
package loader

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/internal/auth"
	"github.com/pulseline/internal/clock"
	"github.com/pulseline/internal/errinfo"
	"github.com/pulseline/internal/retry"
)

// Page is one batch returned by a LoadFunc. Total is nil when unknown.
type Page[T any] struct {
	Items []T
	Total *int
}

// LoadFunc fetches limit items starting at skip. token is empty for anonymous calls.
type LoadFunc[T any] func(ctx context.Context, token string, skip, limit int) (Page[T], error)

// AuthSource supplies the auth state and tokens a Loader needs
type AuthSource interface {
	State() auth.State
	Subscribe(fn func(auth.State)) func()
	Token(ctx context.Context) (string, error)
}

// Options configures a Loader
type Options struct {
	Name          string
	PageSize      int
	RequireAuth   bool
	CacheTTL      time.Duration // how long cached items may stand in for a failed fetch
	OptimisticTTL time.Duration // how fresh the cache must be to be shown before an auto-load completes
	MaxRetries    int
	RetryDelay    time.Duration
	AuthDebounce  time.Duration
	Clock         clock.Clock
	Logger        *zerolog.Logger
}

// DefaultOptions returns the settings used by the application's list views
func DefaultOptions() Options {
	return Options{
		PageSize:      20,
		RequireAuth:   true,
		CacheTTL:      5 * time.Minute,
		OptimisticTTL: 5 * time.Second,
		MaxRetries:    2,
		RetryDelay:    1 * time.Second,
		AuthDebounce:  50 * time.Millisecond,
	}
}

type opKind int

const (
	opReset opKind = iota
	opMore
	opRefresh
)

func (k opKind) String() string {
	switch k {
	case opReset:
		return "load"
	case opMore:
		return "load_more"
	default:
		return "refresh"
	}
}

func (k opKind) phase() Phase {
	switch k {
	case opReset:
		return PhaseLoadingInitial
	case opMore:
		return PhaseLoadingMore
	default:
		return PhaseRefreshing
	}
}

// operation is one logical fetch, including its automatic retries
type operation struct {
	kind   opKind
	skip   int
	ctx    context.Context
	cancel context.CancelFunc
	timer  clock.Timer
}

func (op *operation) stop() {
	op.cancel()
	if op.timer != nil {
		op.timer.Stop()
	}
}

type cacheEntry[T any] struct {
	items []T
	at    time.Time
}

// Loader loads a paginated list through a LoadFunc
type Loader[T any] struct {
	fetch  LoadFunc[T]
	key    func(T) string
	auth   AuthSource
	opts   Options
	retry  retry.RetryConfig
	clock  clock.Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	items      []T
	page       int
	hasMore    bool
	total      *int
	phase      Phase
	err        *errinfo.Error
	fromCache  bool
	version    uint64
	cache      *cacheEntry[T]
	retries    int
	op         *operation
	lastFailed opKind

	authSeen   string
	authLoaded string
	authTimer  clock.Timer
	authUnsub  func()

	subs    map[int]func(Snapshot[T])
	nextSub int
	pending []Snapshot[T]
	signal  chan struct{}
}

// New creates a Loader. authSource may be nil for loaders that never need a user.
func New[T any](fetch LoadFunc[T], authSource AuthSource, opts Options) *Loader[T] {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "loader").Str("loader", opts.Name).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader[T]{
		fetch: fetch,
		auth:  authSource,
		opts:  opts,
		retry: retry.RetryConfig{
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.RetryDelay,
			Multiplier: 2.0,
		},
		clock:   opts.Clock,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		hasMore: true,
		phase:   PhaseIdle,
		subs:    make(map[int]func(Snapshot[T])),
		signal:  make(chan struct{}, 1),
	}
	go l.dispatch()
	return l
}

// SetKey makes LoadMore skip items whose key is already listed. Pushed
// items shift the server's offsets, so the next page can repeat rows.
func (l *Loader[T]) SetKey(key func(T) string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = key
}

// Snapshot returns the current state
func (l *Loader[T]) Snapshot() Snapshot[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Subscribe registers fn for state changes. Calls happen on a single
// goroutine, in order, and may call back into the Loader.
func (l *Loader[T]) Subscribe(fn func(Snapshot[T])) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Load fetches the first page and replaces the list when reset is true;
// otherwise it behaves like LoadMore. It reports whether a fetch started.
func (l *Loader[T]) Load(reset bool) bool {
	if !reset {
		return l.LoadMore()
	}
	return l.start(opReset, true)
}

// LoadMore appends the next page
func (l *Loader[T]) LoadMore() bool {
	return l.start(opMore, false)
}

// Refresh reloads the first page in the background, keeping the current items visible
func (l *Loader[T]) Refresh() bool {
	return l.start(opRefresh, false)
}

// Retry re-runs the operation that last failed with a fresh retry budget
func (l *Loader[T]) Retry() bool {
	l.mu.Lock()
	if l.phase != PhaseFailed {
		l.mu.Unlock()
		return false
	}
	kind := l.lastFailed
	l.mu.Unlock()
	return l.start(kind, true)
}

// ClearError drops a surfaced error and returns the loader to Idle
func (l *Loader[T]) ClearError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.phase != PhaseFailed {
		return
	}
	l.phase = PhaseIdle
	l.err = nil
	l.changedLocked()
}

// Update applies fn to a copy of the items; when fn reports a change the
// result replaces the list and the cached copy. Used to merge pushed events.
func (l *Loader[T]) Update(fn func(items []T) ([]T, bool)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	next, changed := fn(slices.Clone(l.items))
	if !changed {
		return false
	}
	l.items = next
	if l.cache != nil {
		l.cache.items = slices.Clone(next)
	}
	l.changedLocked()
	return true
}

// Close stops the loader. In-flight requests are cancelled and no further
// state change or notification happens.
func (l *Loader[T]) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.cancel()
	if l.op != nil {
		l.op.stop()
		l.op = nil
	}
	if l.authTimer != nil {
		l.authTimer.Stop()
	}
	unsub := l.authUnsub
	l.subs = nil
	l.pending = nil
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (l *Loader[T]) canStartLocked(kind opKind) bool {
	switch kind {
	case opReset:
		return l.phase == PhaseIdle || l.phase == PhaseFailed
	case opMore:
		return (l.phase == PhaseIdle || l.phase == PhaseFailed) && l.hasMore
	default:
		return l.phase == PhaseIdle || l.phase == PhaseFailed || l.phase == PhaseLoadingMore
	}
}

func (l *Loader[T]) start(kind opKind, resetRetries bool) bool {
	authenticated := l.auth != nil && l.auth.State().Authenticated

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.canStartLocked(kind) {
		return false
	}

	if l.opts.RequireAuth && !authenticated {
		// no request is made without a user
		if l.op != nil {
			l.op.stop()
			l.op = nil
		}
		l.failLocked(kind, errinfo.Unauthorized(nil))
		return false
	}

	if l.op != nil {
		l.logger.Debug().Str("op", kind.String()).Msg("Superseding in-flight page fetch")
		l.op.stop()
		resetRetries = true
	}
	if resetRetries {
		l.retries = 0
	}

	ctx, cancel := context.WithCancel(l.ctx)
	op := &operation{kind: kind, ctx: ctx, cancel: cancel}
	if kind == opMore {
		op.skip = l.page * l.opts.PageSize
	}
	l.op = op
	l.phase = kind.phase()
	l.err = nil
	l.changedLocked()

	go l.run(op)
	return true
}

func (l *Loader[T]) run(op *operation) {
	token, err := l.token(op.ctx)
	if err != nil {
		l.finish(op, Page[T]{}, err)
		return
	}
	page, err := l.fetch(op.ctx, token, op.skip, l.opts.PageSize)
	l.finish(op, page, err)
}

// token returns the access token for a request, or "" for an anonymous one
func (l *Loader[T]) token(ctx context.Context) (string, error) {
	if l.auth == nil || !l.auth.State().Authenticated {
		if l.opts.RequireAuth {
			return "", errinfo.Unauthorized(nil)
		}
		return "", nil
	}

	token, err := l.auth.Token(ctx)
	if err != nil {
		if errinfo.IsCanceled(err) {
			return "", err
		}
		if l.opts.RequireAuth {
			return "", errinfo.Unauthorized(err)
		}
		l.logger.Debug().Err(err).Msg("Token unavailable, continuing anonymously")
		return "", nil
	}
	return token, nil
}

func (l *Loader[T]) finish(op *operation, page Page[T], err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.op != op {
		return
	}

	if err == nil {
		l.applyLocked(op.kind, page)
		l.op = nil
		l.retries = 0
		l.phase = PhaseIdle
		l.err = nil
		l.fromCache = false
		l.cache = &cacheEntry[T]{items: slices.Clone(l.items), at: l.clock.Now()}
		l.changedLocked()
		l.logger.Debug().
			Str("op", op.kind.String()).
			Int("batch", len(page.Items)).
			Int("items", len(l.items)).
			Bool("has_more", l.hasMore).
			Msg("Page loaded")
		return
	}

	if op.ctx.Err() != nil {
		return
	}

	info := errinfo.Extract(err)
	if info.Kind == errinfo.KindNetwork && l.retries < l.retry.MaxRetries {
		l.retries++
		delay := l.retry.Delay(l.retries)
		l.logger.Warn().
			Err(err).
			Str("op", op.kind.String()).
			Int("attempt", l.retries).
			Dur("delay", delay).
			Msg("Network error, scheduling retry")
		op.timer = l.clock.AfterFunc(delay, func() { l.retryOp(op) })
		return
	}

	l.op = nil
	l.failLocked(op.kind, info)
}

func (l *Loader[T]) retryOp(op *operation) {
	l.mu.Lock()
	current := !l.closed && l.op == op
	l.mu.Unlock()
	if current {
		go l.run(op)
	}
}

func (l *Loader[T]) applyLocked(kind opKind, page Page[T]) {
	switch kind {
	case opMore:
		l.items = append(l.items, l.unlistedLocked(page.Items)...)
		l.page++
	default:
		l.items = slices.Clone(page.Items)
		l.page = 1
	}
	l.hasMore = len(page.Items) == l.opts.PageSize
	if page.Total != nil {
		total := *page.Total
		l.total = &total
	}
}

func (l *Loader[T]) unlistedLocked(batch []T) []T {
	if l.key == nil {
		return batch
	}
	listed := make(map[string]struct{}, len(l.items))
	for _, item := range l.items {
		listed[l.key(item)] = struct{}{}
	}
	out := make([]T, 0, len(batch))
	for _, item := range batch {
		k := l.key(item)
		if _, ok := listed[k]; ok {
			continue
		}
		listed[k] = struct{}{}
		out = append(out, item)
	}
	if dropped := len(batch) - len(out); dropped > 0 {
		l.logger.Debug().Int("dropped", dropped).Msg("Skipped items already listed")
	}
	return out
}

func (l *Loader[T]) failLocked(kind opKind, info *errinfo.Error) {
	l.phase = PhaseFailed
	l.err = info
	l.lastFailed = kind

	switch {
	case info.Kind == errinfo.KindUnauthorized:
		l.cache = nil
		l.items = nil
		l.page = 0
		l.hasMore = true
		l.fromCache = false
	case l.cache != nil && l.clock.Now().Sub(l.cache.at) < l.opts.CacheTTL:
		l.items = slices.Clone(l.cache.items)
		l.fromCache = true
	default:
		l.cache = nil
	}

	l.logger.Warn().
		Str("op", kind.String()).
		Str("kind", string(info.Kind)).
		Str("error", info.Message).
		Bool("from_cache", l.fromCache).
		Msg("Load failed")
	l.changedLocked()
}

func (l *Loader[T]) snapshotLocked() Snapshot[T] {
	var total *int
	if l.total != nil {
		t := *l.total
		total = &t
	}
	return Snapshot[T]{
		Items:     slices.Clone(l.items),
		Phase:     l.phase,
		HasMore:   l.hasMore,
		Total:     total,
		Err:       l.err,
		FromCache: l.fromCache,
		Version:   l.version,
	}
}

// changedLocked records a new version and queues it for subscribers
func (l *Loader[T]) changedLocked() {
	l.version++
	if len(l.subs) == 0 {
		return
	}
	l.pending = append(l.pending, l.snapshotLocked())
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Loader[T]) dispatch() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.signal:
		}

		l.mu.Lock()
		pending := l.pending
		l.pending = nil
		subs := make([]func(Snapshot[T]), 0, len(l.subs))
		for _, fn := range l.subs {
			subs = append(subs, fn)
		}
		l.mu.Unlock()

		for _, snap := range pending {
			if l.ctx.Err() != nil {
				return
			}
			for _, fn := range subs {
				fn(snap)
			}
		}
	}
}
