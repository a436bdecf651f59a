package loader

import (
	"slices"

	"github.com/pulseline/internal/auth"
)

// Start subscribes the loader to its auth source and loads the first page
// once per distinct auth state. Rapid state churn is absorbed by
// Options.AuthDebounce, and nothing loads while the provider is still loading.
func (l *Loader[T]) Start() {
	if l.auth == nil {
		l.autoLoad(auth.State{})
		return
	}

	unsub := l.auth.Subscribe(l.onAuthChange)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		unsub()
		return
	}
	l.authUnsub = unsub
	l.mu.Unlock()

	l.onAuthChange(l.auth.State())
}

func (l *Loader[T]) onAuthChange(st auth.State) {
	key := st.Key()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || key == l.authSeen {
		return
	}
	l.authSeen = key

	if l.authTimer != nil {
		l.authTimer.Stop()
	}
	l.authTimer = l.clock.AfterFunc(l.opts.AuthDebounce, func() {
		current := st
		if l.auth != nil {
			current = l.auth.State()
		}
		l.autoLoad(current)
	})
}

func (l *Loader[T]) autoLoad(st auth.State) {
	if st.Loading {
		return
	}
	key := st.Key()

	l.mu.Lock()
	if l.closed || key == l.authLoaded {
		l.mu.Unlock()
		return
	}
	l.authLoaded = key

	optimistic := l.cache != nil &&
		l.clock.Now().Sub(l.cache.at) < l.opts.OptimisticTTL &&
		(st.Authenticated || !l.opts.RequireAuth)
	if optimistic {
		l.items = slices.Clone(l.cache.items)
		l.fromCache = true
		l.changedLocked()
	}
	l.mu.Unlock()

	l.logger.Debug().
		Str("auth", key).
		Bool("optimistic", optimistic).
		Msg("Auto-loading")

	if optimistic && l.Refresh() {
		return
	}
	l.Load(true)
}
