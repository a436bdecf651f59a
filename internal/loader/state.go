package loader

import "github.com/pulseline/internal/errinfo"

// Phase is what the loader is doing right now
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoadingInitial
	PhaseLoadingMore
	PhaseRefreshing
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoadingInitial:
		return "loading"
	case PhaseLoadingMore:
		return "loading_more"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable copy of a loader's state
type Snapshot[T any] struct {
	Items   []T
	Phase   Phase
	HasMore bool
	Total   *int
	Err     *errinfo.Error
	// FromCache is set while the items come from the cache rather than the last fetch
	FromCache bool
	// Version increases with every change
	Version uint64
}

// IsLoading reports a first-page load that replaces the list
func (s Snapshot[T]) IsLoading() bool { return s.Phase == PhaseLoadingInitial }

// IsLoadingMore reports a next-page load
func (s Snapshot[T]) IsLoadingMore() bool { return s.Phase == PhaseLoadingMore }

// IsRefreshing reports a background reload
func (s Snapshot[T]) IsRefreshing() bool { return s.Phase == PhaseRefreshing }

// Busy reports whether any fetch is in flight or waiting to be retried
func (s Snapshot[T]) Busy() bool {
	return s.Phase == PhaseLoadingInitial || s.Phase == PhaseLoadingMore || s.Phase == PhaseRefreshing
}
