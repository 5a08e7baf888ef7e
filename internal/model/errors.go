package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("network not found")
	ErrNoData            = errors.New("no snapshot published yet")
	ErrRefreshInProgress = errors.New("refresh already in progress")
	ErrShuttingDown      = errors.New("refresh coordinator is shutting down")
)

// FetchErrorKind classifies registry API failures.
type FetchErrorKind string

const (
	FetchTimeout           FetchErrorKind = "timeout"
	FetchRateLimited       FetchErrorKind = "rate_limited"
	FetchAuthRejected      FetchErrorKind = "auth_rejected"
	FetchUnreachable       FetchErrorKind = "unreachable"
	FetchMalformedResponse FetchErrorKind = "malformed_response"
)

// Retryable reports whether the backoff policy applies to this kind.
func (k FetchErrorKind) Retryable() bool {
	return k == FetchRateLimited || k == FetchUnreachable
}

type FetchError struct {
	Kind       FetchErrorKind
	EntityType string
	Page       int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s page %d: %s", e.EntityType, e.Page, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchKind reports whether err is a *FetchError of the given kind.
func IsFetchKind(err error, kind FetchErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// CacheIOError is a disk failure of the cache store.
type CacheIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheIOError) Unwrap() error {
	return e.Err
}

// RefreshStage is a state of the refresh cycle.
type RefreshStage string

const (
	StageIdle        RefreshStage = "idle"
	StageFetching    RefreshStage = "fetching"
	StageNormalizing RefreshStage = "normalizing"
	StageAggregating RefreshStage = "aggregating"
	StagePublishing  RefreshStage = "publishing"
	StageFailed      RefreshStage = "failed"
)

// RefreshFailure records why a cycle stopped and in which stage.
type RefreshFailure struct {
	CycleID string       `json:"cycle_id"`
	Stage   RefreshStage `json:"stage"`
	Reason  string       `json:"reason"`
	At      time.Time    `json:"at"`
	Err     error        `json:"-"`
}

func NewRefreshFailure(cycleID string, stage RefreshStage, err error, at time.Time) *RefreshFailure {
	return &RefreshFailure{
		CycleID: cycleID,
		Stage:   stage,
		Reason:  err.Error(),
		At:      at,
		Err:     err,
	}
}

func (f *RefreshFailure) Error() string {
	return fmt.Sprintf("refresh %s failed while %s: %s", f.CycleID, f.Stage, f.Reason)
}

func (f *RefreshFailure) Unwrap() error {
	return f.Err
}
