// Package session correlates chat sessions with the resumable worker handle
// and renders prior turns into a contextual prompt.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const (
	// HistoryLimit bounds the prior turns rendered into a prompt.
	HistoryLimit = 10

	defaultHandleCacheSize = 1024
)

// Correlator maps a chat session to the latest worker handle produced by any
// of its tasks. Reads go through a small LRU; writes go to the store first.
type Correlator struct {
	store  task.Store
	cache  *lru.Cache[string, string]
	logger logging.Logger
}

// NewCorrelator builds a correlator. cacheSize <= 0 selects the default.
func NewCorrelator(store task.Store, cacheSize int) (*Correlator, error) {
	if store == nil {
		return nil, errors.New("session correlator requires a store")
	}
	if cacheSize <= 0 {
		cacheSize = defaultHandleCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("session handle cache init: %w", err)
	}
	return &Correlator{
		store:  store,
		cache:  cache,
		logger: logging.NewComponentLogger("SessionCorrelator"),
	}, nil
}

// ResolveResumeHandle returns the session's latest worker handle, or "" when
// the session is unknown or has never produced one.
func (c *Correlator) ResolveResumeHandle(ctx context.Context, chatSessionID string) (string, error) {
	if strings.TrimSpace(chatSessionID) == "" {
		return "", nil
	}
	if handle, ok := c.cache.Get(chatSessionID); ok {
		return handle, nil
	}
	session, err := c.store.GetSession(ctx, chatSessionID)
	if err != nil {
		if errors.Is(err, task.ErrUnknownSession) {
			return "", nil
		}
		return "", err
	}
	if session.LatestWorkerSessionID != "" {
		c.cache.Add(chatSessionID, session.LatestWorkerSessionID)
	}
	return session.LatestWorkerSessionID, nil
}

// Record stores handle as the session's latest worker handle. Empty handles
// are ignored so a session never loses its resume capability.
func (c *Correlator) Record(ctx context.Context, chatSessionID, handle string) error {
	if chatSessionID == "" || handle == "" {
		return nil
	}
	session, err := c.store.UpdateSession(ctx, chatSessionID, handle)
	if err != nil {
		if !errors.Is(err, task.ErrUnknownSession) {
			return err
		}
		if _, err := c.store.GetOrCreateSession(ctx, chatSessionID); err != nil {
			return err
		}
		if session, err = c.store.UpdateSession(ctx, chatSessionID, handle); err != nil {
			return err
		}
	}
	c.cache.Add(chatSessionID, session.LatestWorkerSessionID)
	c.logger.Debug("[Correlator] session %s now resumes from %s", chatSessionID, session.LatestWorkerSessionID)
	return nil
}

// PriorTasks loads the finished tasks of a session that may feed a prompt,
// excluding excludeTaskID.
func (c *Correlator) PriorTasks(ctx context.Context, chatSessionID, excludeTaskID string) ([]task.Task, error) {
	if chatSessionID == "" {
		return nil, nil
	}
	recent, err := c.store.ListRecentTasks(ctx, chatSessionID,
		[]task.Status{task.StatusCompleted, task.StatusFailed}, HistoryLimit+1)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	prior := make([]task.Task, 0, len(recent))
	for _, t := range recent {
		if t.ID == excludeTaskID {
			continue
		}
		prior = append(prior, t)
	}
	return prior, nil
}
