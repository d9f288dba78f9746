package datastore

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/NicolasHaas/gochat/pkg/logging"
)

// ErrGatewayClosed is handed to completions submitted after Close.
var ErrGatewayClosed = errors.New("datastore: gateway closed")

// DefaultGatewayWorkers bounds concurrent store calls when no value is
// configured.
const DefaultGatewayWorkers = 10

// Gateway runs store calls off the caller's goroutine with bounded
// concurrency. Completions run on the worker goroutine; actors re-post them
// onto their own mailbox before touching state.
type Gateway struct {
	store DataStore
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGateway wraps st. workers <= 0 selects DefaultGatewayWorkers.
func NewGateway(st DataStore, workers int) *Gateway {
	if workers <= 0 {
		workers = DefaultGatewayWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		store:  st,
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store returns the wrapped store.
func (g *Gateway) Store() DataStore { return g.store }

// Submit runs call asynchronously and passes its result to done. Errors are
// logged here; done still receives them so the continuation can reply with
// a failed or empty result. Submit never blocks on the store.
func Submit[T any](g *Gateway, op string, call func(ctx context.Context, st DataStore) (T, error), done func(T, error)) {
	var zero T
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		logging.For("gateway").Warn("call after close dropped", "op", op)
		done(zero, ErrGatewayClosed)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			done(zero, ErrGatewayClosed)
			return
		}
		v, err := call(g.ctx, g.store)
		g.sem.Release(1)
		if err != nil {
			logging.For("gateway").Error("store call failed", "op", op, "err", err)
		}
		done(v, err)
	}()
}

// Exec is Submit for calls without a result value.
func Exec(g *Gateway, op string, call func(ctx context.Context, st DataStore) error, done func(error)) {
	Submit(g, op, func(ctx context.Context, st DataStore) (struct{}, error) {
		return struct{}{}, call(ctx, st)
	}, func(_ struct{}, err error) {
		if done != nil {
			done(err)
		}
	})
}

// Close rejects new calls and waits for in-flight ones. The store itself is
// not closed.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()
	g.cancel()
}
