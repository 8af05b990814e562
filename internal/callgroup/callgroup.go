// Package callgroup provides call deduplication by key.
//
// If multiple goroutines request the same key concurrently, only one
// executes the function. The others wait and receive the same result.
// Once the function returns, the key is forgotten and future calls
// trigger a new execution.
//
// The manager uses it so that overlapping reload triggers (cron job,
// definition file watcher, operator command) collapse into one pass.
package callgroup

import "sync"

// Group deduplicates concurrent function calls by key.
// The zero value is ready to use.
type Group[K comparable] struct {
	mu    sync.Mutex
	calls map[K]*call
}

type call struct {
	done chan struct{}
	err  error
}

// join returns the in-flight call for key, or registers a new one.
// owner is true when the caller must execute fn and finish the call.
func (g *Group[K]) join(key K) (c *call, owner bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	if c, ok := g.calls[key]; ok {
		return c, false
	}
	c = &call{done: make(chan struct{})}
	g.calls[key] = c
	return c, true
}

func (g *Group[K]) finish(key K, c *call, err error) {
	c.err = err
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	close(c.done)
}

// Do executes fn on the calling goroutine unless a call for key is already
// in flight, in which case it waits for that call and returns its result.
// shared reports whether the result came from another caller's execution.
func (g *Group[K]) Do(key K, fn func() error) (err error, shared bool) {
	c, owner := g.join(key)
	if !owner {
		<-c.done
		return c.err, true
	}
	g.finish(key, c, fn())
	return c.err, false
}

// DoChan is the asynchronous form of Do. The returned channel receives
// exactly one value and is never closed.
func (g *Group[K]) DoChan(key K, fn func() error) <-chan error {
	ch := make(chan error, 1)
	c, owner := g.join(key)
	if owner {
		go func() {
			g.finish(key, c, fn())
			ch <- c.err
		}()
		return ch
	}
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}
