package client

import (
	"context"
	"sync"
)

// State is the engine's view of the connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	stateTopic       = "state"
	stateBusCapacity = 16
)

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	if prev == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	// Publish under the lock so watchers see transitions in order.
	if !c.busClosed {
		c.stateBus.TryPub(s, stateTopic)
	}
	c.stateMu.Unlock()

	c.config.metrics.StateChanged(string(s))
	c.config.logger.Debug("client: state changed", "client", c.id, "from", prev, "to", s)
}

// shutdownStateBus closes every watcher channel and stops the bus
// goroutine. The bus must not be used afterwards.
func (c *Client) shutdownStateBus() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.busClosed {
		return
	}
	c.busClosed = true
	c.stateBus.Shutdown()
}

// WatchState returns a channel receiving every state transition after the
// call, and a function that stops the watch and closes the channel. A
// watcher that falls more than a few transitions behind misses some. After
// Close the channel is closed.
func (c *Client) WatchState() (<-chan State, func()) {
	out := make(chan State)
	c.stateMu.Lock()
	if c.busClosed {
		c.stateMu.Unlock()
		close(out)
		return out, func() {}
	}
	raw := c.stateBus.Sub(stateTopic)
	c.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(out)
		for v := range raw {
			select {
			case out <- v.(State):
			case <-done:
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			c.stateMu.Lock()
			defer c.stateMu.Unlock()
			if !c.busClosed {
				c.stateBus.Unsub(raw)
			}
		})
	}
	return out, stop
}

// WaitForState blocks until the client reaches want or ctx ends. It returns
// ErrClosed once the client is closed, and ErrDisconnected if the transport
// gives up while waiting for another state.
func (c *Client) WaitForState(ctx context.Context, want State) error {
	ch, stop := c.WatchState()
	defer stop()
	switch cur := c.State(); {
	case cur == want:
		return nil
	case cur == StateDisconnected && c.started():
		return c.stoppedErr()
	}
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			if s == want {
				return nil
			}
			if s == StateDisconnected {
				return c.stoppedErr()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) started() bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initialized
}

func (c *Client) stoppedErr() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return ErrDisconnected
}
