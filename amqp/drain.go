package amqp

import (
	"time"

	"github.com/pkg/errors"
)

// ErrDrainTimeout is returned by DrainEvents when no consumer delivery was
// dispatched within the given timeout. The connection remains usable.
var ErrDrainTimeout = errors.New("drain events: timed out waiting for a delivery")

// DrainEvents blocks the calling goroutine until at least one consumer
// delivery has been dispatched on any channel of this connection, then
// returns. Frames are read and dispatched by the connection's reader
// goroutine throughout, so DrainEvents is a synchronisation point, not a
// polling loop: it parks until the dispatcher hands a message to a consumer.
//
// A timeout of zero or less waits indefinitely. Concurrent callers are
// served one at a time; the order in which waiting callers are served is
// not guaranteed.
func (c *Connection) DrainEvents(timeout time.Duration) error {
	c.drainMux.Lock()
	defer c.drainMux.Unlock()

	if c.IsClosed() {
		return ErrClosed
	}

	waiter := make(chan struct{}, 1)
	c.addDeliveryWaiter(waiter)
	defer c.removeDeliveryWaiter(waiter)

	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutChan = timer.C
	}

	select {
	case <-waiter:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-timeoutChan:
		return ErrDrainTimeout
	}
}

// signalDelivery wakes every goroutine parked in DrainEvents. Called by a
// channel after it hands a delivery to a consumer.
func (c *Connection) signalDelivery() {
	c.deliveryWaitMux.Lock()
	defer c.deliveryWaitMux.Unlock()

	for _, w := range c.deliveryWaiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (c *Connection) addDeliveryWaiter(w chan struct{}) {
	c.deliveryWaitMux.Lock()
	defer c.deliveryWaitMux.Unlock()
	c.deliveryWaiters = append(c.deliveryWaiters, w)
}

func (c *Connection) removeDeliveryWaiter(w chan struct{}) {
	c.deliveryWaitMux.Lock()
	defer c.deliveryWaitMux.Unlock()

	for i, existing := range c.deliveryWaiters {
		if existing == w {
			c.deliveryWaiters = append(c.deliveryWaiters[:i], c.deliveryWaiters[i+1:]...)
			return
		}
	}
}
