package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// recoveryManager handles automatic connection and topology recovery
type recoveryManager struct {
	enabled  bool
	topology bool
	interval time.Duration
	attempts int

	mu sync.RWMutex

	// Recorded topology for recovery
	exchanges []exchangeDeclaration
	queues    []queueDeclaration
	bindings  []bindingDeclaration
	consumers []consumerDeclaration
}

// exchangeDeclaration records an exchange declaration
type exchangeDeclaration struct {
	name string
	kind string
	opts ExchangeDeclareOptions
}

// queueDeclaration records a queue declaration
type queueDeclaration struct {
	name string
	opts QueueDeclareOptions
}

// bindingDeclaration records a binding
type bindingDeclaration struct {
	queue      string
	exchange   string
	routingKey string
	args       Table
}

// consumerDeclaration records a consumer
type consumerDeclaration struct {
	queue    string
	tag      string
	callback ConsumerCallback
	opts     ConsumeOptions
}

// newRecoveryManager creates a new recovery manager
func newRecoveryManager(enabled, topology bool, interval time.Duration, attempts int) *recoveryManager {
	return &recoveryManager{
		enabled:   enabled,
		topology:  topology,
		interval:  interval,
		attempts:  attempts,
		exchanges: make([]exchangeDeclaration, 0),
		queues:    make([]queueDeclaration, 0),
		bindings:  make([]bindingDeclaration, 0),
		consumers: make([]consumerDeclaration, 0),
	}
}

// recordExchange records an exchange declaration for recovery
func (rm *recoveryManager) recordExchange(name, kind string, opts ExchangeDeclareOptions) {
	if !rm.topology {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	// Check if already recorded
	for i, ex := range rm.exchanges {
		if ex.name == name {
			rm.exchanges[i] = exchangeDeclaration{name, kind, opts}
			return
		}
	}

	rm.exchanges = append(rm.exchanges, exchangeDeclaration{name, kind, opts})
}

// recordQueue records a queue declaration for recovery
func (rm *recoveryManager) recordQueue(name string, opts QueueDeclareOptions) {
	if !rm.topology {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	// Check if already recorded
	for i, q := range rm.queues {
		if q.name == name {
			rm.queues[i] = queueDeclaration{name, opts}
			return
		}
	}

	rm.queues = append(rm.queues, queueDeclaration{name, opts})
}

// recordBinding records a binding for recovery
func (rm *recoveryManager) recordBinding(queue, exchange, routingKey string, args Table) {
	if !rm.topology {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.bindings = append(rm.bindings, bindingDeclaration{queue, exchange, routingKey, args})
}

// recordConsumer records a consumer for recovery
func (rm *recoveryManager) recordConsumer(queue, tag string, callback ConsumerCallback, opts ConsumeOptions) {
	if !rm.topology {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.consumers = append(rm.consumers, consumerDeclaration{queue, tag, callback, opts})
}

// recoverTopology recovers exchanges, queues, bindings, and consumers
func (rm *recoveryManager) recoverTopology(conn *Connection) error {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	// Open a channel for recovery
	ch, err := conn.NewChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// Recover exchanges
	for _, ex := range rm.exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, ex.opts); err != nil {
			return err
		}
	}

	// Recover queues
	for _, q := range rm.queues {
		if _, err := ch.QueueDeclare(q.name, q.opts); err != nil {
			return err
		}
	}

	// Recover bindings
	for _, b := range rm.bindings {
		if err := ch.QueueBind(b.queue, b.exchange, b.routingKey, b.args); err != nil {
			return err
		}
	}

	// Recover consumers
	for _, c := range rm.consumers {
		if err := ch.ConsumeWithCallback(c.queue, c.tag, c.opts, c.callback); err != nil {
			return err
		}
	}

	return nil
}

// clear clears all recorded topology
func (rm *recoveryManager) clear() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.exchanges = make([]exchangeDeclaration, 0)
	rm.queues = make([]queueDeclaration, 0)
	rm.bindings = make([]bindingDeclaration, 0)
	rm.consumers = make([]consumerDeclaration, 0)
}

// consumerSnapshot is a point-in-time record of one channel's consumer,
// captured so it can be reasoned about (and logged) independently of the
// recoveryManager's own topology ledger.
type consumerSnapshot struct {
	tag   string
	queue string
}

// channelSnapshot is a point-in-time record of a channel's QoS settings and
// callback-based consumers, taken right before an abrupt disconnect so
// automatic recovery has something to report on while the recoveryManager
// replays the actual exchange/queue/binding/consumer declarations.
type channelSnapshot struct {
	id            uint16
	prefetchCount int
	prefetchSize  int
	globalQos     bool
	consumers     []consumerSnapshot
}

// captureChannelState snapshots every open channel's QoS settings and
// callback-based consumers. Consumers started via Consume (plain delivery
// channel, no ConsumerCallback) are skipped: their delivery channel dies
// with the channel and has no callback to re-invoke after reconnection, so
// there is nothing meaningful to replay for them.
func (c *Connection) captureChannelState() []channelSnapshot {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()

	snapshots := make([]channelSnapshot, 0, len(c.channels))
	for _, ch := range c.channels {
		ch.consumerMux.RLock()
		consumers := make([]consumerSnapshot, 0, len(ch.consumers))
		for _, cs := range ch.consumers {
			if cs.callback == nil {
				continue
			}
			consumers = append(consumers, consumerSnapshot{tag: cs.tag, queue: cs.queue})
		}
		ch.consumerMux.RUnlock()

		snapshots = append(snapshots, channelSnapshot{
			id:            ch.id,
			prefetchCount: ch.prefetchCount,
			prefetchSize:  ch.prefetchSize,
			globalQos:     ch.globalQos,
			consumers:     consumers,
		})
	}

	return snapshots
}

// attemptRecovery drives automatic reconnection after an abrupt disconnect.
// It is only ever invoked from closeWithError, never from a client-initiated
// CloseWithCode, so a deliberate Close never triggers a reconnect attempt.
// It redials using the connection's own factory, replays recorded topology
// via the recoveryManager, and reports progress through the Notify*
// channels and the factory's RecoveryHandler.
func (c *Connection) attemptRecovery(snapshot []channelSnapshot) {
	if c.factory.Logger != nil {
		total := 0
		for _, s := range snapshot {
			total += len(s.consumers)
		}
		c.factory.Logger.Printf("connection lost, attempting recovery of %d channel(s) and %d consumer(s)", len(snapshot), total)
	}

	c.notifyRecoveryStarted()
	if c.factory.RecoveryHandler != nil {
		c.factory.RecoveryHandler.OnRecoveryStarted(c)
	}

	attempts := c.factory.ConnectionRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.calculateBackoff(attempt - 1))
		}

		newConn, err := c.factory.NewConnectionWithContext(context.Background())
		if err != nil {
			lastErr = err
			continue
		}

		if c.factory.TopologyRecovery {
			if c.factory.RecoveryHandler != nil {
				c.factory.RecoveryHandler.OnTopologyRecoveryStarted(newConn)
			}
			if err := c.recovery.recoverTopology(newConn); err != nil {
				newConn.Close()
				lastErr = fmt.Errorf("topology recovery failed: %w", err)
				continue
			}
			if c.factory.RecoveryHandler != nil {
				c.factory.RecoveryHandler.OnTopologyRecoveryCompleted(newConn)
			}
		}

		c.notifyRecoveryCompleted()
		if c.factory.RecoveryHandler != nil {
			c.factory.RecoveryHandler.OnRecoveryCompleted(newConn)
		}
		return
	}

	c.notifyRecoveryFailed(lastErr)
	if c.factory.RecoveryHandler != nil {
		c.factory.RecoveryHandler.OnRecoveryFailed(c, lastErr)
	}
}
