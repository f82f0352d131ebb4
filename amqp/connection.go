package amqp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/amqpkit/amqpkit/internal/frame"
	"github.com/amqpkit/amqpkit/internal/protocol"
	"github.com/amqpkit/amqpkit/internal/util"
)

// ConnectionState represents the current state of a connection
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
	StateRecovering
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Connection represents an AMQP connection
type Connection struct {
	factory *ConnectionFactory
	conn    net.Conn

	// Frame I/O
	frameReader *frame.Reader
	frameWriter *frame.Writer

	// Channels
	channelMux sync.RWMutex
	channels   map[uint16]*Channel
	channelIDs *util.IntAllocator

	// Connection parameters (negotiated)
	channelMax uint16
	frameMax   uint32
	heartbeat  time.Duration

	// State
	state     atomic.Int32
	closeOnce sync.Once
	closeChan chan *Error
	closed    chan struct{}

	// Blocked notifications
	blockedChan chan BlockedNotification
	blocked     atomic.Bool

	// Heartbeat. The sender and monitor run as a pair under one errgroup so
	// Close can wait on both with a single Wait instead of two independent
	// done channels.
	lastActivity  atomic.Int64 // Unix timestamp
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
	heartbeatGrp  *errgroup.Group

	// Frame dispatch
	dispatchStop chan struct{}
	dispatchDone chan struct{}

	// Event draining. drainMux serialises concurrent DrainEvents callers;
	// deliveryWaiters is the set of goroutines parked waiting for the next
	// consumer delivery to be dispatched.
	drainMux        sync.Mutex
	deliveryWaitMux sync.Mutex
	deliveryWaiters []chan struct{}

	// Recovery
	recovery *recoveryManager

	recoveryMux            sync.Mutex
	recoveryStartedChans   []chan struct{}
	recoveryCompletedChans []chan struct{}
	recoveryFailedChans    []chan error

	// Listeners
	listenerMux sync.RWMutex
	listeners   []ConnectionListener
}

// BlockedNotification represents a connection blocked/unblocked event
type BlockedNotification struct {
	Blocked bool
	Reason  string
}

// ConnectionListener receives connection lifecycle events
type ConnectionListener interface {
	OnConnectionCreated(conn *Connection)
	OnConnectionClosed(conn *Connection, err error)
	OnConnectionRecoveryStarted(conn *Connection)
	OnConnectionRecoveryCompleted(conn *Connection)
	OnConnectionBlocked(conn *Connection, reason string)
	OnConnectionUnblocked(conn *Connection)
}

// handshake performs the AMQP connection handshake
func (c *Connection) handshake(ctx context.Context) error {
	c.frameReader = frame.NewReader(c.conn, protocol.FrameMinSize)
	c.frameWriter = frame.NewWriter(c.conn, protocol.FrameMinSize)

	// Send protocol header
	if err := c.frameWriter.WriteProtocolHeader(); err != nil {
		return errors.Wrap(err, "write protocol header")
	}

	// Wait for Connection.Start
	startFrame, err := c.frameReader.ReadFrame()
	if err != nil {
		return errors.Wrap(err, "read start frame")
	}

	if err := c.handleConnectionStart(startFrame); err != nil {
		return errors.Wrap(err, "handle start")
	}

	// Send Connection.StartOk
	if err := c.sendConnectionStartOk(); err != nil {
		return errors.Wrap(err, "send start-ok")
	}

	// Wait for Connection.Tune. A server may interpose Connection.Secure
	// challenges first; PLAIN carries no challenge state, so each one is
	// answered with an empty Secure.Ok response.
	tuneFrame, err := c.readTuneFrame()
	if err != nil {
		return err
	}

	if err := c.handleConnectionTune(tuneFrame); err != nil {
		return errors.Wrap(err, "handle tune")
	}

	// Send Connection.TuneOk
	if err := c.sendConnectionTuneOk(); err != nil {
		return errors.Wrap(err, "send tune-ok")
	}

	// Send Connection.Open
	if err := c.sendConnectionOpen(); err != nil {
		return errors.Wrap(err, "send open")
	}

	// Wait for Connection.OpenOk
	openOkFrame, err := c.frameReader.ReadFrame()
	if err != nil {
		return errors.Wrap(err, "read open-ok frame")
	}

	if err := c.handleConnectionOpenOk(openOkFrame); err != nil {
		return errors.Wrap(err, "handle open-ok")
	}

	return nil
}

// handleConnectionStart processes Connection.Start method
func (c *Connection) handleConnectionStart(f *frame.Frame) error {
	method, err := f.ParseMethod()
	if err != nil {
		return err
	}

	if method.ClassID != protocol.ClassConnection || method.MethodID != protocol.MethodConnectionStart {
		return errors.Errorf("expected Connection.Start, got %d.%d", method.ClassID, method.MethodID)
	}

	// Parse arguments
	args := frame.NewMethodArgs(method.Args)
	versionMajor, _ := args.ReadUint8()
	versionMinor, _ := args.ReadUint8()
	_, _ = args.ReadTable()      // server-properties
	_, _ = args.ReadLongString() // mechanisms
	_, _ = args.ReadLongString() // locales

	// Validate version
	if versionMajor != 0 || versionMinor != 9 {
		return errors.Errorf("unsupported AMQP version: %d.%d", versionMajor, versionMinor)
	}

	return nil
}

// sendConnectionStartOk sends Connection.StartOk method
func (c *Connection) sendConnectionStartOk() error {
	builder := frame.NewMethodArgsBuilder()

	// Client properties
	if err := builder.WriteTable(c.factory.ClientProperties); err != nil {
		return err
	}

	// Mechanism (PLAIN)
	if err := builder.WriteShortString("PLAIN"); err != nil {
		return err
	}

	// Response (username + password)
	response := fmt.Sprintf("\x00%s\x00%s", c.factory.Username, c.factory.Password)
	if err := builder.WriteLongString([]byte(response)); err != nil {
		return err
	}

	// Locale
	if err := builder.WriteShortString("en_US"); err != nil {
		return err
	}

	// Create and send frame
	f := frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionStartOk, builder.Bytes())
	return c.frameWriter.WriteFrame(f)
}

// readTuneFrame reads frames until Connection.Tune arrives, answering any
// Connection.Secure challenge along the way.
func (c *Connection) readTuneFrame() (*frame.Frame, error) {
	for {
		f, err := c.frameReader.ReadFrame()
		if err != nil {
			return nil, errors.Wrap(err, "read tune frame")
		}

		method, err := f.ParseMethod()
		if err != nil {
			return nil, err
		}

		if method.ClassID == protocol.ClassConnection && method.MethodID == protocol.MethodConnectionSecure {
			builder := frame.NewMethodArgsBuilder()
			if err := builder.WriteLongString(nil); err != nil {
				return nil, err
			}
			secureOk := frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionSecureOk, builder.Bytes())
			if err := c.frameWriter.WriteFrame(secureOk); err != nil {
				return nil, errors.Wrap(err, "send secure-ok")
			}
			continue
		}

		return f, nil
	}
}

// handleConnectionTune processes Connection.Tune method
func (c *Connection) handleConnectionTune(f *frame.Frame) error {
	method, err := f.ParseMethod()
	if err != nil {
		return err
	}

	if method.ClassID != protocol.ClassConnection || method.MethodID != protocol.MethodConnectionTune {
		return errors.Errorf("expected Connection.Tune, got %d.%d", method.ClassID, method.MethodID)
	}

	// Parse tune parameters
	args := frame.NewMethodArgs(method.Args)
	serverChannelMax, _ := args.ReadUint16()
	serverFrameMax, _ := args.ReadUint32()
	serverHeartbeat, _ := args.ReadUint16()

	// Negotiate parameters: each side's zero means "no limit", so the
	// result is the smaller of the two non-zero values, falling back to the
	// protocol defaults when both sides are unlimited.
	c.channelMax = uint16(negotiate(uint32(serverChannelMax), uint32(c.factory.ChannelMax), 65535))
	c.frameMax = negotiate(serverFrameMax, c.factory.FrameMax, 131072)

	// Negotiate the heartbeat, then force it off if the client disabled
	// heartbeats altogether.
	requestedHeartbeat := uint16(c.factory.Heartbeat.Seconds())
	negotiatedHeartbeat := negotiateHeartbeat(serverHeartbeat, requestedHeartbeat)
	if c.factory.Heartbeat == 0 {
		negotiatedHeartbeat = 0
	}
	c.heartbeat = time.Duration(negotiatedHeartbeat) * time.Second

	// Update frame reader/writer with negotiated frame size
	c.frameReader.SetMaxFrameSize(c.frameMax)
	c.frameWriter.SetMaxFrameSize(c.frameMax)

	return nil
}

// negotiate picks the smaller of two tune values, treating zero on either
// side as unlimited and substituting def when both sides are unlimited.
func negotiate(server, client, def uint32) uint32 {
	switch {
	case server == 0 && client == 0:
		return def
	case server == 0:
		return client
	case client == 0:
		return server
	case client < server:
		return client
	default:
		return server
	}
}

// negotiateHeartbeat picks the smaller of two non-zero heartbeat intervals;
// zero on one side yields the other side's value, so a non-zero proposal
// from either peer wins over a zero.
func negotiateHeartbeat(server, client uint16) uint16 {
	if server == 0 || client == 0 {
		if server > client {
			return server
		}
		return client
	}
	if client < server {
		return client
	}
	return server
}

// sendConnectionTuneOk sends Connection.TuneOk method
func (c *Connection) sendConnectionTuneOk() error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(c.channelMax)
	builder.WriteUint32(c.frameMax)
	builder.WriteUint16(uint16(c.heartbeat.Seconds()))

	f := frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionTuneOk, builder.Bytes())
	return c.frameWriter.WriteFrame(f)
}

// sendConnectionOpen sends Connection.Open method
func (c *Connection) sendConnectionOpen() error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString(c.factory.VHost)
	builder.WriteShortString("") // capabilities (deprecated, empty)
	builder.WriteFlags(false)    // insist flag (deprecated, always false)

	f := frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionOpen, builder.Bytes())
	return c.frameWriter.WriteFrame(f)
}

// handleConnectionOpenOk processes Connection.OpenOk method
func (c *Connection) handleConnectionOpenOk(f *frame.Frame) error {
	method, err := f.ParseMethod()
	if err != nil {
		return err
	}

	if method.ClassID != protocol.ClassConnection || method.MethodID != protocol.MethodConnectionOpenOk {
		return errors.Errorf("expected Connection.OpenOk, got %d.%d", method.ClassID, method.MethodID)
	}

	// Connection is now open
	c.state.Store(int32(StateOpen))
	return nil
}

// start starts background goroutines
func (c *Connection) start() {
	c.closed = make(chan struct{})
	c.dispatchStop = make(chan struct{})
	c.dispatchDone = make(chan struct{})
	c.heartbeatStop = make(chan struct{})
	c.heartbeatDone = make(chan struct{})

	// Update last activity
	c.updateActivity()

	// Start frame dispatcher
	go c.frameDispatcher()

	// Start heartbeat if enabled
	if c.heartbeat > 0 {
		grp := &errgroup.Group{}
		grp.Go(c.heartbeatSender)
		grp.Go(c.heartbeatMonitor)
		c.heartbeatGrp = grp
		go func() {
			grp.Wait()
			close(c.heartbeatDone)
		}()
	} else {
		close(c.heartbeatDone)
	}

	// Notify listeners
	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionCreated(c)
	})
}

// frameDispatcher reads frames and dispatches them to channels
func (c *Connection) frameDispatcher() {
	defer close(c.dispatchDone)

	for {
		select {
		case <-c.dispatchStop:
			return
		default:
		}

		// Read frame with timeout; with heartbeats disabled reads block
		// indefinitely and rely on Close unblocking them via conn.Close
		if c.heartbeat > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.heartbeat * 2))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}
		f, err := c.frameReader.ReadFrame()
		if err != nil {
			if c.GetState() != StateClosed {
				c.closeWithError(NewError(protocol.ReplyConnectionForced, fmt.Sprintf("read frame: %v", err), false))
			}
			return
		}

		// Update activity timestamp
		c.updateActivity()

		// Handle frame
		if err := c.dispatchFrame(f); err != nil {
			if c.GetState() != StateClosed {
				if amqpErr, ok := errors.Cause(err).(*Error); ok {
					c.closeWithError(amqpErr)
				} else {
					c.closeWithError(NewError(protocol.ReplyFrameError, fmt.Sprintf("dispatch frame: %v", err), false))
				}
			}
			return
		}
	}
}

// dispatchFrame dispatches a frame to the appropriate handler
func (c *Connection) dispatchFrame(f *frame.Frame) error {
	switch f.Type {
	case protocol.FrameMethod:
		return c.handleMethodFrame(f)
	case protocol.FrameHeartbeat:
		// Heartbeat received, activity already updated
		return nil
	case protocol.FrameHeader, protocol.FrameBody:
		// Dispatch to channel
		return c.dispatchToChannel(f)
	default:
		return errors.Errorf("unknown frame type: %d", f.Type)
	}
}

// handleMethodFrame handles method frames on channel 0 (connection)
func (c *Connection) handleMethodFrame(f *frame.Frame) error {
	if f.ChannelID == 0 {
		// Connection-level method
		method, err := f.ParseMethod()
		if err != nil {
			return err
		}

		switch method.ClassID {
		case protocol.ClassConnection:
			return c.handleConnectionMethod(method)
		default:
			return errors.Errorf("unexpected method on channel 0: %d.%d", method.ClassID, method.MethodID)
		}
	}

	// Dispatch to channel
	return c.dispatchToChannel(f)
}

// handleConnectionMethod handles connection class methods
func (c *Connection) handleConnectionMethod(method *frame.Method) error {
	switch method.MethodID {
	case protocol.MethodConnectionClose:
		return c.handleConnectionClose(method)
	case protocol.MethodConnectionBlocked:
		return c.handleConnectionBlocked(method)
	case protocol.MethodConnectionUnblocked:
		return c.handleConnectionUnblocked(method)
	case protocol.MethodConnectionCloseOk:
		c.handleConnectionCloseOk()
		return nil
	default:
		return errors.Errorf("unexpected connection method: %d", method.MethodID)
	}
}

// handleConnectionCloseOk processes the server's reply to a client-initiated
// Connection.Close. It only unblocks CloseWithCode's wait; it never routes
// through closeWithError, so a deliberate Close() is never mistaken for the
// abrupt disconnect that triggers automatic recovery.
func (c *Connection) handleConnectionCloseOk() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.factory.Metrics != nil {
			c.factory.Metrics.ConnectionClosed()
		}
		close(c.closed)
	})
}

// handleConnectionClose processes Connection.Close method
func (c *Connection) handleConnectionClose(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	replyCode, _ := args.ReadUint16()
	replyText, _ := args.ReadShortString()

	// Send Connection.CloseOk
	builder := frame.NewMethodArgsBuilder()
	f := frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, builder.Bytes())
	c.frameWriter.WriteFrame(f)

	// Close connection
	err := NewError(int(replyCode), replyText, true)
	c.closeWithError(err)

	return nil
}

// handleConnectionBlocked processes Connection.Blocked method
func (c *Connection) handleConnectionBlocked(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	reason, _ := args.ReadShortString()

	c.blocked.Store(true)

	// Notify on channel
	select {
	case c.blockedChan <- BlockedNotification{Blocked: true, Reason: reason}:
	default:
	}

	// Notify listeners
	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionBlocked(c, reason)
	})

	// Notify factory handler
	if c.factory.BlockedHandler != nil {
		c.factory.BlockedHandler.OnBlocked(c, reason)
	}

	return nil
}

// handleConnectionUnblocked processes Connection.Unblocked method
func (c *Connection) handleConnectionUnblocked(method *frame.Method) error {
	c.blocked.Store(false)

	// Notify on channel
	select {
	case c.blockedChan <- BlockedNotification{Blocked: false}:
	default:
	}

	// Notify listeners
	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionUnblocked(c)
	})

	// Notify factory handler
	if c.factory.BlockedHandler != nil {
		c.factory.BlockedHandler.OnUnblocked(c)
	}

	return nil
}

// dispatchToChannel dispatches a frame to a channel
func (c *Connection) dispatchToChannel(f *frame.Frame) error {
	c.channelMux.RLock()
	ch, exists := c.channels[f.ChannelID]
	c.channelMux.RUnlock()

	if !exists {
		return NewError(protocol.ReplyResourceError, fmt.Sprintf("frame for unknown channel %d", f.ChannelID), false)
	}

	// Send frame to channel (non-blocking)
	select {
	case ch.incomingFrames <- f:
		return nil
	default:
		return errors.Errorf("channel %d frame buffer full", f.ChannelID)
	}
}

// heartbeatSender sends periodic heartbeat frames. Run under the
// connection's heartbeat errgroup.
func (c *Connection) heartbeatSender() error {
	ticker := time.NewTicker(c.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.heartbeatStop:
			return nil
		case <-ticker.C:
			if err := c.frameWriter.WriteFrame(frame.NewHeartbeatFrame()); err != nil {
				c.closeWithError(NewError(protocol.ReplyConnectionForced, fmt.Sprintf("send heartbeat: %v", err), false))
				return err
			}
		}
	}
}

// heartbeatMonitor watches for missing heartbeats. Run under the
// connection's heartbeat errgroup.
func (c *Connection) heartbeatMonitor() error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.heartbeatStop:
			return nil
		case <-ticker.C:
			lastActivity := time.Unix(c.lastActivity.Load(), 0)
			if time.Since(lastActivity) > c.heartbeat*2 {
				err := NewError(protocol.ReplyConnectionForced, "heartbeat timeout", false)
				c.closeWithError(err)
				return err
			}
		}
	}
}

// updateActivity updates the last activity timestamp
func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
}

// NewChannel creates a new channel on this connection
func (c *Connection) NewChannel() (*Channel, error) {
	return c.NewChannelWithContext(context.Background())
}

// WithChannel opens a channel, runs fn with it, and closes the channel when
// fn returns, whatever the outcome.
func (c *Connection) WithChannel(fn func(*Channel) error) error {
	ch, err := c.NewChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

// NewChannelWithContext creates a new channel with context support
func (c *Connection) NewChannelWithContext(ctx context.Context) (*Channel, error) {
	if c.GetState() != StateOpen {
		return nil, ErrClosed
	}

	c.channelMux.Lock()

	// Find an available channel ID, reusing numbers freed by closed channels
	// rather than marching monotonically through channel_max.
	channelID16, ok := c.channelIDs.Allocate()
	if !ok || uint16(channelID16) > c.channelMax {
		if ok {
			c.channelIDs.Free(channelID16)
		}
		c.channelMux.Unlock()
		return nil, errors.Errorf("channel limit reached: %d", c.channelMax)
	}
	channelID := uint16(channelID16)

	// Create channel
	ch := &Channel{
		conn:           c,
		id:             channelID,
		incomingFrames: make(chan *frame.Frame, 100),
		closeChan:      make(chan *Error, 1),
		closed:         make(chan struct{}),
		consumers:      make(map[string]*consumerState),
		deliverySem:    semaphore.NewWeighted(int64(c.factory.deliveryConcurrency())),
	}
	ch.dispatchCtx, ch.dispatchCancel = context.WithCancel(context.Background())
	ch.state.Store(int32(ChannelStateOpening))

	// Register channel BEFORE opening so it can receive response frames
	c.channels[channelID] = ch

	// Must unlock before calling open() to avoid deadlock
	c.channelMux.Unlock()

	// Open channel
	if err := ch.open(ctx); err != nil {
		// Unregister on error
		c.channelMux.Lock()
		delete(c.channels, channelID)
		c.channelIDs.Free(int(channelID))
		c.channelMux.Unlock()
		return nil, err
	}

	if c.factory.Metrics != nil {
		c.factory.Metrics.ChannelCreated()
	}

	return ch, nil
}

// Close gracefully closes the connection
func (c *Connection) Close() error {
	return c.CloseWithCode(protocol.ReplySuccess, "connection closed")
}

// GetChannelCount returns the current number of open channels
func (c *Connection) GetChannelCount() int {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()
	return len(c.channels)
}

// NotifyRecoveryStarted registers a channel to receive a notification when
// automatic connection recovery begins.
func (c *Connection) NotifyRecoveryStarted(ch chan struct{}) {
	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()
	c.recoveryStartedChans = append(c.recoveryStartedChans, ch)
}

// NotifyRecoveryCompleted registers a channel to receive a notification when
// automatic connection recovery succeeds.
func (c *Connection) NotifyRecoveryCompleted(ch chan struct{}) {
	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()
	c.recoveryCompletedChans = append(c.recoveryCompletedChans, ch)
}

// NotifyRecoveryFailed registers a channel to receive the terminal error if
// automatic connection recovery exhausts its retry attempts.
func (c *Connection) NotifyRecoveryFailed(ch chan error) {
	c.recoveryMux.Lock()
	defer c.recoveryMux.Unlock()
	c.recoveryFailedChans = append(c.recoveryFailedChans, ch)
}

// notifyRecoveryStarted broadcasts to every channel registered via
// NotifyRecoveryStarted. Sends are non-blocking: a subscriber that isn't
// ready to receive misses the notification rather than stalling recovery.
func (c *Connection) notifyRecoveryStarted() {
	c.recoveryMux.Lock()
	chans := c.recoveryStartedChans
	c.recoveryMux.Unlock()

	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// notifyRecoveryCompleted broadcasts to every channel registered via
// NotifyRecoveryCompleted.
func (c *Connection) notifyRecoveryCompleted() {
	c.recoveryMux.Lock()
	chans := c.recoveryCompletedChans
	c.recoveryMux.Unlock()

	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// notifyRecoveryFailed broadcasts to every channel registered via
// NotifyRecoveryFailed.
func (c *Connection) notifyRecoveryFailed(err error) {
	c.recoveryMux.Lock()
	chans := c.recoveryFailedChans
	c.recoveryMux.Unlock()

	for _, ch := range chans {
		select {
		case ch <- err:
		default:
		}
	}
}

// calculateBackoff returns the delay before a given (zero-indexed) recovery
// attempt, doubling the factory's configured recovery interval each attempt
// up to a 32x ceiling.
func (c *Connection) calculateBackoff(attempt int) time.Duration {
	base := c.factory.RecoveryInterval
	if base <= 0 {
		base = 5 * time.Second
	}

	const maxMultiplier = 32
	multiplier := 1
	for i := 0; i < attempt && multiplier < maxMultiplier; i++ {
		multiplier *= 2
	}

	return base * time.Duration(multiplier)
}

// CloseWithCode closes the connection with a specific reply code and text
func (c *Connection) CloseWithCode(code int, text string) error {
	if c.GetState() == StateClosed {
		return nil
	}

	c.state.Store(int32(StateClosing))

	// Send Connection.Close
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(uint16(code))
	builder.WriteShortString(text)
	builder.WriteUint16(0) // class-id
	builder.WriteUint16(0) // method-id

	f := frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionClose, builder.Bytes())
	c.frameWriter.WriteFrame(f)

	// Wait for Connection.CloseOk with timeout
	timeout := time.After(5 * time.Second)
	select {
	case <-c.closed:
	case <-timeout:
	}

	c.cleanup()
	return nil
}

// closeWithError closes the connection with an error. Only abrupt paths
// (read/dispatch/heartbeat failures, server-initiated Connection.Close) call
// this; a client-initiated CloseWithCode completes through
// handleConnectionCloseOk instead, so automatic recovery never fires on a
// deliberate Close.
func (c *Connection) closeWithError(err *Error) {
	var snapshot []channelSnapshot

	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		if c.factory.AutomaticRecovery {
			snapshot = c.captureChannelState()
		}

		// Send error to close channel
		select {
		case c.closeChan <- err:
		default:
		}

		// Notify listeners
		c.notifyListeners(func(l ConnectionListener) {
			l.OnConnectionClosed(c, err)
		})

		// Call error handler
		if c.factory.ErrorHandler != nil {
			c.factory.ErrorHandler.HandleConnectionError(c, err)
		}

		if c.factory.Metrics != nil {
			c.factory.Metrics.ConnectionError(err)
			c.factory.Metrics.ConnectionClosed()
		}

		close(c.closed)
		c.cleanup()

		if c.factory.AutomaticRecovery {
			go c.attemptRecovery(snapshot)
		}
	})
}

// cleanup releases resources
func (c *Connection) cleanup() {
	// Stop background goroutines (with panic recovery in case already closed)
	func() {
		defer func() { recover() }()
		close(c.dispatchStop)
	}()

	if c.heartbeat > 0 {
		func() {
			defer func() { recover() }()
			close(c.heartbeatStop)
		}()

		// Wait for heartbeat goroutine with timeout
		select {
		case <-c.heartbeatDone:
		case <-time.After(2 * time.Second):
			// Timeout waiting for heartbeat to stop
		}
	}

	// Close network connection to unblock any pending reads
	// Must be done before waiting for dispatcher to finish
	if c.conn != nil {
		c.conn.Close()
	}

	// Wait for dispatcher with timeout
	select {
	case <-c.dispatchDone:
	case <-time.After(2 * time.Second):
		// Timeout waiting for dispatcher to stop
	}

	// Close all channels
	c.channelMux.Lock()
	channels := c.channels
	c.channels = make(map[uint16]*Channel)
	c.channelMux.Unlock()

	// Clean up channels without holding the lock to avoid deadlock
	for _, ch := range channels {
		ch.closeOnce.Do(func() {
			ch.state.Store(int32(ChannelStateClosed))

			select {
			case ch.closeChan <- ErrChannelClosed:
			default:
			}

			if c.factory.ErrorHandler != nil {
				c.factory.ErrorHandler.HandleChannelError(ch, ErrChannelClosed)
			}

			close(ch.closed)
			if ch.dispatchCancel != nil {
				ch.dispatchCancel()
			}
			// Only clean up consumers, don't try to remove from connection
			// (already done above when we cleared c.channels)
			ch.cleanupConsumers()
		})
	}
}

// IsClosed returns whether the connection is closed
func (c *Connection) IsClosed() bool {
	return c.GetState() == StateClosed
}

// GetState returns the current connection state
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsBlocked returns whether the connection is currently blocked
func (c *Connection) IsBlocked() bool {
	return c.blocked.Load()
}

// NotifyClose registers a listener for connection closure
func (c *Connection) NotifyClose(ch chan *Error) chan *Error {
	go func() {
		err := <-c.closeChan
		ch <- err
	}()
	return ch
}

// NotifyBlocked registers a listener for connection blocked/unblocked events
func (c *Connection) NotifyBlocked(ch chan BlockedNotification) chan BlockedNotification {
	go func() {
		for notification := range c.blockedChan {
			ch <- notification
		}
	}()
	return ch
}

// AddConnectionListener adds a connection lifecycle listener
func (c *Connection) AddConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveConnectionListener removes a connection listener
func (c *Connection) RemoveConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners calls a function for each listener
func (c *Connection) notifyListeners(fn func(ConnectionListener)) {
	c.listenerMux.RLock()
	defer c.listenerMux.RUnlock()

	for _, listener := range c.listeners {
		fn(listener)
	}
}

// GetChannelMax returns the negotiated maximum number of channels
func (c *Connection) GetChannelMax() uint16 {
	return c.channelMax
}

// GetFrameMax returns the negotiated maximum frame size
func (c *Connection) GetFrameMax() uint32 {
	return c.frameMax
}

// GetHeartbeat returns the negotiated heartbeat interval
func (c *Connection) GetHeartbeat() time.Duration {
	return c.heartbeat
}
