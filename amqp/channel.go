package amqp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/amqpkit/amqpkit/internal/frame"
	"github.com/amqpkit/amqpkit/internal/protocol"
	"github.com/amqpkit/amqpkit/internal/util"
)

// ChannelState represents the state of a channel
type ChannelState int32

const (
	ChannelStateOpening ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
)

// Channel represents an AMQP channel
type Channel struct {
	conn *Connection
	id   uint16

	// State
	state     atomic.Int32
	closeOnce sync.Once
	closeChan chan *Error
	closed    chan struct{}

	// Frame handling
	incomingFrames chan *frame.Frame
	frameMux       sync.Mutex

	// RPC calls. The protocol permits at most one synchronous RPC in
	// flight per channel, so rpcGate serialises callers and rpcSlot is a
	// single-shot cell correlating the outstanding call with its reply
	// (or with the channel's close error, if it closes mid-wait).
	// rpcExpected holds the registry-declared reply ids for the call.
	rpcGate     sync.Mutex
	rpcMux      sync.Mutex
	rpcSlot     *util.BlockingCell
	rpcExpected []uint16

	// Flow control
	flow     atomic.Bool
	flowChan chan bool

	// Publisher confirms
	confirmMux     sync.RWMutex
	confirms       *confirmManager
	nextPublishSeq atomic.Uint64

	// Returns (unroutable messages)
	returnMux       sync.RWMutex
	returnChans     []chan Return
	returnListeners []ReturnListener

	// Consumers. deliverySem bounds the number of callback dispatch
	// goroutines in flight at once; dispatchCtx unblocks a gated dispatch
	// when the channel closes.
	consumerMux    sync.RWMutex
	consumers      map[string]*consumerState
	deliverySem    *semaphore.Weighted
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	// QoS settings
	prefetchCount int
	prefetchSize  int
	globalQos     bool

	// Transaction mode
	txMode atomic.Bool
}

// consumerState tracks an active consumer
type consumerState struct {
	tag          string
	queue        string
	callback     ConsumerCallback
	deliveryChan chan Delivery
	cancelChan   chan struct{}
	autoAck      bool
	exclusive    bool
	noLocal      bool
	args         Table
}

// ConsumeOptions configures consumer behavior
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// open opens the channel
func (ch *Channel) open(ctx context.Context) error {
	// Start frame processor
	go ch.frameProcessor()

	// Send Channel.Open
	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString("") // reserved

	method, err := ch.rpcCall(protocol.ClassChannel, protocol.MethodChannelOpen, builder.Bytes())
	if err != nil {
		return errors.Wrap(err, "channel open")
	}

	if method.MethodID != protocol.MethodChannelOpenOk {
		return errors.Errorf("unexpected response to Channel.Open: %d", method.MethodID)
	}

	ch.state.Store(int32(ChannelStateOpen))
	return nil
}

// frameProcessor processes incoming frames for this channel
func (ch *Channel) frameProcessor() {
	for {
		select {
		case <-ch.closed:
			return
		case f := <-ch.incomingFrames:
			if err := ch.handleFrame(f); err != nil {
				ch.forceClose()
				return
			}
		}
	}
}

// handleFrame handles a single frame
func (ch *Channel) handleFrame(f *frame.Frame) error {
	switch f.Type {
	case protocol.FrameMethod:
		return ch.handleMethodFrame(f)
	case protocol.FrameHeader:
		return ch.handleHeaderFrame(f)
	case protocol.FrameBody:
		return ch.handleBodyFrame(f)
	default:
		return errors.Errorf("unexpected frame type: %d", f.Type)
	}
}

// handleMethodFrame handles method frames. The method registry drives
// dispatch: unknown (class, method) pairs are a syntax error, and
// content-bearing methods are reassembled before their handler runs.
func (ch *Channel) handleMethodFrame(f *frame.Frame) error {
	method, err := f.ParseMethod()
	if err != nil {
		return err
	}

	desc, ok := protocol.LookupMethod(method.ClassID, method.MethodID)
	if !ok {
		return errors.Wrapf(ErrSyntaxError, "unknown method %d.%d", method.ClassID, method.MethodID)
	}

	if desc.HasContent {
		return ch.handleContentMethod(method)
	}

	switch method.ClassID {
	case protocol.ClassChannel:
		return ch.handleChannelMethod(method)
	case protocol.ClassBasic:
		return ch.handleBasicMethod(method)
	default:
		// Check if this is a response to an RPC call
		return ch.deliverRPCResponse(method)
	}
}

// handleContentMethod reassembles a content-bearing method's header and body
// on the frame processor goroutine — the only reader of incomingFrames —
// then dispatches the completed message.
func (ch *Channel) handleContentMethod(method *frame.Method) error {
	properties, body, err := ch.readContent()
	if err != nil {
		return err
	}

	if method.ClassID == protocol.ClassBasic {
		switch method.MethodID {
		case protocol.MethodBasicDeliver:
			return ch.handleBasicDeliver(method, properties, body)
		case protocol.MethodBasicReturn:
			return ch.handleBasicReturn(method, properties, body)
		case protocol.MethodBasicGetOk:
			return ch.deliverRPCValue(&contentResponse{
				method:     method,
				properties: properties,
				body:       body,
			})
		}
	}

	return errors.Wrapf(ErrUnexpectedFrame, "content method %d.%d has no inbound handler", method.ClassID, method.MethodID)
}

// handleChannelMethod handles channel class methods
func (ch *Channel) handleChannelMethod(method *frame.Method) error {
	switch method.MethodID {
	case protocol.MethodChannelClose:
		return ch.handleChannelClose(method)
	case protocol.MethodChannelFlow:
		return ch.handleChannelFlow(method)
	default:
		return ch.deliverRPCResponse(method)
	}
}

// handleChannelClose processes Channel.Close
func (ch *Channel) handleChannelClose(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	replyCode, _ := args.ReadUint16()
	replyText, _ := args.ReadShortString()

	// Send Channel.CloseOk
	builder := frame.NewMethodArgsBuilder()
	closeOkFrame := frame.NewMethodFrame(ch.id, protocol.ClassChannel, protocol.MethodChannelCloseOk, builder.Bytes())
	ch.sendFrame(closeOkFrame)

	// Close channel
	err := NewError(int(replyCode), replyText, true)
	ch.closeWithError(err)

	return nil
}

// handleChannelFlow processes Channel.Flow
func (ch *Channel) handleChannelFlow(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	active, _ := args.ReadBool()

	ch.flow.Store(active)

	// Send Channel.FlowOk
	builder := frame.NewMethodArgsBuilder()
	builder.WriteBool(active)
	flowOkFrame := frame.NewMethodFrame(ch.id, protocol.ClassChannel, protocol.MethodChannelFlowOk, builder.Bytes())
	ch.sendFrame(flowOkFrame)

	// Notify flow channel
	select {
	case ch.flowChan <- active:
	default:
	}

	return nil
}

// handleBasicMethod handles basic class methods without content; the
// content-bearing ones (deliver, return, get-ok) are routed through
// handleContentMethod before they get here.
func (ch *Channel) handleBasicMethod(method *frame.Method) error {
	switch method.MethodID {
	case protocol.MethodBasicAck:
		return ch.handleBasicAck(method)
	case protocol.MethodBasicNack:
		return ch.handleBasicNack(method)
	case protocol.MethodBasicCancel:
		return ch.handleBasicCancel(method)
	default:
		return ch.deliverRPCResponse(method)
	}
}

// contentResponse carries a content-bearing RPC reply (basic.get-ok) with its
// reassembled header properties and body to the waiting caller.
type contentResponse struct {
	method     *frame.Method
	properties Properties
	body       []byte
}

// handleBasicDeliver processes Basic.Deliver (message delivery to consumer)
func (ch *Channel) handleBasicDeliver(method *frame.Method, properties Properties, body []byte) error {
	// Parse delivery info
	args := frame.NewMethodArgs(method.Args)
	consumerTag, _ := args.ReadShortString()
	deliveryTag, _ := args.ReadUint64()
	redelivered, _ := args.ReadBool()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()

	// Create delivery
	delivery := Delivery{
		ConsumerTag: consumerTag,
		DeliveryTag: deliveryTag,
		Redelivered: redelivered,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Properties:  properties,
		Body:        body,
		channel:     ch,
	}

	// Deliver to consumer
	ch.consumerMux.RLock()
	consumer, exists := ch.consumers[consumerTag]
	ch.consumerMux.RUnlock()

	if !exists {
		// Per AMQP 1.8.3.9: a delivery for a consumer the client no longer
		// knows about (e.g. raced with an in-flight cancel) is discarded,
		// not treated as a protocol error.
		if ch.conn.factory.Logger != nil {
			ch.conn.factory.Logger.Printf("discarding delivery %d for unknown consumer %q on channel %d", deliveryTag, consumerTag, ch.id)
		}
		return nil
	}

	// Note: If consumer.autoAck is true, we already told RabbitMQ to auto-ack
	// by setting no-ack=true in Basic.Consume, so we don't need to manually ack here

	// Dispatch delivery
	if consumer.callback != nil {
		// Callback-based consumer. Each callback runs on its own goroutine,
		// gated by deliverySem so a slow handler applies backpressure on
		// this channel's frame processing instead of spawning without bound.
		if err := ch.deliverySem.Acquire(ch.dispatchCtx, 1); err != nil {
			return nil // channel closed while waiting for a dispatch slot
		}
		go func() {
			defer ch.deliverySem.Release(1)
			if err := consumer.callback.HandleDelivery(consumerTag, delivery); err != nil {
				if ch.conn.factory.ErrorHandler != nil {
					ch.conn.factory.ErrorHandler.HandleConsumerError(ch, consumerTag, err)
				}
			}
		}()
	} else if consumer.deliveryChan != nil {
		// Channel-based consumer
		select {
		case consumer.deliveryChan <- delivery:
		case <-consumer.cancelChan:
		case <-ch.closed:
		}
	}

	if ch.conn.factory.Metrics != nil {
		ch.conn.factory.Metrics.MessageConsumed()
	}

	ch.conn.signalDelivery()

	return nil
}

// handleBasicReturn processes Basic.Return (unroutable message)
func (ch *Channel) handleBasicReturn(method *frame.Method, properties Properties, body []byte) error {
	// Parse return info
	args := frame.NewMethodArgs(method.Args)
	replyCode, _ := args.ReadUint16()
	replyText, _ := args.ReadShortString()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()

	// Create return
	ret := Return{
		ReplyCode:  replyCode,
		ReplyText:  replyText,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Properties: properties,
		Body:       body,
	}

	// Notify return channels
	ch.returnMux.RLock()
	defer ch.returnMux.RUnlock()

	for _, returnChan := range ch.returnChans {
		select {
		case returnChan <- ret:
		default:
		}
	}

	// Notify return listeners
	for _, listener := range ch.returnListeners {
		go func(l ReturnListener) {
			l.HandleReturn(ret)
		}(listener)
	}

	if ch.conn.factory.Metrics != nil {
		ch.conn.factory.Metrics.MessageReturned()
	}

	return nil
}

// handleBasicAck processes Basic.Ack (publisher confirm)
func (ch *Channel) handleBasicAck(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	deliveryTag, _ := args.ReadUint64()
	multiple, _ := args.ReadBool()

	if ch.confirms != nil {
		ch.confirms.handleAck(deliveryTag, multiple)
		if ch.conn.factory.Metrics != nil {
			ch.conn.factory.Metrics.ConfirmReceived(true)
		}
	}

	return nil
}

// handleBasicNack processes Basic.Nack (publisher negative confirm)
func (ch *Channel) handleBasicNack(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	deliveryTag, _ := args.ReadUint64()
	multiple, _ := args.ReadBool()

	if ch.confirms != nil {
		ch.confirms.handleNack(deliveryTag, multiple)
		if ch.conn.factory.Metrics != nil {
			ch.conn.factory.Metrics.ConfirmReceived(false)
		}
	}

	return nil
}

// handleBasicCancel processes Basic.Cancel (server-side consumer cancellation)
func (ch *Channel) handleBasicCancel(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	consumerTag, _ := args.ReadShortString()

	ch.consumerMux.Lock()
	consumer, exists := ch.consumers[consumerTag]
	if exists {
		delete(ch.consumers, consumerTag)
	}
	ch.consumerMux.Unlock()

	if exists && consumer.callback != nil {
		go consumer.callback.HandleCancel(consumerTag)
	}

	return nil
}

// handleHeaderFrame handles content header frames. Headers are normally
// consumed inline by readContent immediately after their content-bearing
// method; one arriving here is out of order.
func (ch *Channel) handleHeaderFrame(f *frame.Frame) error {
	return errors.Wrapf(ErrUnexpectedFrame, "header frame with no preceding content method on channel %d", ch.id)
}

// handleBodyFrame handles content body frames arriving outside a content
// context.
func (ch *Channel) handleBodyFrame(f *frame.Frame) error {
	return errors.Wrapf(ErrUnexpectedFrame, "body frame with no preceding content header on channel %d", ch.id)
}

// readContent reads content header and body frames
func (ch *Channel) readContent() (Properties, []byte, error) {
	// Read header frame
	var headerFrame *frame.Frame
	select {
	case headerFrame = <-ch.incomingFrames:
	case <-ch.closed:
		return Properties{}, nil, ErrChannelClosed
	}
	if headerFrame.Type != protocol.FrameHeader {
		return Properties{}, nil, errors.Wrapf(ErrUnexpectedFrame, "expected header frame, got %d", headerFrame.Type)
	}

	header, err := headerFrame.ParseHeader()
	if err != nil {
		return Properties{}, nil, err
	}

	// Decode properties
	properties, err := DecodeProperties(header.Properties)
	if err != nil {
		return Properties{}, nil, err
	}

	// Read body frames
	bodySize := header.BodySize
	body := make([]byte, 0, bodySize)

	for uint64(len(body)) < bodySize {
		var bodyFrame *frame.Frame
		select {
		case bodyFrame = <-ch.incomingFrames:
		case <-ch.closed:
			return Properties{}, nil, ErrChannelClosed
		}
		if bodyFrame.Type != protocol.FrameBody {
			return Properties{}, nil, errors.Wrapf(ErrUnexpectedFrame, "expected body frame, got %d", bodyFrame.Type)
		}

		bodyContent, err := bodyFrame.ParseBody()
		if err != nil {
			return Properties{}, nil, err
		}

		body = append(body, bodyContent.Data...)
		if uint64(len(body)) > bodySize {
			return Properties{}, nil, errors.Wrapf(ErrSyntaxError, "body frames exceed declared size %d", bodySize)
		}
	}

	return properties, body, nil
}

// Publish publishes a message to an exchange
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	_, err := ch.publishInternal(context.Background(), exchange, routingKey, mandatory, immediate, msg)
	return err
}

// PublishWithContext publishes a message with context support
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	_, err := ch.publishInternal(ctx, exchange, routingKey, mandatory, immediate, msg)
	return err
}

// publishInternal is the internal publish implementation that returns the sequence number
func (ch *Channel) publishInternal(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) (uint64, error) {
	if ch.GetState() != ChannelStateOpen {
		return 0, ErrChannelClosed
	}

	// Encode properties
	propData, err := EncodeProperties(msg.Properties)
	if err != nil {
		return 0, errors.Wrap(err, "encode properties")
	}

	// Build Basic.Publish method
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0) // ticket (deprecated, always 0)
	builder.WriteShortString(exchange)
	builder.WriteShortString(routingKey)
	// Pack flags: mandatory, immediate
	builder.WriteFlags(mandatory, immediate)

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicPublish, builder.Bytes())

	// Build content header frame
	headerFrame := frame.NewHeaderFrame(ch.id, protocol.ClassBasic, uint64(len(msg.Body)), propData)

	// Build body frames
	bodyFrames := ch.splitBody(msg.Body)

	// Send the whole publish under one acquisition of the connection's
	// write lock so no other channel's frames land between our method,
	// header, and body frames. frameMux keeps confirm sequence numbers in
	// wire order when several goroutines publish on this channel.
	frames := make([]*frame.Frame, 0, 2+len(bodyFrames))
	frames = append(frames, methodFrame, headerFrame)
	frames = append(frames, bodyFrames...)

	ch.frameMux.Lock()
	defer ch.frameMux.Unlock()

	// Assign the confirm sequence number inside the critical section so tags
	// 1, 2, 3, ... match the order the publishes reach the wire.
	var seqNo uint64
	if ch.confirms != nil && ch.confirms.enabled {
		seqNo = ch.nextPublishSeq.Add(1)
	}

	if err := ch.conn.frameWriter.WriteFrames(frames...); err != nil {
		return seqNo, err
	}

	if ch.conn.factory.Metrics != nil {
		ch.conn.factory.Metrics.MessagePublished()
	}

	return seqNo, nil
}

// splitBody splits message body into frames
func (ch *Channel) splitBody(body []byte) []*frame.Frame {
	if len(body) == 0 {
		return []*frame.Frame{}
	}

	maxPayload := int(ch.conn.frameMax - protocol.FrameHeaderSize - protocol.FrameEndSize)
	frameCount := (len(body) + maxPayload - 1) / maxPayload

	frames := make([]*frame.Frame, frameCount)
	offset := 0

	for i := 0; i < frameCount; i++ {
		end := offset + maxPayload
		if end > len(body) {
			end = len(body)
		}

		frames[i] = frame.NewBodyFrame(ch.id, body[offset:end])
		offset = end
	}

	return frames
}

// Consume starts consuming messages from a queue
func (ch *Channel) Consume(queue, consumerTag string, opts ConsumeOptions) (<-chan Delivery, error) {
	if ch.GetState() != ChannelStateOpen {
		return nil, ErrChannelClosed
	}

	// Generate consumer tag if not provided
	if consumerTag == "" {
		consumerTag = generateConsumerTag(queue, ch.id)
	}

	// Create delivery channel
	deliveryChan := make(chan Delivery, 100)

	// Register consumer
	consumer := &consumerState{
		tag:          consumerTag,
		queue:        queue,
		deliveryChan: deliveryChan,
		cancelChan:   make(chan struct{}),
		autoAck:      opts.AutoAck,
		exclusive:    opts.Exclusive,
		noLocal:      opts.NoLocal,
		args:         opts.Args,
	}

	ch.consumerMux.Lock()
	ch.consumers[consumerTag] = consumer
	ch.consumerMux.Unlock()

	// Send Basic.Consume
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0) // ticket (deprecated, always 0)
	builder.WriteShortString(queue)
	builder.WriteShortString(consumerTag)
	// Pack flags: no-local, no-ack, exclusive, no-wait
	builder.WriteFlags(opts.NoLocal, opts.AutoAck, opts.Exclusive, opts.NoWait)
	builder.WriteTable(opts.Args)

	if opts.NoWait {
		methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicConsume, builder.Bytes())
		if err := ch.sendFrame(methodFrame); err != nil {
			ch.consumerMux.Lock()
			delete(ch.consumers, consumerTag)
			ch.consumerMux.Unlock()
			return nil, err
		}
	} else {
		method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicConsume, builder.Bytes())
		if err != nil {
			ch.consumerMux.Lock()
			delete(ch.consumers, consumerTag)
			ch.consumerMux.Unlock()
			return nil, err
		}

		if method.MethodID != protocol.MethodBasicConsumeOk {
			ch.consumerMux.Lock()
			delete(ch.consumers, consumerTag)
			ch.consumerMux.Unlock()
			return nil, errors.Errorf("unexpected response to Basic.Consume: %d", method.MethodID)
		}
	}

	return deliveryChan, nil
}

// BasicGet polls a message from a queue
func (ch *Channel) BasicGet(queue string, autoAck bool) (*GetResponse, bool, error) {
	if ch.GetState() != ChannelStateOpen {
		return nil, false, ErrChannelClosed
	}

	// Send Basic.Get
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0) // ticket (deprecated, always 0)
	builder.WriteShortString(queue)
	builder.WriteFlags(autoAck) // no-ack flag

	value, err := ch.rpcCallValue(protocol.ClassBasic, protocol.MethodBasicGet, builder.Bytes())
	if err != nil {
		return nil, false, err
	}

	// get-empty arrives as a bare method; get-ok arrives with its content
	// already reassembled by the frame processor.
	content, ok := value.(*contentResponse)
	if !ok {
		method, isMethod := value.(*frame.Method)
		if isMethod && method.MethodID == protocol.MethodBasicGetEmpty {
			return nil, false, nil
		}
		return nil, false, errors.Errorf("unexpected response to Basic.Get: %T", value)
	}

	if content.method.MethodID != protocol.MethodBasicGetOk {
		return nil, false, errors.Errorf("unexpected response to Basic.Get: %d", content.method.MethodID)
	}

	// Parse GetOk
	args := frame.NewMethodArgs(content.method.Args)
	deliveryTag, _ := args.ReadUint64()
	redelivered, _ := args.ReadBool()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()
	messageCount, _ := args.ReadUint32()

	response := &GetResponse{
		DeliveryTag:  deliveryTag,
		Redelivered:  redelivered,
		Exchange:     exchange,
		RoutingKey:   routingKey,
		MessageCount: int(messageCount),
		Properties:   content.properties,
		Body:         content.body,
		channel:      ch,
	}

	return response, true, nil
}

// BasicAck acknowledges a delivery
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	builder.WriteFlags(multiple) // multiple flag

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicAck, builder.Bytes())
	if err := ch.sendFrame(methodFrame); err != nil {
		return err
	}

	if ch.conn.factory.Metrics != nil {
		ch.conn.factory.Metrics.MessageAcked()
	}

	return nil
}

// BasicNack negatively acknowledges a delivery
func (ch *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	// Pack flags: multiple, requeue
	builder.WriteFlags(multiple, requeue)

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicNack, builder.Bytes())
	if err := ch.sendFrame(methodFrame); err != nil {
		return err
	}

	if ch.conn.factory.Metrics != nil {
		ch.conn.factory.Metrics.MessageNacked()
	}

	return nil
}

// BasicReject rejects a delivery
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	builder.WriteFlags(requeue) // requeue flag

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicReject, builder.Bytes())
	if err := ch.sendFrame(methodFrame); err != nil {
		return err
	}

	if ch.conn.factory.Metrics != nil {
		ch.conn.factory.Metrics.MessageRejected()
	}

	return nil
}

// BasicCancel cancels a consumer
func (ch *Channel) BasicCancel(consumerTag string, noWait bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString(consumerTag)
	builder.WriteFlags(noWait) // no-wait flag

	if noWait {
		methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicCancel, builder.Bytes())
		return ch.sendFrame(methodFrame)
	}

	method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicCancel, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodBasicCancelOk {
		return errors.Errorf("unexpected response to Basic.Cancel: %d", method.MethodID)
	}

	// Remove consumer
	ch.consumerMux.Lock()
	delete(ch.consumers, consumerTag)
	ch.consumerMux.Unlock()

	return nil
}

// Qos sets the quality of service (prefetch)
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint32(uint32(prefetchSize))
	builder.WriteUint16(uint16(prefetchCount))
	builder.WriteFlags(global) // global flag

	method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicQos, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodBasicQosOk {
		return errors.Errorf("unexpected response to Basic.Qos: %d", method.MethodID)
	}

	ch.prefetchCount = prefetchCount
	ch.prefetchSize = prefetchSize
	ch.globalQos = global

	return nil
}

// BasicRecover asks the server to redeliver every unacknowledged delivery on
// this channel. With requeue=false messages are redelivered to their original
// recipient; with requeue=true they are requeued and may reach a different
// consumer.
func (ch *Channel) BasicRecover(requeue bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteFlags(requeue) // requeue flag

	method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicRecover, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodBasicRecoverOk {
		return errors.Errorf("unexpected response to Basic.Recover: %d", method.MethodID)
	}

	return nil
}

// Close closes the channel
func (ch *Channel) Close() error {
	return ch.CloseWithCode(protocol.ReplySuccess, "channel closed")
}

// GetChannelID returns the channel ID (channel number)
func (ch *Channel) GetChannelID() uint16 {
	return ch.id
}

// CloseWithCode closes the channel with a specific reply code
func (ch *Channel) CloseWithCode(code int, text string) error {
	if ch.GetState() != ChannelStateOpen {
		return nil
	}

	ch.state.Store(int32(ChannelStateClosing))

	// Send Channel.Close
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(uint16(code))
	builder.WriteShortString(text)
	builder.WriteUint16(0) // class-id
	builder.WriteUint16(0) // method-id

	method, err := ch.rpcCall(protocol.ClassChannel, protocol.MethodChannelClose, builder.Bytes())
	if err != nil {
		ch.forceClose()
		return err
	}

	if method.MethodID != protocol.MethodChannelCloseOk {
		ch.forceClose()
		return errors.Errorf("unexpected response to Channel.Close: %d", method.MethodID)
	}

	ch.closeOnce.Do(func() {
		ch.state.Store(int32(ChannelStateClosed))
		if ch.conn.factory.Metrics != nil {
			ch.conn.factory.Metrics.ChannelClosed()
		}
		close(ch.closed)
		if ch.dispatchCancel != nil {
			ch.dispatchCancel()
		}
	})
	ch.cleanup()
	return nil
}

// closeWithError closes the channel with an error
func (ch *Channel) closeWithError(err *Error) {
	ch.closeOnce.Do(func() {
		ch.state.Store(int32(ChannelStateClosed))

		select {
		case ch.closeChan <- err:
		default:
		}

		ch.rpcMux.Lock()
		if ch.rpcSlot != nil {
			ch.rpcSlot.Set(err)
		}
		ch.rpcMux.Unlock()

		if ch.conn.factory.ErrorHandler != nil {
			ch.conn.factory.ErrorHandler.HandleChannelError(ch, err)
		}

		if ch.conn.factory.Metrics != nil {
			ch.conn.factory.Metrics.ChannelError(err)
			ch.conn.factory.Metrics.ChannelClosed()
		}

		close(ch.closed)
		if ch.dispatchCancel != nil {
			ch.dispatchCancel()
		}
		ch.cleanup()
	})
}

// forceClose forcefully closes the channel
func (ch *Channel) forceClose() {
	ch.closeWithError(ErrChannelClosed)
}

// cleanup releases channel resources
func (ch *Channel) cleanup() {
	ch.cleanupConsumers()
	ch.removeFromConnection()
}

// cleanupConsumers cancels all consumers and closes their channels
func (ch *Channel) cleanupConsumers() {
	ch.consumerMux.Lock()
	defer ch.consumerMux.Unlock()

	for tag, consumer := range ch.consumers {
		close(consumer.cancelChan)
		if consumer.callback != nil {
			consumer.callback.HandleShutdown(tag, ErrChannelClosed)
		}
		if consumer.deliveryChan != nil {
			close(consumer.deliveryChan)
		}
	}
	ch.consumers = make(map[string]*consumerState)
}

// removeFromConnection removes the channel from the connection's channel map
func (ch *Channel) removeFromConnection() {
	ch.conn.channelMux.Lock()
	delete(ch.conn.channels, ch.id)
	ch.conn.channelIDs.Free(int(ch.id))
	ch.conn.channelMux.Unlock()
}

// GetState returns the current channel state
func (ch *Channel) GetState() ChannelState {
	return ChannelState(ch.state.Load())
}

// IsClosed returns whether the channel is closed
func (ch *Channel) IsClosed() bool {
	return ch.GetState() == ChannelStateClosed
}

// NotifyClose registers a listener for channel closure
func (ch *Channel) NotifyClose(notifyChan chan *Error) chan *Error {
	go func() {
		err := <-ch.closeChan
		notifyChan <- err
	}()
	return notifyChan
}

// NotifyFlow registers a listener for flow control
func (ch *Channel) NotifyFlow(notifyChan chan bool) chan bool {
	ch.flowChan = notifyChan
	return notifyChan
}

// sendFrame sends a frame on this channel
func (ch *Channel) sendFrame(f *frame.Frame) error {
	return ch.conn.frameWriter.WriteFrame(f)
}

// rpcCall performs an RPC-style method call expecting a plain method reply.
func (ch *Channel) rpcCall(classID, methodID uint16, args []byte) (*frame.Method, error) {
	value, err := ch.rpcCallValue(classID, methodID, args)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case *frame.Method:
		return v, nil
	case *contentResponse:
		return v.method, nil
	default:
		return nil, errors.Errorf("unexpected RPC result type %T", value)
	}
}

// rpcCallValue performs an RPC-style method call. Only one such call may be
// outstanding on a channel at a time; concurrent callers serialise on
// rpcGate rather than racing for the single reply slot. The result is
// either a *frame.Method or, for content-bearing replies, a
// *contentResponse.
func (ch *Channel) rpcCallValue(classID, methodID uint16, args []byte) (interface{}, error) {
	expected, ok := protocol.IsSynchronous(classID, methodID)
	if !ok {
		return nil, errors.Errorf("method %d.%d is not a synchronous call", classID, methodID)
	}

	ch.rpcGate.Lock()
	defer ch.rpcGate.Unlock()

	slot := util.NewBlockingCell()
	ch.rpcMux.Lock()
	ch.rpcSlot = slot
	ch.rpcExpected = expected
	ch.rpcMux.Unlock()
	defer func() {
		ch.rpcMux.Lock()
		if ch.rpcSlot == slot {
			ch.rpcSlot = nil
			ch.rpcExpected = nil
		}
		ch.rpcMux.Unlock()
	}()

	// Send method frame
	methodFrame := frame.NewMethodFrame(ch.id, classID, methodID, args)
	if err := ch.sendFrame(methodFrame); err != nil {
		return nil, err
	}

	rpcTimeout := ch.conn.factory.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	// Unblock promptly if the channel closes while we wait, rather than
	// riding out the full RPC timeout.
	closeWatch := make(chan struct{})
	go func() {
		select {
		case <-ch.closed:
			cancel()
		case <-closeWatch:
		}
	}()
	defer close(closeWatch)

	value, err := slot.GetWithContext(ctx)
	if err != nil {
		if ch.GetState() == ChannelStateClosed {
			return nil, ErrChannelClosed
		}
		return nil, errors.Errorf("RPC call timeout: %d.%d", classID, methodID)
	}

	if amqpErr, ok := value.(*Error); ok {
		return nil, amqpErr
	}
	return value, nil
}

// deliverRPCResponse delivers a method response to the channel's single
// outstanding RPC waiter, if any.
func (ch *Channel) deliverRPCResponse(method *frame.Method) error {
	return ch.deliverRPCValue(method)
}

// deliverRPCValue stores a result (method, content response, or error) in
// the pending RPC slot, after checking a method reply against the expected
// reply set the registry declares for the outstanding call.
func (ch *Channel) deliverRPCValue(value interface{}) error {
	var methodID uint16
	hasMethodID := false
	switch v := value.(type) {
	case *frame.Method:
		methodID, hasMethodID = v.MethodID, true
	case *contentResponse:
		methodID, hasMethodID = v.method.MethodID, true
	}

	ch.rpcMux.Lock()
	slot := ch.rpcSlot
	expected := ch.rpcExpected
	ch.rpcMux.Unlock()

	if slot == nil {
		return errors.Errorf("unexpected RPC result %T with no pending RPC", value)
	}
	if hasMethodID && !replySatisfies(expected, methodID) {
		return errors.Errorf("method %d does not satisfy the pending call (expected one of %v)", methodID, expected)
	}
	return slot.Set(value)
}

// replySatisfies reports whether a reply method id is in the outstanding
// call's expected set.
func replySatisfies(expected []uint16, methodID uint16) bool {
	for _, id := range expected {
		if id == methodID {
			return true
		}
	}
	return false
}
