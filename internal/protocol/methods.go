package protocol

// MethodDescriptor describes one (class, method) pair: its argument
// signature is not encoded here (arguments are typed per call site in the
// amqp package, matching AMQP's variable field-table-driven argument lists),
// but the properties the dispatcher and FrameWriter need to drive framing
// and RPC correlation are: whether the method carries a content body, and
// whether it is synchronous, and if so which reply method ids satisfy it.
type MethodDescriptor struct {
	ClassID       uint16
	MethodID      uint16
	Name          string
	HasContent    bool
	Synchronous   bool
	ExpectedReply []uint16 // method ids on the same class that satisfy an RPC wait
}

func methodKey(classID, methodID uint16) uint32 {
	return uint32(classID)<<16 | uint32(methodID)
}

// MethodRegistry is the static table of every method in classes connection,
// channel, exchange, queue, basic, tx, confirm. It is validated against the
// AMQP 0.9.1 XML specification's class/method id assignments and is the
// single source of truth for has_content/is_synchronous/expected-reply
// dispatch decisions; nothing in the amqp package hardcodes these facts
// per call site.
var MethodRegistry = buildMethodRegistry()

func buildMethodRegistry() map[uint32]MethodDescriptor {
	descriptors := []MethodDescriptor{
		{ClassConnection, MethodConnectionStart, "connection.start", false, false, nil},
		{ClassConnection, MethodConnectionStartOk, "connection.start-ok", false, false, nil},
		{ClassConnection, MethodConnectionSecure, "connection.secure", false, false, nil},
		{ClassConnection, MethodConnectionSecureOk, "connection.secure-ok", false, false, nil},
		{ClassConnection, MethodConnectionTune, "connection.tune", false, false, nil},
		{ClassConnection, MethodConnectionTuneOk, "connection.tune-ok", false, false, nil},
		{ClassConnection, MethodConnectionOpen, "connection.open", false, true, []uint16{MethodConnectionOpenOk}},
		{ClassConnection, MethodConnectionOpenOk, "connection.open-ok", false, false, nil},
		{ClassConnection, MethodConnectionClose, "connection.close", false, true, []uint16{MethodConnectionCloseOk}},
		{ClassConnection, MethodConnectionCloseOk, "connection.close-ok", false, false, nil},
		{ClassConnection, MethodConnectionBlocked, "connection.blocked", false, false, nil},
		{ClassConnection, MethodConnectionUnblocked, "connection.unblocked", false, false, nil},

		{ClassChannel, MethodChannelOpen, "channel.open", false, true, []uint16{MethodChannelOpenOk}},
		{ClassChannel, MethodChannelOpenOk, "channel.open-ok", false, false, nil},
		{ClassChannel, MethodChannelFlow, "channel.flow", false, true, []uint16{MethodChannelFlowOk}},
		{ClassChannel, MethodChannelFlowOk, "channel.flow-ok", false, false, nil},
		{ClassChannel, MethodChannelClose, "channel.close", false, true, []uint16{MethodChannelCloseOk}},
		{ClassChannel, MethodChannelCloseOk, "channel.close-ok", false, false, nil},

		{ClassExchange, MethodExchangeDeclare, "exchange.declare", false, true, []uint16{MethodExchangeDeclareOk}},
		{ClassExchange, MethodExchangeDeclareOk, "exchange.declare-ok", false, false, nil},
		{ClassExchange, MethodExchangeDelete, "exchange.delete", false, true, []uint16{MethodExchangeDeleteOk}},
		{ClassExchange, MethodExchangeDeleteOk, "exchange.delete-ok", false, false, nil},
		{ClassExchange, MethodExchangeBind, "exchange.bind", false, true, []uint16{MethodExchangeBindOk}},
		{ClassExchange, MethodExchangeBindOk, "exchange.bind-ok", false, false, nil},
		{ClassExchange, MethodExchangeUnbind, "exchange.unbind", false, true, []uint16{MethodExchangeUnbindOk}},
		{ClassExchange, MethodExchangeUnbindOk, "exchange.unbind-ok", false, false, nil},

		{ClassQueue, MethodQueueDeclare, "queue.declare", false, true, []uint16{MethodQueueDeclareOk}},
		{ClassQueue, MethodQueueDeclareOk, "queue.declare-ok", false, false, nil},
		{ClassQueue, MethodQueueBind, "queue.bind", false, true, []uint16{MethodQueueBindOk}},
		{ClassQueue, MethodQueueBindOk, "queue.bind-ok", false, false, nil},
		{ClassQueue, MethodQueuePurge, "queue.purge", false, true, []uint16{MethodQueuePurgeOk}},
		{ClassQueue, MethodQueuePurgeOk, "queue.purge-ok", false, false, nil},
		{ClassQueue, MethodQueueDelete, "queue.delete", false, true, []uint16{MethodQueueDeleteOk}},
		{ClassQueue, MethodQueueDeleteOk, "queue.delete-ok", false, false, nil},
		{ClassQueue, MethodQueueUnbind, "queue.unbind", false, true, []uint16{MethodQueueUnbindOk}},
		{ClassQueue, MethodQueueUnbindOk, "queue.unbind-ok", false, false, nil},

		{ClassBasic, MethodBasicQos, "basic.qos", false, true, []uint16{MethodBasicQosOk}},
		{ClassBasic, MethodBasicQosOk, "basic.qos-ok", false, false, nil},
		{ClassBasic, MethodBasicConsume, "basic.consume", false, true, []uint16{MethodBasicConsumeOk}},
		{ClassBasic, MethodBasicConsumeOk, "basic.consume-ok", false, false, nil},
		{ClassBasic, MethodBasicCancel, "basic.cancel", false, true, []uint16{MethodBasicCancelOk}},
		{ClassBasic, MethodBasicCancelOk, "basic.cancel-ok", false, false, nil},
		{ClassBasic, MethodBasicPublish, "basic.publish", true, false, nil},
		{ClassBasic, MethodBasicReturn, "basic.return", true, false, nil},
		{ClassBasic, MethodBasicDeliver, "basic.deliver", true, false, nil},
		{ClassBasic, MethodBasicGet, "basic.get", false, true, []uint16{MethodBasicGetOk, MethodBasicGetEmpty}},
		{ClassBasic, MethodBasicGetOk, "basic.get-ok", true, false, nil},
		{ClassBasic, MethodBasicGetEmpty, "basic.get-empty", false, false, nil},
		{ClassBasic, MethodBasicAck, "basic.ack", false, false, nil},
		{ClassBasic, MethodBasicReject, "basic.reject", false, false, nil},
		{ClassBasic, MethodBasicRecoverAsync, "basic.recover-async", false, false, nil},
		{ClassBasic, MethodBasicRecover, "basic.recover", false, true, []uint16{MethodBasicRecoverOk}},
		{ClassBasic, MethodBasicRecoverOk, "basic.recover-ok", false, false, nil},
		{ClassBasic, MethodBasicNack, "basic.nack", false, false, nil},

		{ClassTx, MethodTxSelect, "tx.select", false, true, []uint16{MethodTxSelectOk}},
		{ClassTx, MethodTxSelectOk, "tx.select-ok", false, false, nil},
		{ClassTx, MethodTxCommit, "tx.commit", false, true, []uint16{MethodTxCommitOk}},
		{ClassTx, MethodTxCommitOk, "tx.commit-ok", false, false, nil},
		{ClassTx, MethodTxRollback, "tx.rollback", false, true, []uint16{MethodTxRollbackOk}},
		{ClassTx, MethodTxRollbackOk, "tx.rollback-ok", false, false, nil},

		{ClassConfirm, MethodConfirmSelect, "confirm.select", false, true, []uint16{MethodConfirmSelectOk}},
		{ClassConfirm, MethodConfirmSelectOk, "confirm.select-ok", false, false, nil},
	}

	registry := make(map[uint32]MethodDescriptor, len(descriptors))
	for _, d := range descriptors {
		registry[methodKey(d.ClassID, d.MethodID)] = d
	}

	return registry
}

// LookupMethod returns the descriptor for a (class, method) pair and
// whether it is known. Unknown pairs are a protocol-level syntax error to
// the caller, not a panic.
func LookupMethod(classID, methodID uint16) (MethodDescriptor, bool) {
	d, ok := MethodRegistry[methodKey(classID, methodID)]
	return d, ok
}

// HasContent reports whether a method carries a content header/body pair,
// driving the Channel content-reassembly state machine's transition out of
// IDLE on receipt of this method.
func HasContent(classID, methodID uint16) bool {
	d, ok := LookupMethod(classID, methodID)
	return ok && d.HasContent
}

// IsSynchronous reports whether a method expects a reply before the caller
// may proceed, and ExpectedReplies names the method ids that satisfy it.
func IsSynchronous(classID, methodID uint16) ([]uint16, bool) {
	d, ok := LookupMethod(classID, methodID)
	if !ok || !d.Synchronous {
		return nil, false
	}
	return d.ExpectedReply, true
}
