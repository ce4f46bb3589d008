package mqtt

import "go.uber.org/zap"

// pendingMsg is a serialized message held until the broker is reachable.
type pendingMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool

	// latest marks snapshot messages. Only the newest latest message per
	// topic is kept; older ones are superseded rather than replayed.
	latest bool
}

// outbox queues messages published while disconnected. It keeps at most
// capacity messages and drops the oldest first. Not safe for concurrent use.
type outbox struct {
	capacity int
	msgs     []pendingMsg
	dropped  int
	log      *zap.Logger
}

func newOutbox(capacity int, log *zap.Logger) *outbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &outbox{capacity: max(capacity, 1), log: log}
}

func (o *outbox) push(msg pendingMsg) {
	if msg.latest {
		kept := o.msgs[:0]
		for _, m := range o.msgs {
			if !(m.latest && m.topic == msg.topic) {
				kept = append(kept, m)
			}
		}
		clear(o.msgs[len(kept):])
		o.msgs = kept
	}
	if len(o.msgs) == o.capacity {
		if o.dropped == 0 {
			o.log.Warn("mqtt outbox full, dropping oldest", zap.Int("capacity", o.capacity))
		}
		o.dropped++
		o.msgs = append(o.msgs[:0], o.msgs[1:]...)
	}
	o.msgs = append(o.msgs, msg)
}

// drain empties the outbox, returning the queued messages oldest first and
// how many were dropped for lack of room since the previous drain.
func (o *outbox) drain() ([]pendingMsg, int) {
	msgs, dropped := o.msgs, o.dropped
	o.msgs, o.dropped = nil, 0
	return msgs, dropped
}

func (o *outbox) len() int {
	return len(o.msgs)
}
