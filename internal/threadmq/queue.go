// Package threadmq implements the bidirectional asynchronous message queue
// that is the only sanctioned way data crosses between a capture source's
// I/O goroutine and its owning main goroutine. It generalizes the teacher
// repo's hand-rolled dlq/tq wakeup channels into a typed mailbox: a Code
// plus an opaque payload, FIFO per direction.
package threadmq

// Code identifies the kind of message carried across the queue.
type Code int

const (
	// CodeSetState asks the I/O thread to transition into the state carried
	// by its Payload (a capture.SetStatePayload).
	CodeSetState Code = iota
	// CodeGetLatency asks the I/O thread to reply with its current latency.
	CodeGetLatency
	// CodeShutdown asks the I/O thread to tear down and exit.
	CodeShutdown
	// CodeUnloadModule is posted by the I/O thread to the main thread when
	// it has hit a fatal error and is now parked waiting for CodeShutdown.
	CodeUnloadModule
	// CodeLatencyReply carries a reply to CodeGetLatency.
	CodeLatencyReply
	// CodeReply carries a generic error reply (nil on success) to a request.
	CodeReply
)

// Message is one entry in a Queue.
type Message struct {
	Code    Code
	Payload any
	// Reply, if non-nil, receives one reply Message from the message's
	// handler, letting the sender block for a synchronous result without
	// that discipline leaking into the Queue type itself.
	Reply chan Message
}

// Queue is a single-direction FIFO channel of Messages with a fixed
// capacity, matching the teacher's bounded dlq ring. A receive on Chan
// blocks while no message is pending; TryRecv does not. The queue has no
// wakeup fd of its own: senders wake the I/O thread's rtpoll wait
// separately (RTPoll.Wake).
type Queue struct {
	ch chan Message
}

// New returns a Queue buffered to hold capacity messages without blocking
// the sender.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Message, capacity)}
}

// Post enqueues msg without blocking the caller indefinitely; it blocks only
// until the queue has room, matching the bounded-buffer discipline of the
// teacher's message queues.
func (q *Queue) Post(msg Message) {
	q.ch <- msg
}

// Chan exposes the receive side for a blocking receive, e.g. the I/O
// thread's fail path parking until SHUTDOWN arrives.
func (q *Queue) Chan() <-chan Message {
	return q.ch
}

// TryRecv returns the next message without blocking, or ok=false if none is
// pending.
func (q *Queue) TryRecv() (Message, bool) {
	select {
	case m := <-q.ch:
		return m, true
	default:
		return Message{}, false
	}
}
