package capture

import "time"

// SetStatePayload is the threadmq.CodeSetState message payload: the
// requested new state.
type SetStatePayload struct {
	State State
}

// LatencyReply is the threadmq.CodeLatencyReply message payload.
type LatencyReply struct {
	Latency time.Duration
	Err     error
}

// ErrReply is the generic threadmq.CodeReply payload, used to acknowledge a
// SET_STATE request succeeded or failed.
type ErrReply struct {
	Err error
}
