package internal

import (
	"context"
	"fmt"
	"sync"
)

// FiberOperation is the kind of control transfer a resume message performs.
type FiberOperation int

// Fiber operations.
const (
	// Resume enters a fiber, which returns to the resumer when it yields or
	// finishes.
	Resume FiberOperation = iota
	// Raise enters a fiber by raising an exception in it.
	Raise
	// Yield returns control to the fiber that resumed the sender.
	Yield
	// Transfer enters a fiber without recording a return path.
	Transfer
	// TransferRaise enters a fiber that gave up control by transferring,
	// raising an exception in it without recording a return path.
	TransferRaise
)

var operationNames = [...]string{"resume", "raise", "yield", "transfer", "transfer raise"}

// String returns the operation's name.
func (op FiberOperation) String() string {
	if op < Resume || op > TransferRaise {
		return fmt.Sprintf("FiberOperation(%d)", op)
	}
	return operationNames[op]
}

// SafepointAction is an action one fiber asks another to run on its own
// goroutine. ctx carries a deadline when a safepoint timeout is configured;
// actions that ignore it still run to completion.
type SafepointAction func(ctx context.Context, f *Fiber) error

// FiberMessage is a message sent to a fiber's mailbox. It is one of
// *resumeMessage, *safepointMessage, shutdownMessage, or *exceptionMessage.
type FiberMessage interface {
	fiberMessage()
}

// resumeMessage hands control to a fiber. For Raise and TransferRaise, args
// holds the error to raise as its only value.
type resumeMessage struct {
	op   FiberOperation
	from *Fiber
	args Args
}

// safepointMessage asks a fiber to run an action and then hand control back
// to the sender.
type safepointMessage struct {
	from   *Fiber
	action SafepointAction
}

// shutdownMessage tells a fiber to unwind and terminate.
type shutdownMessage struct{}

// exceptionMessage hands control to a fiber by raising err in it. reply marks
// the error of a safepoint action, sent to a fiber that kept control.
type exceptionMessage struct {
	err   error
	reply bool
}

func (*resumeMessage) fiberMessage()    {}
func (*safepointMessage) fiberMessage() {}
func (shutdownMessage) fiberMessage()   {}
func (*exceptionMessage) fiberMessage() {}

// mailbox is an unbounded FIFO queue of messages with one consumer.
type mailbox struct {
	mu    sync.Mutex
	queue []FiberMessage
	// ready holds a token whenever a message may be waiting.
	ready chan struct{}
}

// put appends a message. It never blocks.
func (m *mailbox) put(msg FiberMessage) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take removes the oldest message, blocking until there is one.
func (m *mailbox) take() FiberMessage {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg
		}
		m.mu.Unlock()
		<-m.ready
	}
}

// len returns the number of waiting messages.
func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
