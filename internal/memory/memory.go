// Package memory holds the agent's ordered message log and its summary-based
// compaction. Messages are also delivered to an optional async sink (the
// session journal) through a buffered single-writer queue so journal I/O
// never blocks the run loop hot path.
package memory

import (
	"fmt"
	"sync"

	"github.com/zacedev/zace/internal/types"
)

const sinkQueueSize = 256

// Sink receives every appended message, in append order.
type Sink interface {
	Message(role types.MessageRole, content string) error
}

// Memory is the ordered message log. Not safe for concurrent use; the run
// loop owns it for the duration of a run.
type Memory struct {
	messages []types.Message

	sinkCh   chan types.Message
	sinkWG   sync.WaitGroup
	sinkOnce sync.Once

	errMu      sync.Mutex
	sinkClosed bool
	sinkErr    error // first sink error; surfaced on FlushMessageSink
}

// New creates a Memory seeded with the unique system message. When sink is
// non-nil, a single writer goroutine drains appended messages into it.
func New(systemPrompt string, sink Sink) *Memory {
	m := &Memory{}
	if sink != nil {
		m.sinkCh = make(chan types.Message, sinkQueueSize)
		m.sinkWG.Add(1)
		go func() {
			defer m.sinkWG.Done()
			for msg := range m.sinkCh {
				if err := sink.Message(msg.Role, msg.Content); err != nil {
					m.errMu.Lock()
					if m.sinkErr == nil {
						m.sinkErr = err
					}
					m.errMu.Unlock()
				}
			}
		}()
	}
	m.Append(types.Message{Role: types.RoleSystem, Content: systemPrompt})
	return m
}

// Append adds msg to the log and enqueues it for the sink. If the sink queue
// is full the message is still kept in memory; the overflow is recorded as
// the sink error so FlushMessageSink surfaces it.
func (m *Memory) Append(msg types.Message) {
	m.messages = append(m.messages, msg)
	if m.sinkCh == nil {
		return
	}
	m.errMu.Lock()
	closed := m.sinkClosed
	m.errMu.Unlock()
	if closed {
		return
	}
	select {
	case m.sinkCh <- msg:
	default:
		m.errMu.Lock()
		if m.sinkErr == nil {
			m.sinkErr = fmt.Errorf("memory: sink queue full, message dropped")
		}
		m.errMu.Unlock()
	}
}

// Messages returns the log in order. Callers must not mutate the slice.
func (m *Memory) Messages() []types.Message {
	return m.messages
}

// NonSystemCount returns the number of non-system messages.
func (m *Memory) NonSystemCount() int {
	n := 0
	for _, msg := range m.messages {
		if msg.Role != types.RoleSystem {
			n++
		}
	}
	return n
}

// EstimateTokenCount approximates the token footprint of the log as
// ceil(total content length / 4).
func (m *Memory) EstimateTokenCount() int {
	total := 0
	for _, msg := range m.messages {
		total += len(msg.Content)
	}
	return (total + 3) / 4
}

// CompactWithSummary replaces the log with: the system message, a single
// assistant summary message, and the last preserveRecent non-system
// messages.
//
// Expectations:
//   - The system message survives exactly (first position)
//   - The last preserveRecent non-system messages survive exactly, in order
//   - Everything older is replaced by one assistant summary message
func (m *Memory) CompactWithSummary(summary string, preserveRecent int) {
	var system *types.Message
	var rest []types.Message
	for i := range m.messages {
		if m.messages[i].Role == types.RoleSystem && system == nil {
			system = &m.messages[i]
			continue
		}
		rest = append(rest, m.messages[i])
	}
	if preserveRecent < 0 {
		preserveRecent = 0
	}
	if len(rest) > preserveRecent {
		rest = rest[len(rest)-preserveRecent:]
	}

	compacted := make([]types.Message, 0, len(rest)+2)
	if system != nil {
		compacted = append(compacted, *system)
	}
	compacted = append(compacted, types.Message{Role: types.RoleAssistant, Content: summary})
	compacted = append(compacted, rest...)
	m.messages = compacted
}

// FlushMessageSink waits for the sink queue to drain and returns the first
// sink error, if any. After flushing, appends no longer reach the sink.
func (m *Memory) FlushMessageSink() error {
	if m.sinkCh != nil {
		m.sinkOnce.Do(func() {
			m.errMu.Lock()
			m.sinkClosed = true
			m.errMu.Unlock()
			close(m.sinkCh)
		})
		m.sinkWG.Wait()
	}
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.sinkErr
}
