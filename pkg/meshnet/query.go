package meshnet

import "sync"

// queryCollector fans workspace responses out to in-flight queries.
// Multiple concurrent queries for the same topic each get every response.
type queryCollector struct {
	mu      sync.Mutex
	waiters map[string][]chan *WorkspaceResponse
}

func newQueryCollector() *queryCollector {
	return &queryCollector{
		waiters: make(map[string][]chan *WorkspaceResponse),
	}
}

// register adds a waiter for topicHex. The channel is buffered so the
// dispatching read loop never blocks on a slow collector.
func (qc *queryCollector) register(topicHex string) chan *WorkspaceResponse {
	ch := make(chan *WorkspaceResponse, 16)
	qc.mu.Lock()
	qc.waiters[topicHex] = append(qc.waiters[topicHex], ch)
	qc.mu.Unlock()
	return ch
}

// unregister removes a waiter. Idempotent.
func (qc *queryCollector) unregister(topicHex string, ch chan *WorkspaceResponse) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	list := qc.waiters[topicHex]
	for i, w := range list {
		if w == ch {
			qc.waiters[topicHex] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(qc.waiters[topicHex]) == 0 {
		delete(qc.waiters, topicHex)
	}
}

// deliver hands a response to every waiter on its topic. Full waiter
// buffers drop the response rather than blocking the read loop.
func (qc *queryCollector) deliver(resp *WorkspaceResponse) {
	qc.mu.Lock()
	list := append([]chan *WorkspaceResponse(nil), qc.waiters[resp.TopicHash]...)
	qc.mu.Unlock()

	for _, ch := range list {
		select {
		case ch <- resp:
		default:
		}
	}
}
