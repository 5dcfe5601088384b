package coord

import "sync"

// mailbox runs posted tasks one at a time on a single goroutine. Posting
// never blocks.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newMailbox() *mailbox {
	mb := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox) post(task func()) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, task)
	mb.mu.Unlock()
	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting tasks. Tasks already queued still run.
func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		batch := mb.queue
		mb.queue = nil
		closed := mb.closed
		mb.mu.Unlock()
		for _, task := range batch {
			task()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-mb.wake
	}
}
