package ingress

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mason-leap-lab/go-utils/logger"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/global"
	"github.com/MarkusBauer/saarctf-submission-server/server/store"
)

// Worker A goroutine draining an invocation queue. Every connection is pinned
// to one worker for its lifetime, so all of its validation work runs here in
// line order. The worker owns its database sink; sinks are never shared.
type Worker struct {
	id   int
	sink *store.Sink
	log  logger.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	terminating int32
}

func newWorker(id int, cfg *config.Config) *Worker {
	return &Worker{
		id:   id,
		sink: store.NewSink(cfg),
		log:  &logger.ColorLogger{Prefix: fmt.Sprintf("Worker%d ", id), Level: global.Log.GetLevel(), Color: true},
		wake: make(chan struct{}, 1),
	}
}

func (w *Worker) run(done *sync.WaitGroup) {
	defer done.Done()
	defer w.sink.Close()
	for range w.wake {
		w.drain()
		if atomic.LoadInt32(&w.terminating) != 0 {
			return
		}
	}
}

func (w *Worker) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		pending := w.queue
		w.queue = nil
		w.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	}
}

// Invoke runs fn on the worker goroutine. The only cross-goroutine
// synchronization of the ingress path besides the resubmit cache and the
// statistics counters.
func (w *Worker) Invoke(fn func()) {
	if atomic.LoadInt32(&w.terminating) != 0 {
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, fn)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) terminate() {
	atomic.StoreInt32(&w.terminating, 1)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pool A fixed set of workers. Next is only called from the acceptor
// goroutine, round-robin like the original dispatch.
type Pool struct {
	workers []*Worker
	next    int
	done    sync.WaitGroup
}

func NewPool(threads int, cfg *config.Config) *Pool {
	p := &Pool{workers: make([]*Worker, threads)}
	for i := 0; i < threads; i++ {
		w := newWorker(i, cfg)
		p.workers[i] = w
		p.done.Add(1)
		go w.run(&p.done)
	}
	return p
}

func (p *Pool) Next() *Worker {
	if p.next >= len(p.workers) {
		p.next = 0
	}
	w := p.workers[p.next]
	p.next++
	return w
}

// Close signals all workers to terminate and joins them.
func (p *Pool) Close() {
	for _, w := range p.workers {
		w.terminate()
	}
	p.done.Wait()
}
