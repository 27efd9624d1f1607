// Package pool предоставляет ограниченный пул воркеров для обработки
// входящего потока наблюдений: вместо горутины на каждое сообщение
// фиксированное число воркеров разбирает общую очередь.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// Task единица работы
type Task func()

// WorkerPool пул воркеров с ограниченной очередью.
// Отправители держат mu на чтение на все время отправки в канал,
// Stop закрывает канал только под блокировкой на запись: отправка
// в закрытый канал исключена.
type WorkerPool struct {
	tasks chan Task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	// Счетчик отброшенных задач при переполнении очереди
	dropped uint64
}

// New создает пул из workers воркеров с очередью queueSize
func New(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}

	p := &WorkerPool{
		tasks: make(chan Task, queueSize),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Submit ставит задачу в очередь, блокируясь при переполнении.
// Возвращает false, если пул остановлен или контекст отменен.
func (p *WorkerPool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}

	select {
	case p.tasks <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySubmit ставит задачу без блокировки. При переполненной очереди
// задача отбрасывается: для потока наблюдений свежее сообщение ценнее
// застрявшего старого.
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
}

// Dropped возвращает число отброшенных задач
func (p *WorkerPool) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Stop закрывает очередь и дожидается завершения воркеров.
// Уже поставленные задачи выполняются до конца. Блокировка на запись
// дожидается отправителей: заблокированный Submit допишет задачу в
// очередь, которую воркеры доберут до закрытия.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}
