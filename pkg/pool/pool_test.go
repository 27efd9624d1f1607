package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ExecutesTasks(t *testing.T) {
	p := New(4, 16)

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		ok := p.Submit(context.Background(), func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		})
		require.True(t, ok)
	}

	wg.Wait()
	p.Stop()
	assert.Equal(t, int64(100), atomic.LoadInt64(&counter))
}

func TestWorkerPool_TrySubmitDropsWhenFull(t *testing.T) {
	p := New(1, 1)

	release := make(chan struct{})
	// Занимаем единственного воркера
	require.True(t, p.TrySubmit(func() { <-release }))

	// Забиваем очередь и ловим отказ
	dropped := 0
	for i := 0; i < 10; i++ {
		if !p.TrySubmit(func() {}) {
			dropped++
		}
	}
	assert.Greater(t, dropped, 0)
	assert.Equal(t, uint64(dropped), p.Dropped())

	close(release)
	p.Stop()
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	p := New(1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, p.TrySubmit(func() {
		close(started)
		<-release
	}))
	<-started

	// Воркер занят, заполняем очередь до отказа: следующий Submit блокируется
	for p.TrySubmit(func() {}) {
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok := p.Submit(ctx, func() {})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	p.Stop()
}

func TestWorkerPool_StopDrainsQueue(t *testing.T) {
	p := New(2, 32)

	var counter int64
	for i := 0; i < 20; i++ {
		require.True(t, p.Submit(context.Background(), func() {
			atomic.AddInt64(&counter, 1)
		}))
	}

	p.Stop()
	assert.Equal(t, int64(20), atomic.LoadInt64(&counter))
}

func TestWorkerPool_StopWhileSubmitBlocked(t *testing.T) {
	p := New(1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, p.TrySubmit(func() {
		close(started)
		<-release
	}))
	<-started

	// Заполняем очередь, следующий Submit повисает в отправке в канал
	for p.TrySubmit(func() {}) {
	}

	var executed int64
	submitDone := make(chan bool, 1)
	go func() {
		submitDone <- p.Submit(context.Background(), func() {
			atomic.AddInt64(&executed, 1)
		})
	}()

	// Stop конкурирует с повисшим отправителем: закрытие канала обязано
	// дождаться завершения отправки, а не уронить ее паникой
	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		time.Sleep(10 * time.Millisecond)
		close(release)
		p.Stop()
	}()

	select {
	case ok := <-submitDone:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not finish")
	}
	<-stopDone
	assert.Equal(t, int64(1), atomic.LoadInt64(&executed))
}

func TestWorkerPool_ConcurrentSubmittersDuringStop(t *testing.T) {
	// Гонка отправителей с остановкой: любой исход допустим,
	// кроме паники отправки в закрытый канал
	for i := 0; i < 50; i++ {
		p := New(2, 4)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					p.TrySubmit(func() {})
				}
			}()
		}

		p.Stop()
		wg.Wait()
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := New(1, 1)
	p.Stop()

	assert.False(t, p.Submit(context.Background(), func() {}))
	assert.False(t, p.TrySubmit(func() {}))

	// Повторный Stop безопасен
	p.Stop()
}

func TestWorkerPool_DefaultSizes(t *testing.T) {
	p := New(0, 0)
	defer p.Stop()

	done := make(chan struct{})
	require.True(t, p.Submit(context.Background(), func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was not executed")
	}
}
