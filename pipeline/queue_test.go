package pipeline

import (
	"sync"
	"testing"
	"time"
)

func TestResponseQueueFIFO(t *testing.T) {
	q := NewResponseQueue()
	for i := 0; i < 3; i++ {
		q.Put(&Token{ReqID: int64(i)})
	}
	for i := 0; i < 3; i++ {
		tok := q.Get()
		if tok.ReqID != int64(i) {
			t.Fatalf("got req id %d, want %d", tok.ReqID, i)
		}
	}
}

func TestResponseQueueGetBlocksUntilPut(t *testing.T) {
	q := NewResponseQueue()
	done := make(chan *Token, 1)
	go func() {
		done <- q.Get()
	}()

	select {
	case <-done:
		t.Fatalf("Get returned before any Put")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put(&Token{ReqID: 42})
	select {
	case tok := <-done:
		if tok.ReqID != 42 {
			t.Fatalf("got req id %d, want 42", tok.ReqID)
		}
	case <-time.After(time.Second):
		t.Fatalf("Get never returned after Put")
	}
}

func TestResponseQueueConcurrentPut(t *testing.T) {
	q := NewResponseQueue()
	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			q.Put(&Token{ReqID: id})
		}(int64(i))
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		seen[q.Get().ReqID] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct tokens, want %d", len(seen), n)
	}
}
