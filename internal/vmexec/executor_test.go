package vmexec

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunSerializesConcurrentCallers(t *testing.T) {
	e := New()
	defer e.Stop()

	var active int32
	var maxActive int32
	const n = 20

	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			e.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("max concurrent jobs = %d, want 1 (serialized)", got)
	}
}

func TestRunReturnsValueAndError(t *testing.T) {
	e := New()
	defer e.Stop()

	v, err := e.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil || v.(int) != 42 {
		t.Fatalf("Run = %v, %v; want 42, nil", v, err)
	}
}

func TestRunAfterStopReturnsErrStopped(t *testing.T) {
	e := New()
	e.Stop()

	_, err := e.Run(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if err != ErrStopped {
		t.Fatalf("Run after Stop = %v, want ErrStopped", err)
	}
}
