package reactor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func runLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		if err := l.Close(); err != nil {
			t.Error(err)
		}
	})
	return l
}

func TestLoopSubmit(t *testing.T) {
	l := runLoop(t)

	ch := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		l.Submit(func() {
			ch <- i
		})
	}

	for i := 0; i < 3; i++ {
		select {
		case got := <-ch:
			if got != i {
				t.Errorf("Posted functions ran out of order: got %d, expected %d", got, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for posted function")
		}
	}
}

func TestLoopTimers(t *testing.T) {
	l := runLoop(t)

	ch := make(chan string, 2)
	l.Submit(func() {
		// Armed out of order on purpose.
		l.AfterFunc(300*time.Millisecond, func() { ch <- "late" })
		l.AfterFunc(50*time.Millisecond, func() { ch <- "early" })
	})

	for _, want := range []string{"early", "late"} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("Timer fired out of order: got %q, expected %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for timer")
		}
	}
}

func TestLoopTimerStop(t *testing.T) {
	l := runLoop(t)

	fired := make(chan struct{}, 1)
	l.Submit(func() {
		timer := l.AfterFunc(50*time.Millisecond, func() {
			fired <- struct{}{}
		})
		timer.Stop()
	})

	select {
	case <-fired:
		t.Error("Stopped timer fired")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLoopReadReadiness(t *testing.T) {
	l := runLoop(t)

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	readable := make(chan struct{}, 1)
	registered := make(chan error, 1)
	var src Source
	l.Submit(func() {
		var err error
		src, err = l.OnReady(fds[0], func() {
			var buf [8]byte
			_, _ = unix.Read(fds[0], buf[:])
			select {
			case readable <- struct{}{}:
			default:
			}
		}, nil)
		registered <- err
	})
	if err := <-registered; err != nil {
		t.Fatal(err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-readable:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for read readiness")
	}

	closed := make(chan error, 1)
	l.Submit(func() {
		closed <- src.Close()
	})
	if err := <-closed; err != nil {
		t.Error(err)
	}
}

func TestLoopWriteInterest(t *testing.T) {
	l := runLoop(t)

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	writable := make(chan struct{}, 1)
	l.Submit(func() {
		src, err := l.OnReady(fds[1], nil, func() {
			select {
			case writable <- struct{}{}:
			default:
			}
		})
		if err != nil {
			t.Error(err)
			return
		}
		// An empty pipe is immediately writable once interest is on.
		if err = src.SetWriteInterest(true); err != nil {
			t.Error(err)
		}
	})

	select {
	case <-writable:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for write readiness")
	}
}
