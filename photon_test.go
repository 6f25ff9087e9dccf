// +build linux

package photon

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Shachar/photon/internal/descriptor"
	"github.com/Shachar/photon/internal/netutil"
)

// runScenario brackets a test body with a running loop. A keepalive fiber
// pins the live count above zero so the runtime does not tear itself down
// between the body's spawns.
func runScenario(t *testing.T, body func(t *testing.T)) {
	t.Helper()
	if err := StartLoop(WithWorkers(4)); err != nil {
		t.Fatal(err)
	}
	var stop atomic.Bool
	Spawn(func(f *Fiber) {
		for !stop.Load() {
			f.Sleep(2 * time.Millisecond)
		}
	})
	defer func() {
		stop.Store(true)
		if err := StopLoop(); err != nil {
			t.Fatal(err)
		}
	}()
	body(t)
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return sp[0], sp[1]
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*31 + 7)
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		w, r := socketpair(t)
		want := payload(256 << 10)

		writeDone := make(chan error, 1)
		readDone := make(chan []byte, 1)

		Spawn(func(f *Fiber) {
			_, err := f.Write(w, want)
			if cerr := f.Close(w); err == nil {
				err = cerr
			}
			writeDone <- err
		})
		Spawn(func(f *Fiber) {
			var got []byte
			buf := make([]byte, 4096)
			for {
				n, err := f.Read(r, buf)
				if err != nil {
					t.Errorf("read: %v", err)
					break
				}
				if n == 0 {
					break
				}
				got = append(got, buf[:n]...)
			}
			_ = f.Close(r)
			readDone <- got
		})

		if err := <-writeDone; err != nil {
			t.Fatalf("write: %v", err)
		}
		got := <-readDone
		if !bytes.Equal(got, want) {
			t.Fatalf("round trip corrupted: got %d bytes, want %d", len(got), len(want))
		}
	})
}

func TestWriteBackpressure(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		w, r := socketpair(t)
		// Shrink both buffers so a large write must fragment and park.
		_ = unix.SetsockoptInt(w, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)
		_ = unix.SetsockoptInt(r, unix.SOL_SOCKET, unix.SO_RCVBUF, 4096)
		want := payload(256 << 10)

		writeDone := make(chan int, 1)
		Spawn(func(f *Fiber) {
			n, err := f.Write(w, want)
			if err != nil {
				t.Errorf("write: %v", err)
			}
			_ = f.Close(w)
			writeDone <- n
		})

		// A deliberately slow raw reader on the blocking peer.
		var got []byte
		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(r, buf)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				t.Fatalf("raw read: %v", err)
			}
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
			time.Sleep(time.Millisecond)
		}
		_ = unix.Close(r)

		if n := <-writeDone; n != len(want) {
			t.Fatalf("write returned %d, want %d", n, len(want))
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("reader saw %d bytes, want %d", len(got), len(want))
		}
	})
}

func TestAcceptFanOut(t *testing.T) {
	const clients = 100
	const accepters = 4

	runScenario(t, func(t *testing.T) {
		lfds, err := netutil.ListenFDs(1, "tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		lfd := lfds[0]
		addr, err := netutil.Addr(lfd)
		if err != nil {
			t.Fatal(err)
		}

		var perAccepter [accepters]atomic.Int64
		var total atomic.Int64
		var exited sync.WaitGroup
		for i := 0; i < accepters; i++ {
			i := i
			exited.Add(1)
			Spawn(func(f *Fiber) {
				defer exited.Done()
				for {
					conn, _, err := f.Accept(lfd)
					if err != nil {
						return // listener closed
					}
					perAccepter[i].Add(1)
					total.Add(1)
					_ = f.Close(conn)
				}
			})
		}

		var dialers sync.WaitGroup
		for i := 0; i < clients; i++ {
			dialers.Add(1)
			go func() {
				defer dialers.Done()
				conn, err := net.Dial("tcp", addr)
				if err != nil {
					t.Errorf("dial: %v", err)
					return
				}
				// Wait for the accepter to close its side so the accept is
				// observed before we go away.
				_, _ = conn.Read(make([]byte, 1))
				_ = conn.Close()
			}()
		}
		dialers.Wait()

		deadline := time.Now().Add(5 * time.Second)
		for total.Load() < clients && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if total.Load() != clients {
			t.Fatalf("accepted %d connections, want %d", total.Load(), clients)
		}

		// Closing the listener wakes every parked accepter.
		Spawn(func(f *Fiber) { _ = f.Close(lfd) })
		exited.Wait()

		var split [accepters]int64
		for i := range perAccepter {
			split[i] = perAccepter[i].Load()
		}
		t.Logf("accept split across fibers: %v", split)
	})
}

func TestPollTimeout(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		type result struct {
			n       int
			err     error
			elapsed time.Duration
		}
		done := make(chan result, 1)
		Spawn(func(f *Fiber) {
			start := time.Now()
			n, err := f.Poll(nil, 50)
			done <- result{n, err, time.Since(start)}
		})
		res := <-done
		if res.err != nil {
			t.Fatal(res.err)
		}
		if res.n != 0 {
			t.Fatalf("poll with no fds returned %d, want 0", res.n)
		}
		if res.elapsed < 45*time.Millisecond || res.elapsed > time.Second {
			t.Fatalf("timeout elapsed %v, want about 50ms", res.elapsed)
		}
	})
}

func TestPollWakesBeforeTimeout(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		a, b := socketpair(t)
		type result struct {
			n       int
			revents int16
			elapsed time.Duration
		}
		done := make(chan result, 1)
		Spawn(func(f *Fiber) {
			fds := []PollFd{{Fd: int32(a), Events: unix.POLLIN}}
			start := time.Now()
			n, err := f.Poll(fds, 1000)
			if err != nil {
				t.Errorf("poll: %v", err)
			}
			done <- result{n, fds[0].Revents, time.Since(start)}
		})

		time.Sleep(10 * time.Millisecond)
		if _, err := unix.Write(b, []byte{1}); err != nil {
			t.Fatal(err)
		}

		res := <-done
		if res.n != 1 {
			t.Fatalf("poll returned %d, want 1", res.n)
		}
		if res.revents&unix.POLLIN == 0 {
			t.Fatalf("revents %#x missing POLLIN", res.revents)
		}
		if res.elapsed >= 500*time.Millisecond {
			t.Fatalf("poll took %v, should wake well before the 1s timeout", res.elapsed)
		}

		cleanup := make(chan struct{})
		Spawn(func(f *Fiber) {
			_ = f.Close(a)
			_ = f.Close(b)
			close(cleanup)
		})
		<-cleanup
	})
}

func TestPollCountMatchesRevents(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		a, b := socketpair(t)
		if _, err := unix.Write(b, []byte("x")); err != nil {
			t.Fatal(err)
		}

		done := make(chan struct{})
		Spawn(func(f *Fiber) {
			defer close(done)
			fds := []PollFd{
				{Fd: int32(a), Events: unix.POLLIN},
				{Fd: int32(b), Events: unix.POLLOUT},
			}
			n, err := f.Poll(fds, 500)
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			nonzero := 0
			for i := range fds {
				if fds[i].Revents != 0 {
					nonzero++
				}
				if extra := fds[i].Revents &^ fds[i].Events; extra != 0 {
					t.Errorf("fd %d revents %#x outside requested %#x",
						fds[i].Fd, fds[i].Revents, fds[i].Events)
				}
			}
			if n != nonzero {
				t.Errorf("poll count %d but %d entries have revents", n, nonzero)
			}
			if n < 1 {
				t.Errorf("poll count %d, want at least the readable side", n)
			}
			_ = f.Close(a)
			_ = f.Close(b)
		})
		<-done
	})
}

func TestCloseWakesParkedReader(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		a, b := socketpair(t)
		readErr := make(chan error, 1)
		Spawn(func(f *Fiber) {
			buf := make([]byte, 16)
			_, err := f.Read(a, buf)
			readErr <- err
		})
		Spawn(func(f *Fiber) {
			f.Sleep(20 * time.Millisecond)
			_ = f.Close(a)
		})

		select {
		case err := <-readErr:
			if err != unix.EBADF {
				t.Fatalf("parked read woke with %v, want EBADF", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("close never woke the parked reader")
		}

		ent := current.Load().table.Entry(a)
		if ent.Lifecycle() != descriptor.NotInited {
			t.Fatalf("lifecycle after close = %v, want NotInited", ent.Lifecycle())
		}
		// Close must not leave the reader parked: a woken retry has to
		// reach the syscall to observe EBADF. (The retry itself moves the
		// reset Uncertain to InFlight on its way to that syscall, and the
		// adoption path re-primes the slot on reuse.)
		if ent.Reader.Load() == descriptor.Parked {
			t.Fatalf("reader state after close = %v, must not be Parked", ent.Reader.Load())
		}
		_ = unix.Close(b)
	})
}

func TestInterceptIsIdempotent(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		a, b := socketpair(t)
		e := current.Load()

		e1, err := e.interceptFD(a)
		if err != nil {
			t.Fatal(err)
		}
		if e1.Lifecycle() != descriptor.Nonblocking {
			t.Fatalf("lifecycle = %v, want Nonblocking", e1.Lifecycle())
		}
		e2, err := e.interceptFD(a)
		if err != nil {
			t.Fatal(err)
		}
		if e1 != e2 || e2.Lifecycle() != descriptor.Nonblocking {
			t.Fatal("second intercept was not a no-op")
		}

		done := make(chan struct{})
		Spawn(func(f *Fiber) {
			_ = f.Close(a)
			_ = f.Close(b)
			close(done)
		})
		<-done
	})
}

func TestRegularFileGoesThroughOffloadPool(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data")
		want := payload(8192)
		if err := os.WriteFile(path, want, 0o600); err != nil {
			t.Fatal(err)
		}
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan []byte, 1)
		Spawn(func(f *Fiber) {
			var got []byte
			buf := make([]byte, 1024)
			for {
				n, err := f.Read(fd, buf)
				if err != nil {
					t.Errorf("file read: %v", err)
					break
				}
				if n == 0 {
					break
				}
				got = append(got, buf[:n]...)
			}
			done <- got
		})
		got := <-done

		ent := current.Load().table.Entry(fd)
		if ent.Lifecycle() != descriptor.Threadpool {
			t.Fatalf("regular file lifecycle = %v, want Threadpool", ent.Lifecycle())
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("file read got %d bytes, want %d", len(got), len(want))
		}
		closed := make(chan struct{})
		Spawn(func(f *Fiber) {
			_ = f.Close(fd)
			close(closed)
		})
		<-closed
	})
}

func TestGracefulShutdown(t *testing.T) {
	if err := StartLoop(WithWorkers(2)); err != nil {
		t.Fatal(err)
	}
	var woke atomic.Int64
	const fibers = 8
	for i := 0; i < fibers; i++ {
		Spawn(func(f *Fiber) {
			f.Sleep(10 * time.Millisecond)
			woke.Add(1)
		})
	}
	if err := StopLoop(); err != nil {
		t.Fatal(err)
	}
	if woke.Load() != fibers {
		t.Fatalf("%d fibers finished, want %d", woke.Load(), fibers)
	}
	if e := current.Load(); e != nil {
		t.Fatal("engine still registered after StopLoop")
	}
}

func TestConnectAndEcho(t *testing.T) {
	runScenario(t, func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()

		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 64)
			n, _ := conn.Read(buf)
			_, _ = conn.Write(buf[:n])
			_ = conn.Close()
		}()

		port := ln.Addr().(*net.TCPAddr).Port
		ip := ln.Addr().(*net.TCPAddr).IP.To4()
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], ip)

		got := make(chan []byte, 1)
		Spawn(func(f *Fiber) {
			fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
			if err != nil {
				t.Errorf("socket: %v", err)
				got <- nil
				return
			}
			if err := f.Connect(fd, &sa); err != nil {
				t.Errorf("connect: %v", err)
				got <- nil
				return
			}
			msg := []byte("ping over a fiber")
			if _, err := f.Write(fd, msg); err != nil {
				t.Errorf("write: %v", err)
			}
			buf := make([]byte, 64)
			n, err := f.Read(fd, buf)
			if err != nil {
				t.Errorf("read: %v", err)
			}
			_ = f.Close(fd)
			got <- buf[:n]
		})

		if g := <-got; string(g) != "ping over a fiber" {
			t.Fatalf("echo returned %q", g)
		}
		<-srvDone
	})
}
