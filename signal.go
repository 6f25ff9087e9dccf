// +build linux

package photon

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Shachar/photon/internal/scheduler"
)

// AIOSignal is the realtime signal reserved for kernel AIO completion
// routing. It is blocked at StartLoop and consumed exclusively through the
// runtime's signalfd; submitters set sigev_signo to it and sigev_value to
// a token from Fiber.AIORegister.
const AIOSignal = 42

// sigBridge owns the signalfd and the token table translating completion
// signals back into fiber wakeups. Raw pointers cannot ride through the
// kernel and back into Go, so the sival_ptr payload is an opaque token
// mapped to the fiber here.
type sigBridge struct {
	fd      int
	tokens  sync.Map // uint64 -> *scheduler.Fiber
	nextTok atomic.Uint64
}

func newSigBridge() (*sigBridge, error) {
	var set unix.Sigset_t
	sigaddset(&set, AIOSignal)
	// Block the signal so it queues to the signalfd instead of being
	// delivered. Threads created after this inherit the mask; see
	// DESIGN.md for the caveat about threads the Go runtime made earlier.
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, errors.Wrap(err, "photon: sigprocmask")
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "photon: signalfd")
	}
	return &sigBridge{fd: fd}, nil
}

func sigaddset(set *unix.Sigset_t, sig int) {
	set.Val[(sig-1)/64] |= 1 << (uint(sig-1) % 64)
}

// register reserves a completion token for f. The token is single-shot:
// complete consumes it.
func (b *sigBridge) register(f *scheduler.Fiber) uint64 {
	tok := b.nextTok.Add(1)
	b.tokens.Store(tok, f)
	return tok
}

// cancel discards an unused token.
func (b *sigBridge) cancel(tok uint64) { b.tokens.Delete(tok) }

// complete consumes tok and schedules its fiber; false if the token is
// unknown (already completed, cancelled, or garbage from the wire).
func (b *sigBridge) complete(tok uint64, wakeFD int) bool {
	v, ok := b.tokens.LoadAndDelete(tok)
	if !ok {
		return false
	}
	v.(*scheduler.Fiber).Schedule(wakeFD)
	return true
}

func (b *sigBridge) dispose() { _ = unix.Close(b.fd) }

// AIORegister reserves a completion token for this fiber. Submit the AIO
// request with sigev_signo = AIOSignal and sigev_value carrying the token,
// then call Yield; the event loop resumes the fiber when the completion
// signal arrives. Call AIOCancel if the submission itself fails.
func (f *Fiber) AIORegister() uint64 {
	return f.eng.sig.register(f.sf)
}

// AIOCancel discards a token whose request was never submitted.
func (f *Fiber) AIOCancel(token uint64) {
	f.eng.sig.cancel(token)
}
