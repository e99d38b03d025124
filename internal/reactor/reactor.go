//go:build linux

package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Events is a bit mask of descriptor readiness conditions.
type Events uint32

const (
	// Readable reports that a read will not block. Hang-up and error
	// conditions are folded into Readable so the next read observes them.
	Readable Events = 1 << iota
	// Writable reports that a write will not block.
	Writable
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&Readable != 0 {
		parts = append(parts, "readable")
	}
	if e&Writable != 0 {
		parts = append(parts, "writable")
	}
	return strings.Join(parts, "|")
}

// FDFunc is invoked with the subset of the watched events that are ready.
type FDFunc func(ready Events)

// ChildFunc is invoked once with the wait status of a terminated child. err is
// non-nil when the status could not be collected (for example ECHILD).
type ChildFunc func(status unix.WaitStatus, err error)

// Watcher is a registration that can be cancelled. Stop is idempotent.
type Watcher interface {
	Stop()
}

// FDWatcher is a descriptor registration whose interest set can change.
// A watcher with an empty interest set stays registered but does not keep
// the loop alive.
type FDWatcher interface {
	Watcher
	FD() int
	Events() Events
	SetEvents(events Events) error
}

// Loop is the subset of the reactor consumed by event sources such as the
// subprocess engine.
type Loop interface {
	WatchFD(fd int, events Events, fn FDFunc) (FDWatcher, error)
	WatchChild(pid int, fn ChildFunc) (Watcher, error)
	AfterFunc(d time.Duration, fn func()) Watcher
	Post(fn func())
}

var (
	// ErrClosed is returned by operations on a closed reactor.
	ErrClosed = errors.New("reactor: closed")
	// ErrRunning is returned when Run is re-entered.
	ErrRunning = errors.New("reactor: already running")
	// ErrWatcherStopped is returned when modifying a stopped watcher.
	ErrWatcherStopped = errors.New("reactor: watcher stopped")
)

const maxEvents = 64

// Reactor is an epoll based event loop. The zero value is not usable; call New.
type Reactor struct {
	epfd   int
	wakefd int

	fds      map[int]*fdWatcher
	serial   int32
	armed    int
	children int
	timers   timerHeap
	now      func() time.Time

	running bool
	closed  bool
	stop    atomic.Bool

	mu     sync.Mutex
	posted []func()
	shut   bool
}

var _ Loop = (*Reactor)(nil)

// New creates a reactor with its epoll instance and wakeup descriptor.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: register wakeup: %w", err)
	}
	return &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]*fdWatcher),
		now:    time.Now,
	}, nil
}

// Close releases the epoll and wakeup descriptors. Watchers still registered
// are abandoned; their descriptors remain owned by whoever registered them.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	if r.running {
		return ErrRunning
	}
	r.closed = true
	r.mu.Lock()
	r.shut = true
	r.posted = nil
	r.mu.Unlock()
	for fd, w := range r.fds {
		w.stopped = true
		delete(r.fds, fd)
	}
	r.armed = 0
	err := unix.Close(r.wakefd)
	if cerr := unix.Close(r.epfd); err == nil {
		err = cerr
	}
	return err
}

// Run dispatches events until no active watchers remain or Stop is called.
// Active watchers are descriptor watchers with a non-empty interest set,
// pending timers, and child watchers that have not fired.
func (r *Reactor) Run() error {
	if r.closed {
		return ErrClosed
	}
	if r.running {
		return ErrRunning
	}
	r.running = true
	defer func() { r.running = false }()
	r.stop.Store(false)

	events := make([]unix.EpollEvent, maxEvents)
	for {
		r.runPosted()
		r.fireTimers()
		if r.stop.Load() {
			return nil
		}
		if !r.active() && !r.hasPosted() {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, r.waitTimeout())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.wakefd {
				r.drainWake()
				continue
			}
			w := r.fds[fd]
			if w == nil || w.serial != ev.Pad || w.events == 0 {
				continue
			}
			if ready := translate(ev.Events, w.events); ready != 0 {
				w.fn(ready)
			}
		}
	}
}

// Stop makes Run return after the current dispatch. Safe for concurrent use.
func (r *Reactor) Stop() {
	r.stop.Store(true)
	r.wake()
}

// Post schedules fn to run on the loop goroutine. Safe for concurrent use.
// Functions posted after Close are discarded.
func (r *Reactor) Post(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if r.shut {
		r.mu.Unlock()
		return
	}
	r.posted = append(r.posted, fn)
	r.mu.Unlock()
	r.wake()
}

// WatchFD registers interest in fd. Only one watcher per descriptor may be
// registered at a time.
func (r *Reactor) WatchFD(fd int, events Events, fn FDFunc) (FDWatcher, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if fd < 0 || fn == nil {
		return nil, fmt.Errorf("reactor: watch fd %d: %w", fd, unix.EINVAL)
	}
	if _, ok := r.fds[fd]; ok {
		return nil, fmt.Errorf("reactor: watch fd %d: %w", fd, unix.EEXIST)
	}
	r.serial++
	w := &fdWatcher{r: r, fd: fd, fn: fn, serial: r.serial}
	r.fds[fd] = w
	if err := w.SetEvents(events); err != nil {
		delete(r.fds, fd)
		w.stopped = true
		return nil, err
	}
	return w, nil
}

// WatchChild reports the termination of pid. The child is reaped by the
// watcher; callers must not wait for it themselves.
func (r *Reactor) WatchChild(pid int, fn ChildFunc) (Watcher, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if pid <= 0 || fn == nil {
		return nil, fmt.Errorf("reactor: watch child %d: %w", pid, unix.EINVAL)
	}
	w := &childWatcher{r: r, pid: pid, fn: fn}
	r.children++
	go func() {
		var status unix.WaitStatus
		var err error
		for {
			_, err = unix.Wait4(pid, &status, 0, nil)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
		r.Post(func() { w.fire(status, err) })
	}()
	return w, nil
}

// AfterFunc runs fn on the loop once d has elapsed.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) Watcher {
	t := &timer{r: r, when: r.now().Add(d), fn: fn, index: -1}
	if fn == nil || r.closed {
		return t
	}
	heap.Push(&r.timers, t)
	return t
}

func (r *Reactor) active() bool {
	return r.armed > 0 || r.children > 0 || len(r.timers) > 0
}

func (r *Reactor) hasPosted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posted) > 0
}

func (r *Reactor) runPosted() {
	for {
		r.mu.Lock()
		batch := r.posted
		r.posted = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (r *Reactor) fireTimers() {
	now := r.now()
	for len(r.timers) > 0 {
		next := r.timers[0]
		if next.when.After(now) {
			return
		}
		heap.Pop(&r.timers)
		next.fn()
	}
}

func (r *Reactor) waitTimeout() int {
	if len(r.timers) == 0 {
		return -1
	}
	d := r.timers[0].when.Sub(r.now())
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

func (r *Reactor) wake() {
	var one [8]byte
	one[0] = 1
	if r.closed {
		return
	}
	// EAGAIN means the counter is already non-zero, which is enough.
	_, _ = unix.Write(r.wakefd, one[:])
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(r.wakefd, buf[:])
}

func translate(raw uint32, want Events) Events {
	var ready Events
	if want&Readable != 0 && raw&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ready |= Readable
	}
	if want&Writable != 0 && raw&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ready |= Writable
	}
	return ready
}

func epollMask(events Events) uint32 {
	var mask uint32
	if events&Readable != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

type fdWatcher struct {
	r       *Reactor
	fd      int
	fn      FDFunc
	serial  int32
	events  Events
	stopped bool
}

func (w *fdWatcher) FD() int { return w.fd }

func (w *fdWatcher) Events() Events { return w.events }

func (w *fdWatcher) SetEvents(events Events) error {
	if w.stopped {
		return ErrWatcherStopped
	}
	events &= Readable | Writable
	if events == w.events {
		return nil
	}
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(w.fd), Pad: w.serial}
	var op int
	switch {
	case events == 0:
		op = unix.EPOLL_CTL_DEL
	case w.events == 0:
		op = unix.EPOLL_CTL_ADD
	default:
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(w.r.epfd, op, w.fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl fd %d: %w", w.fd, err)
	}
	if w.events == 0 {
		w.r.armed++
	} else if events == 0 {
		w.r.armed--
	}
	w.events = events
	return nil
}

func (w *fdWatcher) Stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	if w.events != 0 && !w.r.closed {
		// The descriptor may already be closed, in which case the kernel
		// has dropped it from the interest list and DEL reports EBADF.
		_ = unix.EpollCtl(w.r.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
		w.r.armed--
	}
	w.events = 0
	if w.r.fds[w.fd] == w {
		delete(w.r.fds, w.fd)
	}
}

type childWatcher struct {
	r    *Reactor
	pid  int
	fn   ChildFunc
	done bool
}

// Stop discards the pending notification. The helper goroutine still reaps
// the child so no zombie is left behind.
func (w *childWatcher) Stop() {
	if w.done {
		return
	}
	w.done = true
	w.r.children--
}

func (w *childWatcher) fire(status unix.WaitStatus, err error) {
	if w.done {
		return
	}
	w.done = true
	w.r.children--
	w.fn(status, err)
}

type timer struct {
	r     *Reactor
	when  time.Time
	fn    func()
	index int
}

func (t *timer) Stop() {
	if t.index >= 0 && t.index < len(t.r.timers) && t.r.timers[t.index] == t {
		heap.Remove(&t.r.timers, t.index)
	}
}

type timerHeap []*timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
