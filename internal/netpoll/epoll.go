// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// +build linux

// Package netpoll wraps the epoll instance the event loop blocks on. All
// user descriptors are registered edge-triggered for both directions once
// and stay registered for the descriptor's lifetime in the table; internal
// wakeables (terminate eventfd, signalfd) are registered level-triggered
// read-only.
package netpoll

import (
	"golang.org/x/sys/unix"
)

// Poller represents a poller which is in charge of monitoring
// file-descriptors.
type Poller struct {
	fd int // epoll fd
}

// OpenPoller instantiates a poller.
func OpenPoller() (*Poller, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{fd: epollFD}, nil
}

// Close closes the poller.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// Polling blocks the current goroutine, waiting for file-descriptor
// events and feeding each to callback. It retries EpollWait on EINTR and
// returns the first error callback returns; the runtime uses a sentinel
// error to stop the loop on the terminate event.
func (p *Poller) Polling(callback func(fd int, ev uint32) error) error {
	el := newEventList(InitEvents)
	for {
		n, err := unix.EpollWait(p.fd, el.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			if err := callback(int(el.events[i].Fd), el.events[i].Events); err != nil {
				return err
			}
		}
		if n == el.size {
			el.increase()
		}
	}
}

const (
	readEvents      = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents     = unix.EPOLLOUT
	readWriteEvents = readEvents | writeEvents
	edgeTriggered   = uint32(unix.EPOLLET)
)

// AddReadWriteEdge registers the given file-descriptor with readable and
// writable events in edge-triggered mode. This is the registration every
// intercepted descriptor gets, once, for its table lifetime.
func (p *Poller) AddReadWriteEdge(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: readWriteEvents | edgeTriggered})
}

// AddRead registers the given file-descriptor with readable events,
// level-triggered. Used for the terminate eventfd and the signalfd.
func (p *Poller) AddRead(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: readEvents})
}

// Delete removes the given file-descriptor from the poller. Rarely needed:
// the kernel drops a descriptor from the epoll set on its final close.
func (p *Poller) Delete(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}
