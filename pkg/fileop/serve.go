/*
   OqtaCard - PlayStation memory card emulator
   Copyright (c) 2023, Alexander Vollschwitz

   This file is part of OqtaCard.

   OqtaCard is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   OqtaCard is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with OqtaCard. If not, see <http://www.gnu.org/licenses/>.
*/

package fileop

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

/*
	Serve carries out pending work: acknowledges an abort, starts a newly
	signalled operation, or continues filling the ring for a read in
	progress. It never blocks on the real-time context, so it is called
	whenever Wake fires, and periodically. Management.
*/
func (b *Bridge) Serve() {

	if b.abort.Load() {
		b.mu.Lock()
		if b.reading != nil {
			log.WithField("fd", b.reading.fd).Debug("read aborted")
			b.reading = nil
		}
		b.ring.Reset()
		b.res = Result{Code: ErrCodeFailed}
		b.pending.Store(int32(None))
		b.abort.Store(false)
		b.mu.Unlock()
		return
	}

	op := b.Pending()
	if op == None {
		return
	}

	if b.reading != nil {
		b.fill()
		return
	}

	req := b.req
	log.WithFields(log.Fields{
		"op":   op,
		"fd":   req.Fd,
		"path": req.Path,
	}).Trace("file operation")

	switch op {
	case Open:
		b.complete(b.open(req))
	case Close:
		b.complete(b.close(req))
	case Read:
		b.startRead(req)
	case ReadAhead:
		b.readAhead(req)
		b.complete(Result{})
	case Write:
		b.complete(b.write(req))
	case Lseek, Lseek64:
		b.complete(b.lseek(req))
	case Remove:
		b.complete(b.remove(req, false))
	case Mkdir:
		b.complete(b.mkdir(req))
	case Rmdir:
		b.complete(b.remove(req, true))
	case Dopen:
		b.complete(b.dopen(req))
	case Dclose:
		b.complete(b.close(req))
	case Dread:
		b.complete(b.dread(req))
	case Getstat:
		b.complete(b.getstat(req))
	case ValidateFd:
		b.complete(b.validate(req))
	case Reset:
		b.complete(b.reset(req))
	default:
		log.WithField("op", op).Warn("unknown file operation")
		b.complete(Result{Code: ErrCodeInvalid})
	}
}

// CloseAll closes all open files and directories. Management.
func (b *Bridge) CloseAll() {
	b.reset(Request{Fd: NoFd})
}

// OpenHandles returns the number of open handles. Management.
func (b *Bridge) OpenHandles() int {
	return len(b.handles)
}

//
func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if ix := strings.IndexByte(p, ':'); ix >= 0 {
		p = p[ix+1:]
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

//
func code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, fs.ErrNotExist):
		return ErrCodeNoEnt
	case errors.Is(err, fs.ErrExist):
		return ErrCodeExists
	}
	return ErrCodeFailed
}

//
func (b *Bridge) allocate(h *handle) int {
	if len(b.handles) >= MaxHandles {
		return ErrCodeTooMany
	}
	for fd := 1; ; fd++ {
		if _, ok := b.handles[fd]; !ok {
			b.handles[fd] = h
			return fd
		}
	}
}

//
func (b *Bridge) file(fd int) *handle {
	if h, ok := b.handles[fd]; ok && !h.dir() {
		return h
	}
	return nil
}

//
func (b *Bridge) open(req Request) Result {

	p := normalize(req.Path)

	flag := os.O_RDONLY
	switch req.Flags & FlagRW {
	case FlagWrite:
		flag = os.O_WRONLY
	case FlagRW:
		flag = os.O_RDWR
	}
	if req.Flags&FlagCreate != 0 {
		flag |= os.O_CREATE
	}
	if req.Flags&FlagTrunc != 0 {
		flag |= os.O_TRUNC
	}
	if req.Flags&FlagExcl != 0 {
		flag |= os.O_EXCL
	}

	if fi, err := b.drv.Stat(p); err == nil && fi.IsDir() {
		return Result{Code: ErrCodeIsDir}
	}

	f, err := b.drv.Open(p, flag)
	if err != nil {
		log.WithFields(log.Fields{
			"path":  p,
			"error": err,
		}).Debug("open failed")
		return Result{Code: code(err)}
	}

	h := &handle{path: p, file: f}
	if req.Flags&FlagAppend != 0 {
		if size, err := f.Size(); err == nil {
			h.pos = size
		}
	}

	fd := b.allocate(h)
	if fd < 0 {
		f.Close()
	}
	return Result{Code: fd}
}

//
func (b *Bridge) close(req Request) Result {

	h, ok := b.handles[req.Fd]
	if !ok {
		return Result{Code: ErrCodeBadFd}
	}

	delete(b.handles, req.Fd)
	b.ahead.drop(req.Fd)

	if h.file != nil {
		if err := h.file.Close(); err != nil {
			return Result{Code: code(err)}
		}
	}
	return Result{}
}

//
func (b *Bridge) validate(req Request) Result {
	if b.file(req.Fd) == nil {
		return Result{Code: ErrCodeBadFd}
	}
	return Result{}
}

// startRead begins a read of req.Length bytes at the current position of
// req.Fd. A matching read-ahead chunk is published right away.
func (b *Bridge) startRead(req Request) {

	h := b.file(req.Fd)
	if h == nil {
		if b.ring.Free() != nil {
			b.ring.Publish(0, false)
		}
		b.complete(Result{Code: ErrCodeBadFd})
		return
	}

	b.reading = &transfer{fd: req.Fd, remaining: req.Length}

	if req.Length > 0 && b.ahead.matches(req.Fd, h.pos) {
		if c := b.ring.Free(); c != nil {
			want := min(req.Length, b.ring.ChunkSize())
			n := copy(c.data[:want], b.ahead.data[:b.ahead.n])
			b.ahead.valid = false
			b.advance(h, n, want)
			log.WithField("fd", req.Fd).Trace("read served from read-ahead")
		}
	}

	b.fill()
}

// fill reads into free ring chunks until the ring is full or the read is
// complete.
func (b *Bridge) fill() {

	t := b.reading
	h := b.file(t.fd)

	for t.remaining > 0 && h != nil {

		c := b.ring.Free()
		if c == nil {
			return
		}

		want := min(t.remaining, b.ring.ChunkSize())
		n, err := h.file.ReadAt(c.data[:want], h.pos)
		if err != nil && err != io.EOF {
			log.WithFields(log.Fields{
				"fd":    t.fd,
				"error": err,
			}).Error("read failed")
		}
		b.advance(h, n, want)
	}

	if t.remaining == 0 || h == nil {
		b.reading = nil
		b.complete(Result{Code: t.total})
	}
}

// advance publishes a chunk of n out of want bytes. A short chunk ends the
// read.
func (b *Bridge) advance(h *handle, n, want int) {
	t := b.reading
	h.pos += int64(n)
	t.total += n
	if n < want {
		b.ring.Publish(n, false)
		t.remaining = 0
	} else {
		b.ring.Publish(n, true)
		t.remaining -= n
	}
}

// readAhead reads the chunk following the current position of req.Fd,
// without moving the position.
func (b *Bridge) readAhead(req Request) {

	h := b.file(req.Fd)
	if h == nil {
		return
	}

	n, err := h.file.ReadAt(b.ahead.data, h.pos)
	if err != nil && err != io.EOF {
		b.ahead.valid = false
		return
	}

	b.ahead.fd = req.Fd
	b.ahead.pos = h.pos
	b.ahead.n = n
	b.ahead.valid = n > 0
}

//
func (b *Bridge) write(req Request) Result {

	h := b.file(req.Fd)
	if h == nil {
		return Result{Code: ErrCodeBadFd}
	}

	b.ahead.drop(req.Fd)

	data := b.WriteBuffer(req.Buffer)
	if req.Length < 0 || req.Length > len(data) {
		return Result{Code: ErrCodeInvalid}
	}

	n, err := h.file.WriteAt(data[:req.Length], h.pos)
	h.pos += int64(n)
	if err != nil {
		log.WithFields(log.Fields{
			"fd":    req.Fd,
			"error": err,
		}).Error("write failed")
		if n == 0 {
			return Result{Code: code(err)}
		}
	}
	return Result{Code: n}
}

//
func (b *Bridge) lseek(req Request) Result {

	h := b.file(req.Fd)
	if h == nil {
		return Result{Code: ErrCodeBadFd, Offset: -1}
	}

	var base int64
	switch req.Whence {
	case SeekSet:
	case SeekCur:
		base = h.pos
	case SeekEnd:
		size, err := h.file.Size()
		if err != nil {
			return Result{Code: code(err), Offset: -1}
		}
		base = size
	default:
		return Result{Code: ErrCodeInvalid, Offset: -1}
	}

	pos := base + req.Offset
	if pos < 0 {
		return Result{Code: ErrCodeInvalid, Offset: -1}
	}
	h.pos = pos

	if pos > 0x7fffffff {
		return Result{Code: 0x7fffffff, Offset: pos}
	}
	return Result{Code: int(pos), Offset: pos}
}

//
func (b *Bridge) remove(req Request, dir bool) Result {

	p := normalize(req.Path)
	fi, err := b.drv.Stat(p)
	if err != nil {
		return Result{Code: code(err)}
	}

	if dir && !fi.IsDir() {
		return Result{Code: ErrCodeNotDir}
	}
	if !dir && fi.IsDir() {
		return Result{Code: ErrCodeIsDir}
	}

	for fd, h := range b.handles {
		if h.path == p {
			log.WithFields(log.Fields{
				"fd":   fd,
				"path": p,
			}).Warn("removing path that is still open")
		}
	}

	return Result{Code: code(b.drv.Remove(p))}
}

//
func (b *Bridge) mkdir(req Request) Result {
	p := normalize(req.Path)
	if b.drv.Exists(p) {
		return Result{Code: ErrCodeExists}
	}
	return Result{Code: code(b.drv.Mkdir(p))}
}

//
func (b *Bridge) dopen(req Request) Result {

	p := normalize(req.Path)
	list, err := b.drv.ReadDir(p)
	if err != nil {
		return Result{Code: code(err)}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	h := &handle{path: p}
	for _, fi := range list {
		h.entries = append(h.entries, Result{Code: 1, Name: fi.Name(),
			Stat: statOf(fi)})
	}

	return Result{Code: b.allocate(h)}
}

// dread returns the next directory entry with Code 1, or Code 0 at the end.
func (b *Bridge) dread(req Request) Result {

	h, ok := b.handles[req.Fd]
	if !ok || !h.dir() {
		return Result{Code: ErrCodeBadFd}
	}
	if h.next >= len(h.entries) {
		return Result{}
	}
	h.next++
	return h.entries[h.next-1]
}

//
func (b *Bridge) getstat(req Request) Result {
	fi, err := b.drv.Stat(normalize(req.Path))
	if err != nil {
		return Result{Code: code(err)}
	}
	return Result{Stat: statOf(fi)}
}

// reset closes all handles except req.Fd.
func (b *Bridge) reset(req Request) Result {

	for fd, h := range b.handles {
		if fd == req.Fd {
			continue
		}
		if h.file != nil {
			h.file.Close()
		}
		delete(b.handles, fd)
	}
	b.ahead.valid = false

	log.WithField("kept", req.Fd).Debug("file handles reset")
	return Result{}
}

//
func statOf(fi os.FileInfo) Stat {
	s := Stat{
		Mode:     ModeFile | ModeRWX,
		Size:     uint32(fi.Size()),
		HiSize:   uint32(uint64(fi.Size()) >> 32),
		Created:  fi.ModTime(),
		Accessed: fi.ModTime(),
		Modified: fi.ModTime(),
	}
	if fi.IsDir() {
		s.Mode = ModeDir | ModeRWX
		s.Size = 0
		s.HiSize = 0
	}
	return s
}
