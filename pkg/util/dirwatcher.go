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

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

/*
	NewDirWatcher creates a recursive watcher for the directory tree rooted in
	dir. Directories created later on are added to the watch as they appear.
	If extensions are given, only events for files with one of these
	extensions (case insensitive, including the dot) are passed on to the
	handler. Events for directories are always passed on. The watcher does not
	run until Start is called.
*/
func NewDirWatcher(dir string, extensions ...string) (*DirWatcher, error) {

	ret := &DirWatcher{
		release:    make(chan bool),
		extensions: make(map[string]bool),
		dirs:       make(map[string]bool),
	}

	for _, ext := range extensions {
		ret.extensions[strings.ToLower(ext)] = true
	}

	var err error
	if ret.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, err
	}

	if err := filepath.Walk(dir, ret.walk); err != nil {
		log.Errorf("error walking directory '%s': %v", dir, err)
		ret.watcher.Close()
		return nil, err
	}

	return ret, nil
}

//
type DirWatcher struct {
	watcher    *fsnotify.Watcher
	release    chan bool
	running    bool
	extensions map[string]bool
	dirs       map[string]bool
}

/*
	Start starts the watcher routine. Relevant changes in the tree are passed
	to handler. After each change a timer is armed with backoff; if no further
	change arrives before it expires, flush is called. Handler and flush are
	always called from the same routine, so they need not be thread safe.
*/
func (dw *DirWatcher) Start(backoff time.Duration,
	handler func(fsnotify.Event) error, flush func() error) error {

	if dw.watcher == nil {
		return fmt.Errorf("directory watcher not initialized or stopped")
	}

	if dw.running {
		return fmt.Errorf("directory watcher already started")
	}

	dw.running = true

	go func() {

		timer := time.NewTimer(backoff)
		pending := false

		for {
			select {

			case evt, ok := <-dw.watcher.Events:

				if !ok {
					log.Debug("directory watcher routine stopping")
					timer.Stop()
					dw.running = false
					dw.release <- true
					return
				}

				if !dw.track(evt) {
					continue
				}

				if err := handler(evt); err != nil {
					log.Errorf("error in watch event handler: %v", err)
				}

				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(backoff)
				pending = true

			case err, ok := <-dw.watcher.Errors:
				if ok {
					log.Errorf("directory watcher error: %v", err)
				}

			case <-timer.C:
				if pending {
					pending = false
					if err := flush(); err != nil {
						log.Errorf("error flushing: %v", err)
					}
				}
			}
		}
	}()

	return nil
}

/*
	Stop stops the watcher and waits until its routine has exited. A stopped
	watcher cannot be restarted.
*/
func (dw *DirWatcher) Stop() {
	if dw.watcher != nil {
		log.Info("closing directory watcher")
		if err := dw.watcher.Close(); err != nil {
			log.Errorf("could not close file watcher: %v", err)
		}
		if dw.running {
			<-dw.release
		}
		dw.watcher = nil
	}
}

// Relevant reports whether a file with the given name passes the extension
// filter of this watcher.
func (dw *DirWatcher) Relevant(name string) bool {
	if len(dw.extensions) == 0 {
		return true
	}
	return dw.extensions[strings.ToLower(filepath.Ext(name))]
}

// track keeps the set of watched directories current and decides whether
// evt is passed on to the handler.
func (dw *DirWatcher) track(evt fsnotify.Event) bool {

	log.WithFields(
		log.Fields{"path": evt.Name, "op": evt.Op}).Trace("watch event")

	if evt.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(evt.Name); err == nil && info.IsDir() {
			dw.addDir(evt.Name)
			return true
		}
	}

	if evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && dw.dirs[evt.Name] {
		delete(dw.dirs, evt.Name) // watch is dropped by fsnotify itself
		return true
	}

	return dw.Relevant(evt.Name)
}

//
func (dw *DirWatcher) walk(path string, info os.FileInfo, err error) error {
	if err != nil {
		return err
	}
	if info.IsDir() {
		return dw.addDir(path)
	}
	return nil
}

//
func (dw *DirWatcher) addDir(path string) error {
	if err := dw.watcher.Add(path); err != nil {
		log.Errorf("error adding watch for directory '%s': %v", path, err)
		return err
	}
	dw.dirs[path] = true
	log.WithField("path", path).Debug("starting directory watch")
	return nil
}
