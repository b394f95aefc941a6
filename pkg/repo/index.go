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

/*
	Package repo maintains a search index over a folder of card images, and
	resolves references to images that are to be loaded.
*/
package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/util"
)

const (
	// pending index actions before a batch is executed
	maxBatch = 100
	// quiet period of the repo watcher before changes are flushed
	watchBackoff = 5 * time.Second
)

var errStopped = errors.New("index stopped")

// characters in file and folder names that separate search terms
const replaceChars = "`~!@#$%^&*_-+=()[]{}|;:',.<>?/"

var nameCleaner *strings.Replacer

// extensions of files taken into the index
var imageExtensions = []string{
	".mcd", ".mcr", ".mc", ".gme", ".vmp", ".mc2", ".ps2", ".bin", ".vm2",
	".gz", ".zip", ".7z",
}

//
func init() {
	rep := make([]string, 0, 2*len(replaceChars))
	for _, c := range replaceChars {
		rep = append(rep, string(c), " ")
	}
	nameCleaner = strings.NewReplacer(rep...)
}

// Entry is the indexed document for a card image. Folder holds the card
// folder, which is the game id for per game cards. Kind is either ps1 or
// ps2, or empty for archives, and can be searched for as Kind:ps2.
type Entry struct {
	Name   string
	Folder string
	Kind   string
}

//
func newEntry(path string) Entry {
	dir, file := filepath.Split(filepath.ToSlash(path))
	e := Entry{
		Name:   nameCleaner.Replace(file),
		Folder: nameCleaner.Replace(filepath.Base(dir)),
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".mcd", ".mcr", ".mc", ".gme", ".vmp":
		e.Kind = "ps1"
	case ".mc2", ".ps2", ".bin", ".vm2":
		e.Kind = "ps2"
	}
	return e
}

// newMapping maps names and folders as analyzed text, and the card kind as
// a keyword.
func newMapping() *mapping.IndexMappingImpl {
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("Name", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("Folder", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("Kind", bleve.NewKeywordFieldMapping())
	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Index is a search index of card images, kept up to date by a watcher on
// the repo folder.
type Index struct {
	base    string
	repo    string
	fresh   bool
	stopped atomic.Bool
	//
	index   bleve.Index
	watcher *util.DirWatcher
	// only touched by Start and then the watcher, one at a time
	batch   *bleve.Batch
	pending int
}

// NewIndex opens the index at base, or creates it if it does not exist yet.
// The index covers the card images below repo.
func NewIndex(base, repo string) (*Index, error) {

	i := &Index{}
	var err error

	if i.base, err = filepath.Abs(base); err != nil {
		return nil, err
	}
	if i.repo, err = filepath.Abs(repo); err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{"index": i.base, "repo": i.repo})

	_, err = os.Stat(i.base)
	switch {
	case err == nil:
		if i.index, err = bleve.Open(i.base); err != nil {
			return nil, fmt.Errorf("cannot open index: %v", err)
		}
		logger.Info("index opened")

	case os.IsNotExist(err):
		if i.index, err = bleve.New(i.base, newMapping()); err != nil {
			return nil, fmt.Errorf("cannot create index: %v", err)
		}
		i.fresh = true
		logger.Info("index created")

	default:
		return nil, err
	}

	i.batch = i.index.NewBatch()
	return i, nil
}

// Start brings the index up to date with the repo, and starts watching the
// repo for changes.
func (i *Index) Start() error {

	var since time.Time
	if !i.fresh {
		start := time.Now()
		if err := i.prune(); err != nil {
			return fmt.Errorf("error pruning index: %v", err)
		}
		log.WithField("duration", time.Since(start)).Info("index pruned")
		since = i.lastUpdate()
	}

	start := time.Now()
	if err := i.update(since); err != nil {
		return fmt.Errorf("error updating index: %v", err)
	}
	if err := i.flush(); err != nil {
		return err
	}
	i.fresh = false
	log.WithField("duration", time.Since(start)).Info("index updated")

	var err error
	if i.watcher, err = util.NewDirWatcher(i.repo, imageExtensions...); err != nil {
		return fmt.Errorf("cannot watch repo: %v", err)
	}
	if err := i.watcher.Start(watchBackoff, i.watchEvent, i.flush); err != nil {
		return fmt.Errorf("cannot watch repo: %v", err)
	}

	log.Info("index ready")
	return nil
}

//
func (i *Index) Stop() {
	i.stopped.Store(true)
	if i.watcher != nil {
		i.watcher.Stop()
	}
	if i.index != nil {
		i.index.Close()
	}
}

// Repo returns the folder covered by the index.
func (i *Index) Repo() string {
	return i.repo
}

// lastUpdate returns the modification time of the index store. Images not
// modified since then are already in the index.
func (i *Index) lastUpdate() time.Time {
	if st, err := os.Stat(filepath.Join(i.base, "store")); err == nil {
		log.WithField("time", st.ModTime()).Debug("last index update")
		return st.ModTime()
	}
	return time.Time{}
}

// prune removes entries of images that no longer exist.
func (i *Index) prune() error {

	adv, err := i.index.Advanced()
	if err != nil {
		return err
	}

	rd, err := adv.Reader()
	if err != nil {
		return err
	}
	defer rd.Close()

	all, err := rd.DocIDReaderAll()
	if err != nil {
		return err
	}
	defer all.Close()

	var stale []string
	for {
		doc, err := all.Next()
		if err != nil {
			return err
		}
		if doc == nil {
			break
		}
		id, err := rd.ExternalID(doc)
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(i.repo, id)); os.IsNotExist(err) {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		if err := i.remove(id); err != nil {
			return err
		}
	}
	return i.flush()
}

// update adds all images modified after since.
func (i *Index) update(since time.Time) error {

	return filepath.WalkDir(i.repo,
		func(path string, d fs.DirEntry, err error) error {

			if i.stopped.Load() {
				return errStopped
			}

			if err != nil {
				log.WithField("path", path).Warnf("cannot index: %v", err)
				return nil
			}

			if d.IsDir() || !isImage(path) {
				return nil
			}

			if info, err := d.Info(); err == nil && info.ModTime().After(since) {
				return i.add(i.makeRelative(path))
			}
			return nil
		})
}

//
func isImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

//
func (i *Index) watchEvent(evt fsnotify.Event) error {

	rel := i.makeRelative(evt.Name)
	logger := log.WithFields(log.Fields{"path": rel, "op": evt.Op})

	switch {

	case evt.Op&fsnotify.Create != 0:
		info, err := os.Stat(evt.Name)
		if err != nil {
			logger.Warnf("cannot index new file: %v", err)
			return nil
		}
		if !info.IsDir() && isImage(evt.Name) {
			logger.Debug("indexing")
			return i.add(rel)
		}

	case evt.Op&(fsnotify.Rename|fsnotify.Remove) != 0:
		logger.Debug("removing from index")
		return i.remove(rel)
	}

	return nil
}

//
func (i *Index) add(path string) error {
	if err := i.batch.Index(path, newEntry(path)); err != nil {
		return fmt.Errorf("cannot index %s: %v", path, err)
	}
	return i.queued()
}

//
func (i *Index) remove(path string) error {
	i.batch.Delete(path)
	return i.queued()
}

//
func (i *Index) queued() error {
	if i.pending++; i.pending >= maxBatch {
		return i.flush()
	}
	return nil
}

// flush executes pending index actions.
func (i *Index) flush() error {
	if i.pending == 0 {
		return nil
	}
	log.WithField("actions", i.pending).Debug("flushing index batch")
	if err := i.index.Batch(i.batch); err != nil {
		return fmt.Errorf("index batch failed: %v", err)
	}
	i.batch = i.index.NewBatch()
	i.pending = 0
	return nil
}

// makeRelative turns path into a repo relative path with forward slashes.
func (i *Index) makeRelative(path string) string {
	if rel, err := filepath.Rel(i.repo, path); err == nil &&
		!strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}
