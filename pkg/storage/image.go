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

package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	log "github.com/sirupsen/logrus"
)

// ImageLabel is the volume label of SD images created by CreateImage.
const ImageLabel = "OQTACARD"

/*
	NewImageDriver returns a driver that uses a FAT formatted disk image on
	the host as the SD card. This is how a raw dump of the real SD card can be
	served without mounting it. The image must carry the file system on the
	whole disk, i.e. without partition table.
*/
func NewImageDriver(image string) (*ImageDriver, error) {

	d, err := diskfs.Open(image)
	if err != nil {
		return nil, fmt.Errorf("cannot open SD image %s: %v", image, err)
	}

	fs, err := d.GetFilesystem(0)
	if err != nil {
		d.File.Close()
		return nil, fmt.Errorf("no file system on SD image %s: %v", image, err)
	}

	log.WithFields(log.Fields{
		"image": image, "type": fs.Type(), "label": fs.Label()}).Info(
		"using disk image as SD card")

	return &ImageDriver{disk: d, fs: fs}, nil
}

// CreateImage creates a new SD image of size bytes with a FAT32 file system.
func CreateImage(image string, size int64) error {

	d, err := diskfs.Create(image, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("cannot create SD image %s: %v", image, err)
	}
	defer d.File.Close()

	if _, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: ImageLabel,
	}); err != nil {
		return fmt.Errorf("cannot format SD image %s: %v", image, err)
	}

	return nil
}

//
type ImageDriver struct {
	disk *disk.Disk
	fs   filesystem.FileSystem
	mux  sync.Mutex
}

//
func imagePath(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

//
func (d *ImageDriver) Open(p string, flag int) (File, error) {

	d.mux.Lock()
	defer d.mux.Unlock()

	if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
		if _, err := d.stat(p); err == nil {
			return nil, os.ErrExist
		}
	}

	f, err := d.fs.OpenFile(imagePath(p), flag)
	if err != nil {
		return nil, err
	}

	ret := &imageFile{file: f, drv: d}
	if flag&os.O_TRUNC != 0 {
		log.WithField("path", p).Debug("truncate not supported on SD image")
	}
	if flag&os.O_APPEND != 0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}
	return ret, nil
}

//
func (d *ImageDriver) Exists(p string) bool {
	_, err := d.Stat(p)
	return err == nil
}

//
func (d *ImageDriver) Stat(p string) (os.FileInfo, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.stat(p)
}

// stat looks up p in the listing of its parent directory, since the FAT
// implementation has no direct stat.
func (d *ImageDriver) stat(p string) (os.FileInfo, error) {

	clean := imagePath(p)
	if clean == "/" {
		return rootInfo{}, nil
	}

	dir, name := path.Split(clean)
	entries, err := d.fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return e, nil
		}
	}
	return nil, os.ErrNotExist
}

//
func (d *ImageDriver) ReadDir(p string) ([]os.FileInfo, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.fs.ReadDir(imagePath(p))
}

//
func (d *ImageDriver) Mkdir(p string) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.fs.Mkdir(imagePath(p))
}

//
func (d *ImageDriver) Remove(p string) error {

	d.mux.Lock()
	defer d.mux.Unlock()

	if r, ok := d.fs.(interface{ Remove(string) error }); ok {
		return r.Remove(imagePath(p))
	}
	return ErrNotSupported
}

//
func (d *ImageDriver) Free() (uint64, error) {
	return 0, ErrNotSupported
}

//
func (d *ImageDriver) Close() error {
	return d.disk.File.Close()
}

// imageFile adds positional access to the stream oriented file of the FAT
// implementation. All access to the image is serialized by the driver lock.
type imageFile struct {
	file filesystem.File
	drv  *ImageDriver
}

//
func (f *imageFile) Read(p []byte) (int, error) {
	f.drv.mux.Lock()
	defer f.drv.mux.Unlock()
	return f.file.Read(p)
}

//
func (f *imageFile) Write(p []byte) (int, error) {
	f.drv.mux.Lock()
	defer f.drv.mux.Unlock()
	return f.file.Write(p)
}

//
func (f *imageFile) Seek(offset int64, whence int) (int64, error) {
	f.drv.mux.Lock()
	defer f.drv.mux.Unlock()
	return f.file.Seek(offset, whence)
}

//
func (f *imageFile) ReadAt(p []byte, off int64) (int, error) {

	f.drv.mux.Lock()
	defer f.drv.mux.Unlock()

	pos, err := f.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	defer f.file.Seek(pos, io.SeekStart)

	if _, err := f.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(f.file, p)
}

//
func (f *imageFile) WriteAt(p []byte, off int64) (int, error) {

	f.drv.mux.Lock()
	defer f.drv.mux.Unlock()

	pos, err := f.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	defer f.file.Seek(pos, io.SeekStart)

	if _, err := f.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return f.file.Write(p)
}

//
func (f *imageFile) Size() (int64, error) {

	f.drv.mux.Lock()
	defer f.drv.mux.Unlock()

	pos, err := f.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	size, err := f.file.Seek(0, io.SeekEnd)
	if _, e := f.file.Seek(pos, io.SeekStart); err == nil {
		err = e
	}
	return size, err
}

//
func (f *imageFile) Sync() error {
	return nil
}

//
func (f *imageFile) Close() error {
	return f.file.Close()
}

//
type rootInfo struct{}

func (rootInfo) Name() string       { return "/" }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Mode() os.FileMode  { return os.ModeDir | 0755 }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) Sys() interface{}   { return nil }
