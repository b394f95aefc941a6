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

package card

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// modern card file system geometry
const (
	ClusterSize      = 1024
	fatPerCluster    = ClusterSize / 4
	firstIFC         = 0x2000 / ClusterSize
	maxIFC           = 32
	dirEntrySize     = 512
	superblockMagic  = "Sony PS2 Memory Card Format "
	superblockVer    = "1.2.0.0"
	cardTypePS2      = 2
	cardFlags        = 0x52
	fatFree          = 0x7fffffff
	fatChainEnd      = 0xffffffff
	dirModeRoot      = 0x8427
	dirModeParent    = 0xa426
	superblockLength = 0x154
)

/*
	Superblock is the header at sector 0 of a modern card. Offsets:

		0x00  magic, 28 bytes
		0x1c  version, 12 bytes
		0x28  page size, pages per cluster, pages per erase block, 0xff00
		0x30  clusters per card, first allocatable cluster, allocatable
		      clusters, root directory cluster, backup blocks 1 & 2
		0x50  indirect FAT cluster list, 32 entries
		0xd0  bad erase block list, 32 entries
		0x150 card type, card flags
*/
type Superblock struct {
	PageSize        uint16
	PagesPerCluster uint16
	PagesPerBlock   uint16
	ClustersPerCard uint32
	AllocOffset     uint32
	AllocEnd        uint32
	RootDirCluster  uint32
	BackupBlock1    uint32
	BackupBlock2    uint32
	IFCList         [maxIFC]uint32
	BadBlockList    [maxIFC]uint32
	CardType        byte
	CardFlags       byte
}

// NewSuperblock computes the superblock for a freshly formatted modern card
// of size bytes.
func NewSuperblock(size int64) (*Superblock, error) {

	if err := PS2.ValidSize(size); err != nil {
		return nil, err
	}

	pageSize := PS2.PageSize()
	pagesPerCluster := ClusterSize / pageSize
	pagesPerBlock := PS2.EraseSize()
	clustersPerBlock := pagesPerBlock / pagesPerCluster

	clusters := int(size / ClusterSize)
	blocks := int(size) / (pageSize * pagesPerBlock)

	allocatable := clusters - (firstIFC + 2*clustersPerBlock)
	allocatable = allocatable / clustersPerBlock * clustersPerBlock
	fatClusters := (allocatable + fatPerCluster - 1) / fatPerCluster
	ifcClusters := (fatClusters + fatPerCluster - 1) / fatPerCluster
	allocatable -= fatClusters + ifcClusters

	sb := &Superblock{
		PageSize:        uint16(pageSize),
		PagesPerCluster: uint16(pagesPerCluster),
		PagesPerBlock:   uint16(pagesPerBlock),
		ClustersPerCard: uint32(clusters),
		AllocOffset:     uint32(firstIFC + ifcClusters + fatClusters),
		AllocEnd:        uint32(allocatable),
		BackupBlock1:    uint32(blocks - 1),
		BackupBlock2:    uint32(blocks - 2),
		CardType:        cardTypePS2,
		CardFlags:       cardFlags,
	}

	for ix := 0; ix < ifcClusters; ix++ {
		sb.IFCList[ix] = uint32(firstIFC + ix)
	}
	for ix := range sb.BadBlockList {
		sb.BadBlockList[ix] = 0xffffffff
	}

	return sb, nil
}

// FATClusters is the number of clusters holding the FAT.
func (sb *Superblock) FATClusters() int {
	return int(sb.AllocOffset) - firstIFC - sb.IFCClusters()
}

// IFCClusters is the number of indirect FAT clusters.
func (sb *Superblock) IFCClusters() int {
	n := 0
	for _, c := range sb.IFCList {
		if c != 0 {
			n++
		}
	}
	return n
}

// Encode renders the superblock into a page.
func (sb *Superblock) Encode() []byte {

	b := bytes.Repeat([]byte{0xff}, PS2.PageSize())
	for ix := 0; ix < superblockLength; ix++ {
		b[ix] = 0
	}

	copy(b[0x00:], superblockMagic)
	copy(b[0x1c:], superblockVer)

	le := binary.LittleEndian
	le.PutUint16(b[0x28:], sb.PageSize)
	le.PutUint16(b[0x2a:], sb.PagesPerCluster)
	le.PutUint16(b[0x2c:], sb.PagesPerBlock)
	le.PutUint16(b[0x2e:], 0xff00)
	le.PutUint32(b[0x30:], sb.ClustersPerCard)
	le.PutUint32(b[0x34:], sb.AllocOffset)
	le.PutUint32(b[0x38:], sb.AllocEnd)
	le.PutUint32(b[0x3c:], sb.RootDirCluster)
	le.PutUint32(b[0x40:], sb.BackupBlock1)
	le.PutUint32(b[0x44:], sb.BackupBlock2)

	for ix, c := range sb.IFCList {
		le.PutUint32(b[0x50+4*ix:], c)
	}
	for ix, c := range sb.BadBlockList {
		le.PutUint32(b[0xd0+4*ix:], c)
	}

	b[0x150] = sb.CardType
	b[0x151] = sb.CardFlags

	return b
}

// ReadSuperblock reads and checks the superblock of a modern card.
func ReadSuperblock(r io.ReaderAt) (*Superblock, error) {

	b := make([]byte, superblockLength)
	if _, err := r.ReadAt(b, 0); err != nil {
		return nil, fmt.Errorf("cannot read superblock: %v", err)
	}

	if string(b[:len(superblockMagic)]) != superblockMagic {
		return nil, fmt.Errorf("not a formatted card")
	}

	le := binary.LittleEndian
	sb := &Superblock{
		PageSize:        le.Uint16(b[0x28:]),
		PagesPerCluster: le.Uint16(b[0x2a:]),
		PagesPerBlock:   le.Uint16(b[0x2c:]),
		ClustersPerCard: le.Uint32(b[0x30:]),
		AllocOffset:     le.Uint32(b[0x34:]),
		AllocEnd:        le.Uint32(b[0x38:]),
		RootDirCluster:  le.Uint32(b[0x3c:]),
		BackupBlock1:    le.Uint32(b[0x40:]),
		BackupBlock2:    le.Uint32(b[0x44:]),
		CardType:        b[0x150],
		CardFlags:       b[0x151],
	}
	for ix := range sb.IFCList {
		sb.IFCList[ix] = le.Uint32(b[0x50+4*ix:])
		sb.BadBlockList[ix] = le.Uint32(b[0xd0+4*ix:])
	}

	return sb, nil
}

// Format writes a freshly formatted card image of size bytes for kind k.
func Format(w io.WriterAt, k Kind, size int64) error {

	if err := k.ValidSize(size); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"kind": k,
		"size": size,
	}).Info("formatting card")

	if k == PS1 {
		return formatPS1(w)
	}
	return formatPS2(w, size, time.Now())
}

//
func formatPS2(w io.WriterAt, size int64, now time.Time) error {

	sb, err := NewSuperblock(size)
	if err != nil {
		return err
	}

	// erased state first
	blank := bytes.Repeat([]byte{0xff}, 64*1024)
	for off := int64(0); off < size; off += int64(len(blank)) {
		if _, err := w.WriteAt(blank, off); err != nil {
			return err
		}
	}

	if _, err := w.WriteAt(sb.Encode(), 0); err != nil {
		return err
	}

	le := binary.LittleEndian
	cluster := make([]byte, ClusterSize)
	ifc := sb.IFCClusters()
	fat := sb.FATClusters()

	// indirect FAT, pointing to the FAT clusters
	for ix := 0; ix < ifc; ix++ {
		fill(cluster, 0)
		for jx := 0; jx < fatPerCluster; jx++ {
			n := ix*fatPerCluster + jx
			if n >= fat {
				break
			}
			le.PutUint32(cluster[4*jx:], uint32(firstIFC+ifc+n))
		}
		if _, err := w.WriteAt(cluster,
			int64(sb.IFCList[ix])*ClusterSize); err != nil {
			return err
		}
	}

	// FAT, with the root directory as the only allocated chain
	for ix := 0; ix < fat; ix++ {
		for jx := 0; jx < fatPerCluster; jx++ {
			entry := uint32(fatChainEnd)
			if n := ix*fatPerCluster + jx; n < int(sb.AllocEnd) && n > 0 {
				entry = fatFree
			}
			le.PutUint32(cluster[4*jx:], entry)
		}
		if _, err := w.WriteAt(cluster,
			int64(firstIFC+ifc+ix)*ClusterSize); err != nil {
			return err
		}
	}

	// root directory: "." and ".."
	fill(cluster, 0)
	encodeDirEntry(cluster[:dirEntrySize], dirModeRoot, 2, ".", now)
	encodeDirEntry(cluster[dirEntrySize:], dirModeParent, 0, "..", now)
	if _, err := w.WriteAt(cluster,
		int64(sb.AllocOffset)*ClusterSize); err != nil {
		return err
	}

	return nil
}

//
func encodeDirEntry(b []byte, mode uint16, length uint32, name string,
	now time.Time) {
	le := binary.LittleEndian
	le.PutUint16(b[0x00:], mode)
	le.PutUint32(b[0x04:], length)
	encodeTime(b[0x08:0x10], now)
	le.PutUint32(b[0x10:], 0)
	le.PutUint32(b[0x14:], 0)
	encodeTime(b[0x18:0x20], now)
	copy(b[0x40:0x60], name)
}

//
func encodeTime(b []byte, t time.Time) {
	b[0] = 0
	b[1] = byte(t.Second())
	b[2] = byte(t.Minute())
	b[3] = byte(t.Hour())
	b[4] = byte(t.Day())
	b[5] = byte(t.Month())
	binary.LittleEndian.PutUint16(b[6:], uint16(t.Year()))
}

// legacy card layout
const (
	frameSize       = 128
	dirFrames       = 15
	brokenFrames    = 20
	dirStateFree    = 0xa0
	writeTestFrame  = 63
	legacyHeaderTag = "MC"
)

// formatPS1 writes the header block: header frame, directory frames, broken
// sector list, and write test frame. Data blocks are left zeroed.
func formatPS1(w io.WriterAt) error {

	img := make([]byte, ps1CardSize)
	frame := func(ix int) []byte {
		return img[ix*frameSize : (ix+1)*frameSize]
	}

	copy(frame(0), legacyHeaderTag)
	checksum(frame(0))

	for ix := 1; ix <= dirFrames; ix++ {
		f := frame(ix)
		f[0] = dirStateFree
		f[8], f[9] = 0xff, 0xff
		checksum(f)
	}

	for ix := dirFrames + 1; ix <= dirFrames+brokenFrames; ix++ {
		f := frame(ix)
		fill(f[0:4], 0xff)
		f[8], f[9] = 0xff, 0xff
		checksum(f)
	}

	copy(frame(writeTestFrame), frame(0))

	_, err := w.WriteAt(img, 0)
	return err
}

// checksum sets the last byte of a frame to the XOR of the others.
func checksum(f []byte) {
	var c byte
	for _, b := range f[:len(f)-1] {
		c ^= b
	}
	f[len(f)-1] = c
}

//
func fill(b []byte, v byte) {
	for ix := range b {
		b[ix] = v
	}
}
