package fat32

import (
	"strings"
)

// DirEntry is a resolved directory entry returned to callers — the
// decoded short entry plus its reassembled long name, if any (§3.9).
type DirEntry struct {
	Name         string
	ShortEntry   ShortEntry
	dirCluster   uint32 // directory that contains this entry
	entryIndex   int    // index of the short entry within that directory's slot stream
	longSlots    int    // number of long-name slots preceding it (0 if none)
}

// slot is one 32-byte directory record read off disk, tagged with its
// containing cluster and offset for later in-place rewrites.
type slot struct {
	raw     []byte
	cluster uint32
	offset  int
}

// readDirectorySlots reads every 32-byte record in a directory's cluster
// chain, in disk order.
func (v *Volume) readDirectorySlots(firstCluster uint32) ([]slot, *Error) {
	chain, err := v.ClusterChain(firstCluster)
	if err != nil {
		return nil, err
	}
	var slots []slot
	for _, cluster := range chain {
		data, rerr := v.readCluster(cluster)
		if rerr != nil {
			return nil, rerr
		}
		for off := 0; off+dirEntrySize <= len(data); off += dirEntrySize {
			slots = append(slots, slot{raw: data[off : off+dirEntrySize], cluster: cluster, offset: off})
		}
	}
	return slots, nil
}

// VisitDirectory walks a directory's slot stream, reassembling long
// names, and calls fn for each live entry. fn returning false stops the
// walk early (§4.6).
func (v *Volume) VisitDirectory(firstCluster uint32, fn func(DirEntry) bool) *Error {
	slots, err := v.readDirectorySlots(firstCluster)
	if err != nil {
		return err
	}

	var pendingLong [][]byte
	for i, s := range slots {
		if s.raw[0] == entryEndOfDirMarker {
			break
		}
		if s.raw[0] == entryFreeMarker {
			pendingLong = nil
			continue
		}
		attr := s.raw[11]
		if attr&attrLongName == attrLongName {
			pendingLong = append(pendingLong, s.raw)
			continue
		}
		short := decodeShortEntry(s.raw)
		if short.Attr&attrVolumeID != 0 {
			pendingLong = nil
			continue
		}
		name := shortDisplayName(short)
		if long, ok := assembleLongName(pendingLong, shortNameChecksum(append(append([]byte{}, short.Name[:]...), short.Ext[:]...))); ok {
			name = long
		}
		entry := DirEntry{
			Name:       name,
			ShortEntry: short,
			dirCluster: firstCluster,
			entryIndex: i,
			longSlots:  len(pendingLong),
		}
		pendingLong = nil
		if !fn(entry) {
			return nil
		}
	}
	return nil
}

func shortDisplayName(e ShortEntry) string {
	base := strings.TrimRight(string(e.Name[:]), " ")
	ext := strings.TrimRight(string(e.Ext[:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// findInDirectory scans firstCluster for name, case-insensitively. It
// always walks the directory on disk; the directory cache is consulted
// by Resolve, not here.
func (v *Volume) findInDirectory(firstCluster uint32, name string) (DirEntry, *Error, bool) {
	var found DirEntry
	ok := false
	err := v.VisitDirectory(firstCluster, func(e DirEntry) bool {
		if strings.EqualFold(e.Name, name) {
			found = e
			ok = true
			return false
		}
		return true
	})
	return found, err, ok
}

// Resolve walks p's segments from the root, returning the final
// directory entry. The root itself (empty path) resolves to a synthetic
// directory entry pointing at RootCluster.
func (v *Volume) Resolve(p *Path) (DirEntry, *Error) {
	if len(p.Segments) == 0 {
		root := ShortEntry{Attr: attrDirectory}
		root.SetFirstCluster(v.RootCluster)
		return DirEntry{Name: "/", ShortEntry: root}, nil
	}

	if cluster, hit := v.cache.FindByPath(p.String()); hit {
		entry, err, ok := v.findInDirectory(cluster, p.Segments[len(p.Segments)-1])
		if err == nil && ok {
			return entry, nil
		}
	}

	cluster := v.RootCluster
	var entry DirEntry
	for i, seg := range p.Segments {
		e, err, ok := v.findInDirectory(cluster, seg)
		if err != nil {
			return DirEntry{}, err
		}
		if !ok {
			return DirEntry{}, errf(NotFound, "no such path component %q", seg)
		}
		entry = e
		if i < len(p.Segments)-1 {
			if !entry.ShortEntry.IsDirectory() {
				return DirEntry{}, errf(NotADirectory, "%q is not a directory", seg)
			}
			cluster = entry.ShortEntry.FirstCluster()
		}
	}

	kind := "file"
	if entry.ShortEntry.IsDirectory() {
		kind = "dir"
	}
	v.cache.Add(kind, entry.ShortEntry.FirstCluster(), entry.dirCluster, entry.Name, p.String())
	return entry, nil
}

// OpenDirectory resolves p and returns its first cluster, failing if p
// does not name a directory.
func (v *Volume) OpenDirectory(p *Path) (uint32, *Error) {
	if len(p.Segments) == 0 {
		return v.RootCluster, nil
	}
	e, err := v.Resolve(p)
	if err != nil {
		return 0, err
	}
	if !e.ShortEntry.IsDirectory() {
		return 0, errf(NotADirectory, "%q is not a directory", p.String())
	}
	return e.ShortEntry.FirstCluster(), nil
}

// File is an open FAT32 file handle (§3.9, §4.6).
type File struct {
	v       *Volume
	entry   DirEntry
	chain   []uint32
	cluster uint32 // 0 for an empty file
}

// Open resolves p to a file and loads its cluster chain.
func (v *Volume) Open(p *Path) (*File, *Error) {
	parent, name, ok := p.Parent()
	if !ok {
		return nil, errf(IsADirectory, "root has no file contents")
	}
	_ = parent
	e, err := v.Resolve(p)
	if err != nil {
		return nil, err
	}
	if e.ShortEntry.IsDirectory() {
		return nil, errf(IsADirectory, "%q is a directory", name)
	}
	var chain []uint32
	if e.ShortEntry.FirstCluster() >= 2 {
		chain, err = v.ClusterChain(e.ShortEntry.FirstCluster())
		if err != nil {
			return nil, err
		}
	}
	return &File{v: v, entry: e, chain: chain, cluster: e.ShortEntry.FirstCluster()}, nil
}

// Size is the file's logical length in bytes.
func (f *File) Size() uint32 { return f.entry.ShortEntry.FileSize }

// ReadAt reads up to len(buf) bytes starting at offset, returning the
// count read. Reads past EOF return 0 and no error, matching the
// boundary tests of §8 (reading at exactly the file's length).
func (f *File) ReadAt(buf []byte, offset uint32) (int, *Error) {
	size := f.entry.ShortEntry.FileSize
	if offset >= size {
		return 0, nil
	}
	clusterSize := f.v.ClusterSizeBytes()
	total := 0
	for total < len(buf) {
		pos := offset + uint32(total)
		if pos >= size {
			break
		}
		idx := int(pos / clusterSize)
		if idx >= len(f.chain) {
			break
		}
		within := pos % clusterSize
		data, err := f.v.readCluster(f.chain[idx])
		if err != nil {
			return total, err
		}
		n := copy(buf[total:], data[within:])
		remaining := size - pos
		if uint32(n) > remaining {
			n = int(remaining)
		}
		total += n
		if within+uint32(n) < clusterSize {
			break
		}
	}
	return total, nil
}

// Append writes data to the end of the file, allocating new clusters as
// needed, and patches the on-disk short entry's size and first-cluster
// fields (§4.6, §8: "append followed by read-back reproduces the
// written bytes exactly, including the zero-length and single-byte
// boundary cases").
func (f *File) Append(data []byte) *Error {
	if len(data) == 0 {
		return nil
	}
	clusterSize := f.v.ClusterSizeBytes()
	oldSize := f.entry.ShortEntry.FileSize

	if f.cluster == 0 {
		c, err := f.v.AllocateCluster()
		if err != nil {
			return err
		}
		f.cluster = c
		f.chain = []uint32{c}
		f.entry.ShortEntry.SetFirstCluster(c)
	}

	written := uint32(0)
	pos := oldSize
	for written < uint32(len(data)) {
		idx := int(pos / clusterSize)
		for idx >= len(f.chain) {
			next, err := f.v.ExtendChain(f.chain[len(f.chain)-1])
			if err != nil {
				return err
			}
			f.chain = append(f.chain, next)
		}
		within := pos % clusterSize
		buf, err := f.v.readCluster(f.chain[idx])
		if err != nil {
			return err
		}
		n := copy(buf[within:], data[written:])
		if werr := f.v.writeCluster(f.chain[idx], buf); werr != nil {
			return werr
		}
		written += uint32(n)
		pos += uint32(n)
	}

	f.entry.ShortEntry.FileSize = oldSize + uint32(len(data))
	return f.v.patchShortEntry(f.entry)
}

// patchShortEntry rewrites a single short entry's 32 bytes in place,
// used after an append changes size/first-cluster.
func (v *Volume) patchShortEntry(e DirEntry) *Error {
	chain, err := v.ClusterChain(e.dirCluster)
	if err != nil {
		return err
	}
	entriesPerCluster := int(v.ClusterSizeBytes()) / dirEntrySize
	clusterIdx := e.entryIndex / entriesPerCluster
	if clusterIdx >= len(chain) {
		return errf(IOError, "patch short entry: index out of range")
	}
	buf, rerr := v.readCluster(chain[clusterIdx])
	if rerr != nil {
		return rerr
	}
	within := (e.entryIndex % entriesPerCluster) * dirEntrySize
	copy(buf[within:within+dirEntrySize], encodeShortEntry(e.ShortEntry))
	return v.writeCluster(chain[clusterIdx], buf)
}

// CreateFile creates an empty file named name inside the directory at
// dirCluster, returning its directory entry (§4.6).
func (v *Volume) CreateFile(dirCluster uint32, name string, isDir bool) (DirEntry, *Error) {
	_, ferr, exists := v.findInDirectory(dirCluster, name)
	if ferr != nil {
		return DirEntry{}, ferr
	}
	if exists {
		return DirEntry{}, errf(FileExists, "%q already exists", name)
	}

	short, serr := v.buildShortEntry(dirCluster, name, isDir)
	if serr != nil {
		return DirEntry{}, serr
	}
	raws := v.encodeEntryWithLongName(name, short)

	slots, err := v.readDirectorySlots(dirCluster)
	if err != nil {
		return DirEntry{}, err
	}
	insertionIdx, cerr := v.findOrGrowFreeRun(dirCluster, slots, len(raws))
	if cerr != nil {
		return DirEntry{}, cerr
	}
	if werr := v.writeSlotsAt(dirCluster, insertionIdx, raws); werr != nil {
		return DirEntry{}, werr
	}

	entry := DirEntry{
		Name:       name,
		ShortEntry: short,
		dirCluster: dirCluster,
		entryIndex: insertionIdx + len(raws) - 1,
		longSlots:  len(raws) - 1,
	}
	return entry, nil
}

// buildShortEntry constructs a short directory entry for name inside
// dirCluster. When name needs a long entry, it generates a unique 8.3
// alias by scanning the directory's existing short names and probing
// "~1".."~99" then a perturbed hash tail until a free one is found
// (§4.6) — two long names truncating to the same 6-character basis must
// never produce the same on-disk short entry.
func (v *Volume) buildShortEntry(dirCluster uint32, name string, isDir bool) (ShortEntry, *Error) {
	var short ShortEntry
	for i := range short.Name {
		short.Name[i] = ' '
	}
	for i := range short.Ext {
		short.Ext[i] = ' '
	}
	base, ext, _ := strings.Cut(name, ".")
	if !needsLongName(name) {
		copy(short.Name[:], strings.ToUpper(base))
		copy(short.Ext[:], strings.ToUpper(ext))
	} else {
		existing, err := v.existingShortNames(dirCluster)
		if err != nil {
			return ShortEntry{}, err
		}
		alias, aerr := uniqueShortNameFromLong(name, existing)
		if aerr != nil {
			return ShortEntry{}, aerr
		}
		copy(short.Name[:], alias[0:8])
		copy(short.Ext[:], alias[8:11])
	}
	if isDir {
		short.Attr = attrDirectory
	} else {
		short.Attr = attrArchive
	}
	return short, nil
}

// existingShortNames collects the raw 11-byte short names already
// present in a directory, so a newly generated 8.3 alias can be checked
// for uniqueness before it is written.
func (v *Volume) existingShortNames(dirCluster uint32) (map[[11]byte]bool, *Error) {
	slots, err := v.readDirectorySlots(dirCluster)
	if err != nil {
		return nil, err
	}
	out := make(map[[11]byte]bool, len(slots))
	for _, s := range slots {
		if s.raw[0] == entryEndOfDirMarker {
			break
		}
		if s.raw[0] == entryFreeMarker {
			continue
		}
		if s.raw[11]&attrLongName == attrLongName {
			continue
		}
		var key [11]byte
		copy(key[:], s.raw[0:11])
		out[key] = true
	}
	return out, nil
}

// uniqueShortNameFromLong finds an 8.3 alias for name that collides with
// nothing in existing, trying the numeric tail "~1".."~99" first and
// then a perturbed hash tail (§4.6).
func uniqueShortNameFromLong(name string, existing map[[11]byte]bool) ([11]byte, *Error) {
	hash := simpleHash(name)
	for i := 0; i < 99; i++ {
		alias := shortNameFromLong(name, i, hash)
		if !existing[alias] {
			return alias, nil
		}
	}
	for probe := uint32(0); probe < 0xFFFF; probe++ {
		alias := shortNameFromLong(name, 99, hash+probe)
		if !existing[alias] {
			return alias, nil
		}
	}
	return [11]byte{}, errf(FileExists, "exhausted short-name alias space for %q", name)
}

func simpleHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (v *Volume) encodeEntryWithLongName(name string, short ShortEntry) [][]byte {
	var raws [][]byte
	if needsLongName(name) {
		name11 := append(append([]byte{}, short.Name[:]...), short.Ext[:]...)
		checksum := shortNameChecksum(name11)
		raws = append(raws, buildLongEntries(name, checksum)...)
	}
	raws = append(raws, encodeShortEntry(short))
	return raws
}

// findOrGrowFreeRun finds a run of `need` consecutive free/end slots in
// the existing directory, extending the directory's cluster chain by one
// cluster if no run is large enough.
func (v *Volume) findOrGrowFreeRun(dirCluster uint32, slots []slot, need int) (int, *Error) {
	run := 0
	for i, s := range slots {
		if s.raw[0] == entryFreeMarker || s.raw[0] == entryEndOfDirMarker {
			run++
			if run == need {
				return i - need + 1, nil
			}
		} else {
			run = 0
		}
	}
	// extend the chain with a fresh zeroed cluster.
	chain, err := v.ClusterChain(dirCluster)
	if err != nil {
		return 0, err
	}
	last := chain[len(chain)-1]
	newCluster, aerr := v.ExtendChain(last)
	if aerr != nil {
		return 0, aerr
	}
	zero := make([]byte, v.ClusterSizeBytes())
	if werr := v.writeCluster(newCluster, zero); werr != nil {
		return 0, werr
	}
	return len(slots), nil
}

// writeSlotsAt writes raws into the directory's slot stream starting at
// logical slot index startIdx, re-reading the chain since it may have
// just grown.
func (v *Volume) writeSlotsAt(dirCluster uint32, startIdx int, raws [][]byte) *Error {
	chain, err := v.ClusterChain(dirCluster)
	if err != nil {
		return err
	}
	entriesPerCluster := int(v.ClusterSizeBytes()) / dirEntrySize

	// group target slot indices by cluster, then patch each cluster once.
	touched := map[int][]byte{}
	for i, raw := range raws {
		slotIdx := startIdx + i
		clusterIdx := slotIdx / entriesPerCluster
		within := (slotIdx % entriesPerCluster) * dirEntrySize
		if clusterIdx >= len(chain) {
			return errf(IOError, "directory write beyond allocated chain")
		}
		cluster := chain[clusterIdx]
		buf, ok := touched[clusterIdx]
		if !ok {
			buf, err = v.readCluster(cluster)
			if err != nil {
				return err
			}
			touched[clusterIdx] = buf
		}
		copy(buf[within:within+dirEntrySize], raw)
	}
	for clusterIdx, buf := range touched {
		if werr := v.writeCluster(chain[clusterIdx], buf); werr != nil {
			return werr
		}
	}
	return nil
}

// Delete removes the directory entry at p, freeing its cluster chain
// first (§4.6).
func (v *Volume) Delete(p *Path) *Error {
	e, err := v.Resolve(p)
	if err != nil {
		return err
	}
	if e.ShortEntry.FirstCluster() >= 2 {
		if ferr := v.FreeChain(e.ShortEntry.FirstCluster()); ferr != nil {
			return ferr
		}
	}
	if derr := v.markSlotsFree(e); derr != nil {
		return derr
	}
	v.cache.Remove(e.ShortEntry.FirstCluster())
	return nil
}

func (v *Volume) markSlotsFree(e DirEntry) *Error {
	chain, err := v.ClusterChain(e.dirCluster)
	if err != nil {
		return err
	}
	entriesPerCluster := int(v.ClusterSizeBytes()) / dirEntrySize
	clusterIdx := e.entryIndex / entriesPerCluster
	if clusterIdx >= len(chain) {
		return errf(IOError, "delete: entry index out of range")
	}
	data, rerr := v.readCluster(chain[clusterIdx])
	if rerr != nil {
		return rerr
	}
	within := (e.entryIndex % entriesPerCluster) * dirEntrySize
	data[within] = entryFreeMarker

	for back := 1; back <= e.longSlots; back++ {
		idx := e.entryIndex - back
		if idx < 0 {
			break
		}
		ci := idx / entriesPerCluster
		if ci != clusterIdx {
			continue
		}
		off := (idx % entriesPerCluster) * dirEntrySize
		data[off] = entryFreeMarker
	}
	return v.writeCluster(chain[clusterIdx], data)
}

// Rename moves the entry at src to dst within the same volume, updating
// the cache under both paths (§4.6).
func (v *Volume) Rename(src, dst *Path) *Error {
	e, err := v.Resolve(src)
	if err != nil {
		return err
	}
	_, dstName, ok := dst.Parent()
	if !ok {
		return errf(IllegalPath, "cannot rename onto the root")
	}
	dstDirCluster, derr := v.OpenDirectory(mustParent(dst))
	if derr != nil {
		return derr
	}
	if _, _, exists := v.findInDirectory(dstDirCluster, dstName); exists {
		return errf(FileExists, "%q already exists", dstName)
	}

	newShort := e.ShortEntry
	renamed, serr := v.buildShortEntry(dstDirCluster, dstName, newShort.IsDirectory())
	if serr != nil {
		return serr
	}
	renamed.SetFirstCluster(newShort.FirstCluster())
	renamed.FileSize = newShort.FileSize

	raws := v.encodeEntryWithLongName(dstName, renamed)
	slots, serr := v.readDirectorySlots(dstDirCluster)
	if serr != nil {
		return serr
	}
	idx, cerr := v.findOrGrowFreeRun(dstDirCluster, slots, len(raws))
	if cerr != nil {
		return cerr
	}
	if werr := v.writeSlotsAt(dstDirCluster, idx, raws); werr != nil {
		return werr
	}
	if merr := v.markSlotsFree(e); merr != nil {
		return merr
	}

	v.cache.Remove(e.ShortEntry.FirstCluster())
	v.cache.Add(entryKind(renamed), renamed.FirstCluster(), dstDirCluster, dstName, dst.String())
	return nil
}

func entryKind(e ShortEntry) string {
	if e.IsDirectory() {
		return "dir"
	}
	return "file"
}

func mustParent(p *Path) *Path {
	parent, _, ok := p.Parent()
	if !ok {
		return &Path{IsRoot: true}
	}
	return parent
}
