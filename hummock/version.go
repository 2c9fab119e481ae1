// Package hummock tracks the file sets of the storage engine. Each committed
// epoch produces a new immutable Version; compaction rewrites files between
// levels and readers pin the version they read at.
package hummock

import (
	"bytes"
	"errors"
	"sort"

	"github.com/tidwall/btree"
)

var (
	ErrVersionNotFound      = errors.New("hummock: version not found")
	ErrStaleEpoch           = errors.New("hummock: epoch is not newer than the committed epoch")
	ErrPinNotFound          = errors.New("hummock: pin not found")
	ErrTaskNotFound         = errors.New("hummock: compaction task not found")
	ErrTaskNotAssigned      = errors.New("hummock: compaction task is not assigned to this worker")
	ErrCompactionTaskFailed = errors.New("hummock: compaction task failed")
	ErrWorkerBusy           = errors.New("hummock: worker has reached its task limit")
	ErrInvalidLevel         = errors.New("hummock: invalid level")
)

// KeyRange is an inclusive user key range
type KeyRange struct {
	Left  []byte `msgpack:"left" json:"left"`
	Right []byte `msgpack:"right" json:"right"`
}

// Overlaps reports whether two ranges share a key
func (r KeyRange) Overlaps(o KeyRange) bool {
	return bytes.Compare(r.Left, o.Right) <= 0 && bytes.Compare(o.Left, r.Right) <= 0
}

// SstableInfo describes one immutable sorted file
type SstableInfo struct {
	ID       uint64   `msgpack:"id" json:"id"`
	KeyRange KeyRange `msgpack:"key_range" json:"key_range"`
	FileSize uint64   `msgpack:"file_size" json:"file_size"`
	MinEpoch uint64   `msgpack:"min_epoch" json:"min_epoch"`
	MaxEpoch uint64   `msgpack:"max_epoch" json:"max_epoch"`
	TableIDs []uint64 `msgpack:"table_ids,omitempty" json:"table_ids,omitempty"`
}

// Level is one level of the LSM tree. L0 files may overlap and are kept
// newest first; files of deeper levels are disjoint and sorted by key.
type Level struct {
	Index      int           `msgpack:"index" json:"index"`
	Files      []SstableInfo `msgpack:"files" json:"files"`
	TotalBytes uint64        `msgpack:"total_bytes" json:"total_bytes"`
}

// Version is an immutable snapshot of the file set
type Version struct {
	ID                uint64  `msgpack:"id" json:"id"`
	MaxCommittedEpoch uint64  `msgpack:"max_committed_epoch" json:"max_committed_epoch"`
	Levels            []Level `msgpack:"levels" json:"levels"`
}

func newVersion(maxLevels int) *Version {
	v := &Version{Levels: make([]Level, maxLevels)}
	for i := range v.Levels {
		v.Levels[i].Index = i
	}
	return v
}

// Clone deep-copies the level slices. SstableInfo values are shared since
// they are never modified after commit.
func (v *Version) Clone() *Version {
	out := &Version{ID: v.ID, MaxCommittedEpoch: v.MaxCommittedEpoch, Levels: make([]Level, len(v.Levels))}
	for i, l := range v.Levels {
		l.Files = append([]SstableInfo(nil), l.Files...)
		out.Levels[i] = l
	}
	return out
}

// FileIDs returns the ids of every file in the version
func (v *Version) FileIDs() map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, l := range v.Levels {
		for _, f := range l.Files {
			out[f.ID] = struct{}{}
		}
	}
	return out
}

// FileCount returns the number of files across all levels
func (v *Version) FileCount() int {
	n := 0
	for _, l := range v.Levels {
		n += len(l.Files)
	}
	return n
}

// addL0 puts freshly flushed files on top of L0
func (v *Version) addL0(files []SstableInfo) {
	l0 := &v.Levels[0]
	fresh := append([]SstableInfo(nil), files...)
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID > fresh[j].ID })
	l0.Files = append(fresh, l0.Files...)
	for _, f := range files {
		l0.TotalBytes += f.FileSize
	}
}

// applyCompaction removes inputs from every level and merges outputs into
// the target level
func (v *Version) applyCompaction(inputs map[uint64]struct{}, target int, outputs []SstableInfo) {
	for i := range v.Levels {
		l := &v.Levels[i]
		kept := l.Files[:0:0]
		for _, f := range l.Files {
			if _, gone := inputs[f.ID]; gone {
				l.TotalBytes -= f.FileSize
				continue
			}
			kept = append(kept, f)
		}
		l.Files = kept
	}

	l := &v.Levels[target]
	l.Files = append(l.Files, outputs...)
	for _, f := range outputs {
		l.TotalBytes += f.FileSize
	}
	if target > 0 {
		sort.Slice(l.Files, func(i, j int) bool {
			return bytes.Compare(l.Files[i].KeyRange.Left, l.Files[j].KeyRange.Left) < 0
		})
	}
}

// levelIndex orders the files of one non-zero level by left key
type levelIndex struct {
	tree *btree.BTreeG[SstableInfo]
}

func byLeftKey(a, b SstableInfo) bool {
	if c := bytes.Compare(a.KeyRange.Left, b.KeyRange.Left); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

func buildIndexes(v *Version) []*levelIndex {
	out := make([]*levelIndex, len(v.Levels))
	for i, l := range v.Levels {
		idx := &levelIndex{tree: btree.NewBTreeG[SstableInfo](byLeftKey)}
		for _, f := range l.Files {
			idx.tree.Set(f)
		}
		out[i] = idx
	}
	return out
}

// overlapping returns files whose range intersects r. Files of a non-zero
// level are disjoint, so the scan starts from the last file left of r.
func (idx *levelIndex) overlapping(r KeyRange) []SstableInfo {
	var out []SstableInfo
	var prev *SstableInfo
	idx.tree.Descend(SstableInfo{KeyRange: KeyRange{Left: r.Left}}, func(f SstableInfo) bool {
		prev = &f
		return false
	})
	if prev != nil && prev.KeyRange.Overlaps(r) {
		out = append(out, *prev)
	}
	idx.tree.Ascend(SstableInfo{KeyRange: KeyRange{Left: r.Left}}, func(f SstableInfo) bool {
		if bytes.Compare(f.KeyRange.Left, r.Right) > 0 {
			return false
		}
		if prev == nil || f.ID != prev.ID {
			out = append(out, f)
		}
		return true
	})
	return out
}

// coverage is the union key range of files
func coverage(files []SstableInfo) KeyRange {
	var r KeyRange
	for i, f := range files {
		if i == 0 || bytes.Compare(f.KeyRange.Left, r.Left) < 0 {
			r.Left = f.KeyRange.Left
		}
		if i == 0 || bytes.Compare(f.KeyRange.Right, r.Right) > 0 {
			r.Right = f.KeyRange.Right
		}
	}
	return r
}
