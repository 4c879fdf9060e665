// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfsession

import (
	"fmt"
	"syscall"
	"time"

	"github.com/karlseguin/ccache/v3"

	buildidpkg "github.com/adamse/perf-data-converter/internal/buildid"
	"github.com/adamse/perf-data-converter/internal/plog"
	"github.com/adamse/perf-data-converter/perffile"
)

// buildIDResolver reconciles a DSO's build-ID via previously-seen
// build-ID events, an inline MMAP2 build-ID, or (if enabled)
// mount-namespace-aware filesystem read-back, per spec.md §4.5's
// build-ID reconciliation algorithm.
type buildIDResolver struct {
	readMissing bool
	known       map[string][]byte // filename -> build ID
	cache       *ccache.Cache[[]byte]
}

func newBuildIDResolver(readMissing bool) *buildIDResolver {
	return &buildIDResolver{
		readMissing: readMissing,
		known:       make(map[string][]byte),
		cache:       ccache.New[[]byte](ccache.Configure[[]byte]()),
	}
}

func (b *buildIDResolver) noteBuildID(filename string, id []byte) {
	b.known[filename] = id
}

// resolve returns the build ID for the file backing r, consulting (in
// order) r's own inline build-ID, previously-seen build-ID events, and
// finally the filesystem.
func (b *buildIDResolver) resolve(r *perffile.RecordMmap) []byte {
	if len(r.BuildID) > 0 {
		// An inline build-ID always wins over an earlier known one.
		b.known[r.Filename] = r.BuildID
		return r.BuildID
	}
	if id, ok := b.known[r.Filename]; ok {
		return id
	}
	if !b.readMissing || r.Filename == "" {
		return nil
	}
	id := b.readFromDisk(r)
	if id != nil {
		b.known[r.Filename] = id
	}
	return id
}

// readFromDisk tries, in order, the mapped file as seen from the
// sampled thread's mount namespace, the sampled process's mount
// namespace, and finally the host's own view of the path. A candidate
// is rejected when its (major, minor, inode) is known from r and
// doesn't match, since a namespace can remount an unrelated file at
// the same path.
func (b *buildIDResolver) readFromDisk(r *perffile.RecordMmap) []byte {
	if r.Major == 0 && r.Minor == 0 && r.Ino == 0 {
		// No device/inode to key the cache on.
		id, _ := b.readFromDiskUncached(r)
		return id
	}
	key := fmt.Sprintf("%d/%d/%d/%d", r.Major, r.Minor, r.Ino, r.InoGeneration)
	item, err := b.cache.Fetch(key, time.Hour, func() ([]byte, error) {
		return b.readFromDiskUncached(r)
	})
	if err != nil || item.Value() == nil {
		return nil
	}
	return item.Value()
}

func (b *buildIDResolver) readFromDiskUncached(r *perffile.RecordMmap) ([]byte, error) {
	candidates := []string{
		fmt.Sprintf("/proc/%d/root%s", r.TID, r.Filename),
		fmt.Sprintf("/proc/%d/root%s", r.PID, r.Filename),
		r.Filename,
	}
	haveDevIno := r.Major != 0 || r.Minor != 0 || r.Ino != 0
	for _, path := range candidates {
		if haveDevIno {
			major, minor, ino, err := statDevIno(path)
			if err == nil && (major != r.Major || minor != r.Minor || ino != r.Ino) {
				continue // known device/inode doesn't match this candidate
			}
		}
		id, err := buildidpkg.ReadFromPath(path)
		if err != nil {
			plog.Debugf("perfsession: build-id read-back failed for %s: %v", path, err)
			continue
		}
		return id, nil
	}
	return nil, buildidpkg.ErrNoBuildID
}

func statDevIno(path string) (major, minor uint32, ino uint64, err error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, 0, 0, err
	}
	dev := uint64(st.Dev)
	major = uint32((dev>>8)&0xfff) | uint32((dev>>32)&0xfffff000)
	minor = uint32(dev&0xff) | uint32((dev>>12)&0xffffff00)
	return major, minor, uint64(st.Ino), nil
}
