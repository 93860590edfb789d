// Copyright 2022 Basalt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package spill persists evicted batches under memory pressure. Each
// spilled batch becomes one manifest row plus one lz4-compressed blob in a
// pebble store; pullers re-materialize transparently through the Ref.
package spill

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/basaltdb/basalt/pkg/common/baerr"
	"github.com/basaltdb/basalt/pkg/common/mpool"
	"github.com/basaltdb/basalt/pkg/container/batch"
	"github.com/basaltdb/basalt/pkg/container/types"
	"github.com/basaltdb/basalt/pkg/logutil"
	"github.com/cockroachdb/pebble"
	"github.com/pierrec/lz4/v4"
)

// formatVersion is bumped whenever the blob or manifest layout changes.
const formatVersion = uint32(1)

// Ref points at one spilled batch.
type Ref struct {
	URI      string
	Rows     int
	RawBytes int64
}

// Store is one query's spill space.
type Store struct {
	db  *pebble.DB
	dir string
	seq uint64
}

// Open creates or reopens the spill store under dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(dir, "basalt-spill"), &pebble.Options{})
	if err != nil {
		return nil, baerr.NewDiskExhausted(err.Error())
	}
	return &Store{db: db, dir: dir}, nil
}

func (s *Store) blobKey(uri string) []byte { return []byte("blob/" + uri) }

func (s *Store) metaKey(uri string) []byte { return []byte("meta/" + uri) }

// Write spills one batch and returns its ref. The caller still owns bat.
func (s *Store) Write(bat *batch.Batch) (*Ref, error) {
	raw, err := bat.MarshalBinary()
	if err != nil {
		return nil, err
	}

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil {
		return nil, baerr.NewInternal("lz4 compress: %v", err)
	}
	compressed := dst[:n]
	isCompressed := uint32(1)
	if n == 0 {
		// incompressible, store raw
		compressed = raw
		isCompressed = 0
	}

	uri := fmt.Sprintf("%08x", atomic.AddUint64(&s.seq, 1))
	ref := &Ref{URI: uri, Rows: bat.RowCount(), RawBytes: int64(len(raw))}

	meta := make([]byte, 0, 32)
	meta = types.EncodeUint32(meta, formatVersion)
	meta = types.EncodeUint32(meta, isCompressed)
	meta = types.EncodeUint64(meta, uint64(ref.Rows))
	meta = types.EncodeUint64(meta, uint64(ref.RawBytes))
	meta = types.EncodeUint64(meta, uint64(len(compressed)))

	if err := s.db.Set(s.metaKey(uri), meta, pebble.Sync); err != nil {
		return nil, baerr.NewDiskExhausted(err.Error())
	}
	if err := s.db.Set(s.blobKey(uri), compressed, pebble.Sync); err != nil {
		return nil, baerr.NewDiskExhausted(err.Error())
	}
	logutil.Debugf("spilled batch %s: %d rows, %d -> %d bytes",
		uri, ref.Rows, len(raw), len(compressed))
	return ref, nil
}

// Read re-materializes a spilled batch and removes it from the store.
func (s *Store) Read(ref *Ref, mp *mpool.MPool) (*batch.Batch, error) {
	meta, closer, err := s.db.Get(s.metaKey(ref.URI))
	if err != nil {
		return nil, baerr.NewInternal("spill manifest %s missing: %v", ref.URI, err)
	}
	version, meta := types.DecodeUint32(meta)
	isCompressed, meta := types.DecodeUint32(meta)
	_, meta = types.DecodeUint64(meta) // rows
	rawBytes, meta := types.DecodeUint64(meta)
	_, _ = types.DecodeUint64(meta) // compressed length
	_ = closer.Close()
	if version != formatVersion {
		return nil, baerr.NewInternal("spill format version %d, want %d", version, formatVersion)
	}

	blob, closer, err := s.db.Get(s.blobKey(ref.URI))
	if err != nil {
		return nil, baerr.NewInternal("spill blob %s missing: %v", ref.URI, err)
	}
	raw := blob
	if isCompressed != 0 {
		raw = make([]byte, rawBytes)
		if _, err := lz4.UncompressBlock(blob, raw); err != nil {
			_ = closer.Close()
			return nil, baerr.NewInternal("lz4 uncompress %s: %v", ref.URI, err)
		}
	}

	bat := batch.NewWithSize(0)
	err = bat.UnmarshalBinary(raw, mp)
	_ = closer.Close()
	if err != nil {
		return nil, err
	}
	_ = s.Remove(ref)
	return bat, nil
}

// Remove drops a spilled batch without reading it.
func (s *Store) Remove(ref *Ref) error {
	if err := s.db.Delete(s.metaKey(ref.URI), pebble.Sync); err != nil {
		return err
	}
	return s.db.Delete(s.blobKey(ref.URI), pebble.Sync)
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
