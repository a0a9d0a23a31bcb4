// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package snapshot

import (
	"bytes"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// DecompressZstd decompresses a zstd-framed snapshot blob, for operators who
// archive snapshots with zstd compression out of band. The core §4.D decode
// path in GetValue/GetKeys never sees compressed bytes directly: open, below,
// decompresses a whole "<filename>.zst" sibling in memory before handing the
// decoder a plain byte stream.
func DecompressZstd(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// open returns a reader over the snapshot's bytes and a closer to release
// whatever resources it held. If the plain file named by dir/filename is
// absent but a "<filename>.zst" sibling exists, that archive is read whole
// and decompressed; the decoder itself never needs to know which path was
// taken.
func (r *Reader) open() (io.Reader, func(), error) {
	f, err := os.Open(r.path())
	if err == nil {
		return f, func() { f.Close() }, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}

	zf, zerr := os.Open(r.path() + ".zst")
	if zerr != nil {
		return nil, nil, err
	}
	defer zf.Close()

	compressed, rerr := io.ReadAll(zf)
	if rerr != nil {
		return nil, nil, rerr
	}
	raw, derr := DecompressZstd(compressed)
	if derr != nil {
		return nil, nil, derr
	}
	return bytes.NewReader(raw), func() {}, nil
}
