// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package snapshot implements a read-only sequential decoder for the
// on-disk point-in-time image used to answer GET/KEYS when the in-memory
// keyspace misses. It retains no index: every lookup reopens the file and
// streams through it from the start.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"time"
)

const (
	opAux          = 0xFA
	opSelectDB     = 0xFE
	opResizeDB     = 0xFB
	opExpireSec    = 0xFD
	opExpireMillis = 0xFC
	opEOF          = 0xFF

	typeString = 0x00
)

// errUnsupportedType is returned internally when a record's value type is
// anything other than string; callers treat it the same as "not found" for
// the key being sought, since only string values are supported.
var errUnsupportedType = fmt.Errorf("snapshot: unsupported value type")

// magic is the fixed 5-byte + 4 ASCII-version header every snapshot begins
// with, matching the empty-snapshot constant emitted by PSYNC.
var magic = []byte("REDIS0009")

// Reader locates and decodes a snapshot file. It holds only the directory
// and filename; every operation opens, streams, and closes the file fresh.
type Reader struct {
	dir      string
	filename string
}

// New returns a Reader bound to <dir>/<filename>.
func New(dir, filename string) *Reader {
	return &Reader{dir: dir, filename: filename}
}

func (r *Reader) path() string {
	return filepath.Join(r.dir, r.filename)
}

// record is one decoded key/value entry, with its pending expiry if any.
type record struct {
	key      string
	value    []byte
	expireMs int64 // 0 means no expiry
}

// GetValue streams through the snapshot looking for key, returning its
// string value. ok is false if the file is missing/unreadable, the key is
// absent, or the matching record has expired.
func (r *Reader) GetValue(key string) (value []byte, ok bool) {
	src, closeSrc, err := r.open()
	if err != nil {
		return nil, false
	}
	defer closeSrc()

	dec := newDecoder(src)
	if err := dec.readHeader(); err != nil {
		return nil, false
	}

	now := time.Now().UnixMilli()
	for {
		rec, err := dec.next()
		if err == io.EOF {
			return nil, false
		}
		if err != nil {
			return nil, false
		}
		if rec.key != key {
			continue
		}
		if rec.expireMs != 0 && now >= rec.expireMs {
			return nil, false
		}
		return rec.value, true
	}
}

// GetKeys streams through the snapshot and returns every non-expired key. A
// missing or unreadable file yields an empty, non-nil slice.
func (r *Reader) GetKeys() []string {
	keys := []string{}

	src, closeSrc, err := r.open()
	if err != nil {
		return keys
	}
	defer closeSrc()

	dec := newDecoder(src)
	if err := dec.readHeader(); err != nil {
		return keys
	}

	now := time.Now().UnixMilli()
	for {
		rec, err := dec.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if rec.expireMs != 0 && now >= rec.expireMs {
			continue
		}
		keys = append(keys, rec.key)
	}
	return keys
}

type decoder struct {
	r *bufio.Reader
}

func newDecoder(src io.Reader) *decoder {
	return &decoder{r: bufio.NewReader(src)}
}

func (d *decoder) readHeader() error {
	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(d.r, hdr); err != nil {
		return fmt.Errorf("snapshot: short header: %w", err)
	}
	if string(hdr) != string(magic) {
		return fmt.Errorf("snapshot: bad magic/version %q", hdr)
	}
	return nil
}

// next decodes records until it can return one typed value record, skipping
// AUX/SELECTDB/RESIZEDB opcodes and folding expiry prefixes into the
// following record. It returns io.EOF once the terminal 0xFF is reached.
func (d *decoder) next() (record, error) {
	var pendingExpire int64

	for {
		op, err := d.r.ReadByte()
		if err != nil {
			return record{}, io.EOF
		}

		switch op {
		case opEOF:
			return record{}, io.EOF

		case opAux:
			if _, err := d.readString(); err != nil {
				return record{}, err
			}
			if _, err := d.readString(); err != nil {
				return record{}, err
			}
			continue

		case opSelectDB:
			if _, err := d.readLength(); err != nil {
				return record{}, err
			}
			continue

		case opResizeDB:
			if _, err := d.readLength(); err != nil {
				return record{}, err
			}
			if _, err := d.readLength(); err != nil {
				return record{}, err
			}
			continue

		case opExpireSec:
			var buf [4]byte
			if _, err := io.ReadFull(d.r, buf[:]); err != nil {
				return record{}, err
			}
			pendingExpire = int64(binary.LittleEndian.Uint32(buf[:])) * 1000
			continue

		case opExpireMillis:
			var buf [8]byte
			if _, err := io.ReadFull(d.r, buf[:]); err != nil {
				return record{}, err
			}
			pendingExpire = int64(binary.LittleEndian.Uint64(buf[:]))
			continue

		default:
			if op != typeString {
				return record{}, errUnsupportedType
			}
			key, err := d.readString()
			if err != nil {
				return record{}, err
			}
			val, err := d.readString()
			if err != nil {
				return record{}, err
			}
			return record{key: string(key), value: val, expireMs: pendingExpire}, nil
		}
	}
}

// readLength decodes the length-encoding scheme described in §4.D: the top
// two bits of the first byte select 6-bit, 14-bit, 32-bit, or a specially
// encoded integer. LZF (0xC3) is not supported and is rejected.
func (d *decoder) readLength() (uint64, error) {
	first, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}

	switch (first >> 6) & 0x03 {
	case 0:
		return uint64(first & 0x3F), nil
	case 1:
		next, err := d.r.ReadByte()
		if err != nil {
			return 0, err
		}
		return (uint64(first&0x3F) << 8) | uint64(next), nil
	case 2:
		var buf [4]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:])), nil
	default: // case 3: special encoding, only valid via readString
		return 0, fmt.Errorf("snapshot: special length encoding used outside string context")
	}
}

// readString decodes a length-encoded string, including the special
// integer-as-string forms (0xC0/0xC1/0xC2).
func (d *decoder) readString() ([]byte, error) {
	first, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch (first >> 6) & 0x03 {
	case 0:
		n := int(first & 0x3F)
		return d.readN(n)
	case 1:
		next, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		n := (int(first&0x3F) << 8) | int(next)
		return d.readN(n)
	case 2:
		var buf [4]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(buf[:]))
		return d.readN(n)
	default:
		return d.readSpecialString(first & 0x3F)
	}
}

func (d *decoder) readSpecialString(code byte) ([]byte, error) {
	switch code {
	case 0: // 0xC0: int8
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d", int8(b))), nil
	case 1: // 0xC1: int16 BE
		var buf [2]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d", int16(binary.BigEndian.Uint16(buf[:])))), nil
	case 2: // 0xC2: int32 BE
		var buf [4]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d", int32(binary.BigEndian.Uint32(buf[:])))), nil
	case 3: // 0xC3: LZF, unsupported in this core
		return nil, fmt.Errorf("snapshot: LZF-compressed strings are not supported")
	default:
		return nil, fmt.Errorf("snapshot: unknown special string encoding 0x%02x", code)
	}
}

func (d *decoder) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EmptySnapshotPayload is the fixed 17-byte body PSYNC sends as the initial
// (always-empty) snapshot, per §6.
var EmptySnapshotPayload = []byte{
	0x52, 0x45, 0x44, 0x49, 0x53, 0x30, 0x30, 0x30, 0x39,
	0xFF, 0x09, 0x0A, 0x40, 0x3F, 0x72, 0x6E, 0x64,
}
