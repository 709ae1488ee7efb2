// Package codec implements the byte-level encodings shared by the data,
// index and commit-log files: big-endian framing, CRC-16 header checksums
// and the per-block payload compressions.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"

	"github.com/MilliDB/milli/pkg/entry"
)

// Kind identifies the payload encoding of a block. The marker byte is part
// of the on-disk format.
type Kind uint8

const (
	// Raw stores entries as fixed 16-byte big-endian pairs.
	Raw Kind = 0
	// Delta stores a varint count, then zig-zag varint timestamp deltas
	// with raw value bytes. This is the writer default.
	Delta Kind = 1
	// Deflate stores the raw layout compressed with DEFLATE.
	Deflate Kind = 2
	// Snappy stores the raw layout compressed with snappy.
	Snappy Kind = 3
)

var (
	ErrUnknownCompression = errors.New("unknown compression kind")
	ErrEntryCountMismatch = errors.New("payload entry count mismatch")
)

// KindFromMarker validates an on-disk marker byte.
func KindFromMarker(b uint8) (Kind, error) {
	switch k := Kind(b); k {
	case Raw, Delta, Deflate, Snappy:
		return k, nil
	default:
		return 0, fmt.Errorf("%w: marker %d", ErrUnknownCompression, b)
	}
}

// KindFromName parses a configuration name such as "delta".
func KindFromName(name string) (Kind, error) {
	switch name {
	case "raw":
		return Raw, nil
	case "delta":
		return Delta, nil
	case "deflate":
		return Deflate, nil
	case "snappy":
		return Snappy, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// Marker returns the on-disk byte for the kind.
func (k Kind) Marker() uint8 { return uint8(k) }

func (k Kind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Delta:
		return "delta"
	case Deflate:
		return "deflate"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func encodeRaw(entries []entry.Entry) []byte {
	out := make([]byte, 0, len(entries)*16)
	var buf [16]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[0:8], uint64(e.Ts))
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(e.Value))
		out = append(out, buf[:]...)
	}
	return out
}

func decodeRaw(payload []byte, n int) ([]entry.Entry, error) {
	if len(payload) < n*16 {
		return nil, fmt.Errorf("raw payload truncated: %w", io.ErrUnexpectedEOF)
	}
	entries := make([]entry.Entry, 0, n)
	for i := 0; i < n; i++ {
		p := payload[i*16:]
		entries = append(entries, entry.Entry{
			Ts:    int64(binary.BigEndian.Uint64(p[0:8])),
			Value: math.Float64frombits(binary.BigEndian.Uint64(p[8:16])),
		})
	}
	return entries, nil
}

func encodeDelta(entries []entry.Entry) []byte {
	out := make([]byte, 0, len(entries)*10)
	out = AppendUvarint(out, uint64(len(entries)))

	var buf [8]byte
	last := entries[0].Ts
	out = AppendVarint(out, last)
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(entries[0].Value))
	out = append(out, buf[:]...)

	for _, e := range entries[1:] {
		out = AppendVarint(out, e.Ts-last)
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(e.Value))
		out = append(out, buf[:]...)
		last = e.Ts
	}
	return out
}

func decodeDelta(payload []byte, n int) ([]entry.Entry, error) {
	count, used, err := Uvarint(payload)
	if err != nil {
		return nil, err
	}
	if count != uint64(n) {
		return nil, fmt.Errorf("%w: header %d, payload %d", ErrEntryCountMismatch, n, count)
	}
	payload = payload[used:]

	entries := make([]entry.Entry, 0, n)
	var last int64
	for i := 0; i < n; i++ {
		d, used, err := Varint(payload)
		if err != nil {
			return nil, err
		}
		payload = payload[used:]
		if len(payload) < 8 {
			return nil, fmt.Errorf("delta payload truncated: %w", io.ErrUnexpectedEOF)
		}
		if i == 0 {
			last = d
		} else {
			last += d
		}
		entries = append(entries, entry.Entry{
			Ts:    last,
			Value: math.Float64frombits(binary.BigEndian.Uint64(payload[:8])),
		})
		payload = payload[8:]
	}
	return entries, nil
}

func encodeDeflate(entries []entry.Entry) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(encodeRaw(entries)); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDeflate(payload []byte, n int) ([]entry.Entry, error) {
	fr := flate.NewReader(bytes.NewReader(payload))
	defer fr.Close()
	raw := make([]byte, n*16)
	if _, err := io.ReadFull(fr, raw); err != nil {
		return nil, fmt.Errorf("deflate payload: %w", err)
	}
	return decodeRaw(raw, n)
}

// Encode serializes entries under the given kind. Entries must be non-empty
// and sorted by timestamp; the caller owns that invariant.
func Encode(k Kind, entries []entry.Entry) ([]byte, error) {
	switch k {
	case Raw:
		return encodeRaw(entries), nil
	case Delta:
		return encodeDelta(entries), nil
	case Deflate:
		return encodeDeflate(entries)
	case Snappy:
		return snappy.Encode(nil, encodeRaw(entries)), nil
	default:
		return nil, fmt.Errorf("%w: marker %d", ErrUnknownCompression, uint8(k))
	}
}

// Decode reverses Encode. n is the entry count from the block header.
func Decode(k Kind, payload []byte, n int) ([]entry.Entry, error) {
	switch k {
	case Raw:
		return decodeRaw(payload, n)
	case Delta:
		return decodeDelta(payload, n)
	case Deflate:
		return decodeDeflate(payload, n)
	case Snappy:
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("snappy payload: %w", err)
		}
		return decodeRaw(raw, n)
	default:
		return nil, fmt.Errorf("%w: marker %d", ErrUnknownCompression, uint8(k))
	}
}
