// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

const handlePrefix = "blake3:"

// On-disk layout of a stored frame: one tag byte, the uncompressed
// length as a big-endian uint32, then the payload.
const (
	tagRaw byte = 0
	tagLZ4 byte = 1

	headerSize = 5
)

// MaxFrameSize bounds one stored frame.
const MaxFrameSize = 32 << 20

// Handle returns the content address of frame.
func Handle(frame []byte) string {
	sum := blake3.Sum256(frame)
	return handlePrefix + hex.EncodeToString(sum[:])
}

// ParseHandle validates a handle and returns its digest.
func ParseHandle(handle string) ([32]byte, error) {
	var digest [32]byte
	hexDigest, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok || len(hexDigest) != 64 {
		return digest, fmt.Errorf("evidence: malformed handle %q", handle)
	}
	if _, err := hex.Decode(digest[:], []byte(hexDigest)); err != nil {
		return digest, fmt.Errorf("evidence: malformed handle %q: %w", handle, err)
	}
	return digest, nil
}

// Store keeps frames under a root directory, fanned out by the first
// byte of the digest.
type Store struct {
	root   string
	logger *slog.Logger
}

func OpenStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("evidence: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("evidence: creating %s: %w", root, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) path(digest [32]byte) string {
	hexDigest := hex.EncodeToString(digest[:])
	return filepath.Join(s.root, hexDigest[:2], hexDigest[2:])
}

// Put stores frame and returns its handle. Storing the same bytes twice
// is a no-op.
func (s *Store) Put(frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", errors.New("evidence: empty frame")
	}
	if len(frame) > MaxFrameSize {
		return "", fmt.Errorf("evidence: frame of %d bytes exceeds %d", len(frame), MaxFrameSize)
	}
	handle := Handle(frame)
	digest, _ := ParseHandle(handle)
	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return handle, nil
	}

	encoded := encodeFrame(frame)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("evidence: %w", err)
	}
	temp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("evidence: %w", err)
	}
	defer os.Remove(temp.Name())
	if _, err := temp.Write(encoded); err != nil {
		temp.Close()
		return "", fmt.Errorf("evidence: writing %s: %w", handle, err)
	}
	if err := temp.Close(); err != nil {
		return "", fmt.Errorf("evidence: writing %s: %w", handle, err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return "", fmt.Errorf("evidence: storing %s: %w", handle, err)
	}
	s.logger.Debug("frame stored", "handle", handle, "bytes", len(frame), "stored_bytes", len(encoded))
	return handle, nil
}

// Get returns the frame for handle. A missing frame wraps
// integrity.ErrNotFound; a frame whose bytes no longer match its
// handle is an error.
func (s *Store) Get(handle string) ([]byte, error) {
	digest, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	encoded, err := os.ReadFile(s.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("evidence %s: %w", handle, integrity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	frame, err := decodeFrame(encoded)
	if err != nil {
		return nil, fmt.Errorf("evidence %s: %w", handle, err)
	}
	if blake3.Sum256(frame) != digest {
		return nil, fmt.Errorf("evidence %s: content does not match handle", handle)
	}
	return frame, nil
}

func (s *Store) Has(handle string) bool {
	digest, err := ParseHandle(handle)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.path(digest))
	return err == nil
}

func encodeFrame(frame []byte) []byte {
	destination := make([]byte, headerSize+lz4.CompressBlockBound(len(frame)))
	binary.BigEndian.PutUint32(destination[1:headerSize], uint32(len(frame)))

	written, err := lz4.CompressBlock(frame, destination[headerSize:], nil)
	// JPEG and PNG frames are usually incompressible; CompressBlock
	// reports that as zero bytes written.
	if err != nil || written == 0 || written >= len(frame) {
		destination = append(destination[:headerSize], frame...)
		destination[0] = tagRaw
		return destination
	}
	destination[0] = tagLZ4
	return destination[:headerSize+written]
}

func decodeFrame(encoded []byte) ([]byte, error) {
	if len(encoded) < headerSize {
		return nil, errors.New("truncated frame header")
	}
	size := int(binary.BigEndian.Uint32(encoded[1:headerSize]))
	payload := encoded[headerSize:]
	switch encoded[0] {
	case tagRaw:
		if len(payload) != size {
			return nil, fmt.Errorf("raw frame is %d bytes, header says %d", len(payload), size)
		}
		return payload, nil
	case tagLZ4:
		if size > MaxFrameSize {
			return nil, fmt.Errorf("frame header claims %d bytes", size)
		}
		frame := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, frame)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return frame, nil
	default:
		return nil, fmt.Errorf("unknown frame encoding %d", encoded[0])
	}
}
