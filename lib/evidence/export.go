// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/vigil-proctoring/vigil/lib/codec"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// BundleVersion is written into every bundle.
const BundleVersion = 1

// Bundle is the exported record of one session.
type Bundle struct {
	Version    int       `cbor:"version"`
	ExportedAt time.Time `cbor:"exported_at"`
	SessionID  string    `cbor:"session_id"`

	// Session is the session record, encoded by its owner.
	Session codec.RawMessage `cbor:"session,omitempty"`

	Events []integrity.Event    `cbor:"events"`
	Chain  eventlog.ChainReport `cbor:"chain"`

	// Frames maps evidence handles to frame bytes, when included.
	Frames map[string][]byte `cbor:"frames,omitempty"`
}

// ageMagic opens every binary age file.
var ageMagic = []byte("age-encryption.org/v1\n")

// ExportOptions selects the envelope.
type ExportOptions struct {
	// Recipients are age X25519 public keys (age1...). With none the
	// bundle is compressed but not encrypted.
	Recipients []string
}

// Export writes bundle to w as CBOR, then zstd, then age when
// recipients are given.
func Export(w io.Writer, bundle Bundle, options ExportOptions) error {
	bundle.Version = BundleVersion

	recipients := make([]age.Recipient, 0, len(options.Recipients))
	for _, key := range options.Recipients {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("evidence: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	out := w
	var sealer io.WriteCloser
	if len(recipients) > 0 {
		var err error
		sealer, err = age.Encrypt(w, recipients...)
		if err != nil {
			return fmt.Errorf("evidence: creating age encryptor: %w", err)
		}
		out = sealer
	}

	compressor, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("evidence: creating zstd encoder: %w", err)
	}
	if err := codec.NewEncoder(compressor).Encode(bundle); err != nil {
		compressor.Close()
		return fmt.Errorf("evidence: encoding bundle: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("evidence: finishing compression: %w", err)
	}
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return fmt.Errorf("evidence: finalizing age encryption: %w", err)
		}
	}
	return nil
}

// ReadBundle reverses Export. identity is an AGE-SECRET-KEY-1... string
// and is required only for sealed bundles.
func ReadBundle(r io.Reader, identity string) (Bundle, error) {
	buffered := bufio.NewReader(r)
	head, _ := buffered.Peek(len(ageMagic))

	var in io.Reader = buffered
	if bytes.Equal(head, ageMagic) {
		if identity == "" {
			return Bundle{}, errors.New("evidence: bundle is encrypted and no identity was given")
		}
		parsed, err := age.ParseX25519Identity(identity)
		if err != nil {
			return Bundle{}, fmt.Errorf("evidence: parsing identity: %w", err)
		}
		in, err = age.Decrypt(buffered, parsed)
		if err != nil {
			return Bundle{}, fmt.Errorf("evidence: decrypting bundle: %w", err)
		}
	}

	decompressor, err := zstd.NewReader(in)
	if err != nil {
		return Bundle{}, fmt.Errorf("evidence: creating zstd decoder: %w", err)
	}
	defer decompressor.Close()

	var bundle Bundle
	if err := codec.NewDecoder(decompressor).Decode(&bundle); err != nil {
		return Bundle{}, fmt.Errorf("evidence: decoding bundle: %w", err)
	}
	if bundle.Version != BundleVersion {
		return Bundle{}, fmt.Errorf("evidence: unsupported bundle version %d", bundle.Version)
	}
	return bundle, nil
}
