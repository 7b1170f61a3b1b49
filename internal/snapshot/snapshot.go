// Package snapshot encodes coordinator state for the key-value store:
// deterministic CBOR, zstd-compressed, optionally sealed with a vault
// key. The format is self-describing via a small header so a restore
// can reject blobs it cannot read.
package snapshot

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/foreman-dev/foreman/internal/vault"
)

// magic identifies a foreman snapshot blob.
var magic = []byte("FMSN")

const (
	formatVersion = 1

	flagEncrypted = 1 << 0
)

// encMode uses Core Deterministic Encoding (RFC 8949) so the same
// logical state always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed targets decode maps as map[string]any instead of
		// the CBOR default map[any]any, which nothing downstream can
		// consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// Codec turns state into storable blobs and back. A nil vault stores
// compressed plaintext; a non-nil vault seals every blob.
type Codec struct {
	vault *vault.Vault
}

// NewCodec returns a Codec. Pass nil for unencrypted snapshots.
func NewCodec(v *vault.Vault) *Codec {
	return &Codec{vault: v}
}

// Encode serializes v into a snapshot blob.
func (c *Codec) Encode(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	payload := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	var flags byte
	if c.vault != nil {
		flags |= flagEncrypted
		payload, err = c.vault.Seal(payload)
		if err != nil {
			return nil, fmt.Errorf("seal snapshot: %w", err)
		}
	}

	blob := make([]byte, 0, len(magic)+2+len(payload))
	blob = append(blob, magic...)
	blob = append(blob, formatVersion, flags)
	blob = append(blob, payload...)
	return blob, nil
}

// Decode deserializes a snapshot blob into v.
func (c *Codec) Decode(blob []byte, v any) error {
	if len(blob) < len(magic)+2 {
		return fmt.Errorf("snapshot too short: %d bytes", len(blob))
	}
	if !bytes.Equal(blob[:len(magic)], magic) {
		return fmt.Errorf("not a snapshot blob")
	}

	version := blob[len(magic)]
	if version != formatVersion {
		return fmt.Errorf("unsupported snapshot version %d", version)
	}

	flags := blob[len(magic)+1]
	payload := blob[len(magic)+2:]

	if flags&flagEncrypted != 0 {
		if c.vault == nil {
			return fmt.Errorf("snapshot is encrypted and no vault is configured")
		}
		opened, err := c.vault.Open(payload)
		if err != nil {
			return fmt.Errorf("open snapshot: %w", err)
		}
		payload = opened
	}

	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}

	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return nil
}
