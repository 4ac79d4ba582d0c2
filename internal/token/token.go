// Package token implements the offline exchange: a session description
// folded into a compact printable string that fits in a QR code or a
// copy-paste buffer.
package token

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/beamlink/beamlink/internal/ice"
)

// ErrInvalidToken reports a token that cannot be decoded: bad base64,
// corrupt compressed payload, or a record that is not a description.
var ErrInvalidToken = errors.New("invalid token")

// record is the serialized form inside the token.
type record struct {
	Type string `msgpack:"type"`
	SDP  string `msgpack:"sdp"`
}

// Encode serializes a description to msgpack, compresses it with
// deflate, and wraps it in unpadded base64.
func Encode(desc ice.Description) (string, error) {
	raw, err := msgpack.Marshal(record{Type: desc.Kind, SDP: desc.SDP})
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}

	return base64.RawStdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. Round-trip is exact for all valid
// descriptions.
func Decode(tok string) (ice.Description, error) {
	compressed, err := base64.RawStdEncoding.DecodeString(tok)
	if err != nil {
		return ice.Description{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return ice.Description{}, fmt.Errorf("%w: corrupt payload: %v", ErrInvalidToken, err)
	}

	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return ice.Description{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if rec.Type != ice.KindOffer && rec.Type != ice.KindAnswer {
		return ice.Description{}, fmt.Errorf("%w: unknown description kind %q", ErrInvalidToken, rec.Type)
	}

	return ice.Description{Kind: rec.Type, SDP: rec.SDP}, nil
}
