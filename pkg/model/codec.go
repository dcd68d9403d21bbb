package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxRequestBytes caps what a worker will read from its input channel
const MaxRequestBytes = 64 << 20

// EncodeRequest serializes a request for the worker's input channel
func EncodeRequest(req *RenderRequest) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, Wrap(KindInput, "failed to encode request", err)
	}
	return b, nil
}

// DecodeRequest reads the whole input channel and decodes one request.
// Malformed or incomplete requests are InputErrors.
func DecodeRequest(r io.Reader) (*RenderRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxRequestBytes+1))
	if err != nil {
		return nil, Wrap(KindInput, "failed to read request", err)
	}
	if len(raw) > MaxRequestBytes {
		return nil, Errorf(KindInput, "request exceeds %d bytes", MaxRequestBytes)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, Errorf(KindInput, "no request on input channel")
	}

	var req RenderRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&req); err != nil {
		return nil, Wrap(KindInput, "malformed request", err)
	}
	if dec.More() {
		return nil, Errorf(KindInput, "trailing data after request")
	}
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// String describes a request for logs without dumping its payload
func (r *RenderRequest) String() string {
	switch r.Mode {
	case ModeData:
		return fmt.Sprintf("data(%d points, %dx%d)", len(r.Data), r.Width, r.Height)
	case ModeMarkup:
		return fmt.Sprintf("markup(%d bytes, %dx%d)", len(r.Markup), r.Width, r.Height)
	default:
		return fmt.Sprintf("%s(%dx%d)", r.Mode, r.Width, r.Height)
	}
}
