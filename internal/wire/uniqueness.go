package wire

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/cordial/internal/uniq"
)

// The notary protocol is a single request/response message pair carried as
// session data payloads: UniquenessRequest in, UniquenessResult out.

// EncodeUniquenessRequest serializes a uniqueness request for a session.
func EncodeUniquenessRequest(req uniq.Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode uniqueness request: %w", err)
	}
	return b, nil
}

// DecodeUniquenessRequest deserializes a uniqueness request payload.
func DecodeUniquenessRequest(b []byte) (uniq.Request, error) {
	var req uniq.Request
	if err := json.Unmarshal(b, &req); err != nil {
		return uniq.Request{}, fmt.Errorf("decode uniqueness request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return uniq.Request{}, fmt.Errorf("decode uniqueness request: %w", err)
	}
	return req, nil
}

// EncodeUniquenessResult serializes a uniqueness result for a session.
func EncodeUniquenessResult(res uniq.Result) ([]byte, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode uniqueness result: %w", err)
	}
	return b, nil
}

// DecodeUniquenessResult deserializes a uniqueness result payload.
func DecodeUniquenessResult(b []byte) (uniq.Result, error) {
	var res uniq.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return uniq.Result{}, fmt.Errorf("decode uniqueness result: %w", err)
	}
	switch res.Verdict {
	case uniq.VerdictCommitted, uniq.VerdictConflicted:
	default:
		return uniq.Result{}, fmt.Errorf("decode uniqueness result: unknown verdict %q", res.Verdict)
	}
	return res, nil
}
