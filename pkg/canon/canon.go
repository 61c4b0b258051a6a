// Package canon implements the canonical encoding and hash-chain
// arithmetic for kernel events (component C1 of the kernel
// specification).
//
// Canonical form, resolving the specification's open question on
// number precision, Unicode normalization, and null-vs-absent:
//
//   - Mapping keys are sorted byte-wise, lexicographically.
//   - Strings must already be valid UTF-8; the encoder does not
//     renormalize Unicode, it rejects input that is not valid UTF-8.
//     Callers are responsible for NFC-normalizing strings before they
//     enter a payload (typically at the transport/adapter boundary,
//     out of scope for this package).
//   - Numbers that require exact decimal text (money, counts beyond
//     float64 precision) must be supplied as json.Number; its
//     original digit sequence is emitted unchanged, so the encoder
//     never rounds. Native int/int64/uint64/float64 are also accepted
//     for convenience and are formatted with Go's shortest
//     round-trip-exact representation.
//   - A field set to nil encodes as the single byte 0x00 tagged with
//     'n'; an absent key is simply never written. The two are
//     distinguishable by the caller (Encode a map with vs. without
//     the key), never conflated by this package.
//   - The encoding is a fixed, tagged, length-prefixed format — not
//     JSON — so it is immune to encoding/json's unspecified map
//     ordering and float formatting.
//
// No third-party library in the retrieval pack offers a canonical/
// deterministic payload encoder, and correctness here is safety
// critical (a wrong canonical form silently breaks every downstream
// hash), so this component is intentionally built on the standard
// library only, under full test control, rather than adopting an
// unvetted dependency.
package canon

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"
)

// ErrUnsupportedValue is returned when Encode encounters a value kind
// it cannot canonicalize.
var ErrUnsupportedValue = errors.New("canon: unsupported value kind")

// ErrInvalidUTF8 is returned when a string value is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("canon: string is not valid UTF-8")

// Number is the interface implemented by json.Number and satisfied by
// any type whose String method returns its exact decimal digits.
type Number interface {
	String() string
}

const (
	tagNull   byte = 'n'
	tagFalse  byte = 'F'
	tagTrue   byte = 'T'
	tagInt    byte = 'i'
	tagFloat  byte = 'f'
	tagString byte = 's'
	tagList   byte = 'l'
	tagMap    byte = 'm'
)

// Encode produces the byte-stable canonical encoding of v. Supported
// kinds: nil, bool, int/int64/uint/uint64, float64, a Number
// (typically json.Number), string, []any, map[string]any.
func Encode(v any) ([]byte, error) {
	var buf []byte
	out, err := encodeValue(buf, v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func encodeValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if val {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case int:
		return encodeIntText(buf, strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return encodeIntText(buf, strconv.FormatInt(val, 10)), nil
	case uint64:
		return encodeIntText(buf, strconv.FormatUint(val, 10)), nil
	case float64:
		return encodeFloatText(buf, strconv.FormatFloat(val, 'g', -1, 64)), nil
	case Number:
		return encodeFloatText(buf, val.String()), nil
	case string:
		return encodeString(buf, val)
	case []any:
		return encodeList(buf, val)
	case map[string]any:
		return encodeMap(buf, val)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func encodeIntText(buf []byte, text string) []byte {
	buf = append(buf, tagInt)
	return appendLengthPrefixed(buf, text)
}

func encodeFloatText(buf []byte, text string) []byte {
	buf = append(buf, tagFloat)
	return appendLengthPrefixed(buf, text)
}

func encodeString(buf []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, ErrInvalidUTF8
	}
	buf = append(buf, tagString)
	return appendLengthPrefixed(buf, s), nil
}

func encodeList(buf []byte, items []any) ([]byte, error) {
	buf = append(buf, tagList)
	buf = appendUvarint(buf, uint64(len(items)))
	var err error
	for _, item := range items {
		buf, err = encodeValue(buf, item)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeMap(buf []byte, m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, tagMap)
	buf = appendUvarint(buf, uint64(len(keys)))
	var err error
	for _, k := range keys {
		buf, err = encodeString(buf, k)
		if err != nil {
			return nil, err
		}
		buf, err = encodeValue(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendLengthPrefixed(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendUvarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	written := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:written]...)
}

// StableHeader carries the event header fields that participate in
// the hash but are not part of the domain payload.
type StableHeader struct {
	EventID       string
	EventType     string
	EventVersion  uint32
	BusinessID    string
	BranchID      string
	CreatedAtRFC3339 string
	CorrelationID string
	CausationID   string
	CorrectionOf  string
	Status        string
}

func (h StableHeader) asMap() map[string]any {
	return map[string]any{
		"event_id":           h.EventID,
		"event_type":         h.EventType,
		"event_version":      int64(h.EventVersion),
		"business_id":        h.BusinessID,
		"branch_id":          h.BranchID,
		"created_at":         h.CreatedAtRFC3339,
		"correlation_id":     h.CorrelationID,
		"causation_id":       h.CausationID,
		"correction_of":      h.CorrectionOf,
		"status":             h.Status,
	}
}

const hashSeparator = "\x1f"

// Hash computes event_hash = SHA256(canonical(payload) || sep ||
// previous_hash || sep || canonical(stable_header)). previousHash must
// be the literal Genesis sentinel for the first event of a business.
func Hash(payload map[string]any, previousHash string, header StableHeader) (string, error) {
	payloadBytes, err := Encode(payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrUnsupportedValue, err)
	}
	headerBytes, err := Encode(header.asMap())
	if err != nil {
		return "", fmt.Errorf("%w: header: %v", ErrUnsupportedValue, err)
	}

	h := sha256.New()
	h.Write(payloadBytes)
	h.Write([]byte(hashSeparator))
	h.Write([]byte(previousHash))
	h.Write([]byte(hashSeparator))
	h.Write(headerBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the hash for payload/previousHash/header and
// compares it against want. Returns nil if they match.
func Verify(payload map[string]any, previousHash string, header StableHeader, want string) error {
	got, err := Hash(payload, previousHash, header)
	if err != nil {
		return err
	}
	if got != want {
		return ErrHashMismatch
	}
	return nil
}

// ErrHashMismatch is returned by Verify when the recomputed hash does
// not match the stored hash.
var ErrHashMismatch = errors.New("canon: hash mismatch")
