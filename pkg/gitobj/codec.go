package gitobj

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MalformedObjectError reports a loose-object envelope that cannot be
// decoded: missing NUL separator, unknown kind token, or a declared
// length that disagrees with the payload.
type MalformedObjectError struct {
	Reason string
}

func (e *MalformedObjectError) Error() string {
	return fmt.Sprintf("malformed object: %s", e.Reason)
}

// Encode serializes an Object to its loose form "kind len\0payload".
// Deterministic: the same object always yields identical bytes.
func Encode(obj *Object) []byte {
	header := fmt.Sprintf("%s %d\x00", obj.Kind, len(obj.Data))
	out := make([]byte, 0, len(header)+len(obj.Data))
	out = append(out, header...)
	out = append(out, obj.Data...)
	return out
}

// Decode parses loose-object bytes "kind len\0payload" into an Object.
func Decode(raw []byte) (*Object, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return nil, &MalformedObjectError{Reason: "no NUL separator"}
	}
	header := string(raw[:nulIdx])
	payload := raw[nulIdx+1:]

	kindStr, lenStr, ok := strings.Cut(header, " ")
	if !ok {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("invalid header %q", header)}
	}
	kind := Kind(kindStr)
	if !ValidKind(kind) {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	length, err := strconv.Atoi(lenStr)
	if err != nil {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("invalid length %q", lenStr)}
	}
	if length != len(payload) {
		return nil, &MalformedObjectError{
			Reason: fmt.Sprintf("length mismatch (header=%d, actual=%d)", length, len(payload)),
		}
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	return &Object{Kind: kind, Data: data}, nil
}

// HashRaw computes the SHA-1 of already-encoded loose-object bytes and
// returns it as a lowercase hex Hash.
func HashRaw(raw []byte) Hash {
	sum := sha1.Sum(raw)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashObject computes the hash of the envelope "kind len\0payload",
// mirroring git's object hashing.
func HashObject(kind Kind, data []byte) Hash {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(data))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// Verify reports whether raw loose-object bytes hash to want.
// Used on every fetched object before it touches the local store.
func Verify(want Hash, raw []byte) bool {
	return HashRaw(raw) == want
}

// ValidateHash checks that h is a 40-character lowercase hex string.
func ValidateHash(h Hash) error {
	s := string(h)
	if s == "" {
		return fmt.Errorf("hash is empty")
	}
	if len(s) != 40 {
		return fmt.Errorf("hash length %d, expected 40", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("hash contains non-hex characters: %w", err)
	}
	return nil
}
