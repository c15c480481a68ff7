package store

import (
	"strings"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

// Separator joins key segments in the serialized form of a Key.
const Separator = "::"

// Key is an ordered, non-empty sequence of segments. Segments may not contain
// Separator and may not begin or end with ':' so that the joined form splits
// back into the same segments and prefix range scans stay exact.
type Key []string

// NewKey validates segments and returns them as a Key.
func NewKey(segments ...string) (Key, error) {
	k := Key(append([]string(nil), segments...))
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// MustKey is like NewKey but panics on invalid segments. Use it for
// compile-time constant keys only.
func MustKey(segments ...string) Key {
	k, err := NewKey(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseKey splits a serialized key back into segments.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "key must not be empty")
	}
	return NewKey(strings.Split(s, Separator)...)
}

// Validate reports whether k can be stored.
func (k Key) Validate() error {
	if len(k) == 0 {
		return errors.New(errors.ErrorTypeValidation, "key must have at least one segment")
	}
	for i, seg := range k {
		if strings.Contains(seg, Separator) {
			return errors.Newf(errors.ErrorTypeValidation,
				"key segment %d (%q) must not contain the reserved separator %q", i, seg, Separator).
				WithDetail("segment", seg)
		}
		if strings.HasPrefix(seg, ":") || strings.HasSuffix(seg, ":") {
			return errors.Newf(errors.ErrorTypeValidation,
				"key segment %d (%q) must not begin or end with ':'", i, seg).
				WithDetail("segment", seg)
		}
	}
	return nil
}

// String returns the serialized form.
func (k Key) String() string {
	return strings.Join(k, Separator)
}

// Append returns a new key with extra segments, validating them.
func (k Key) Append(segments ...string) (Key, error) {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	out = append(out, segments...)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal reports whether both keys have the same segments.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether k equals prefix or is nested under it.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// TrimPrefix removes prefix from k. It returns k unchanged if k is not under prefix
// or if nothing would remain.
func (k Key) TrimPrefix(prefix Key) Key {
	if !k.HasPrefix(prefix) || len(k) == len(prefix) {
		return k
	}
	return append(Key(nil), k[len(prefix):]...)
}

// prefixRange returns the serialized prefix and the half-open range [lower, upper)
// covering every key nested under it. ';' sorts directly after ':'.
func prefixRange(prefix Key) (exact, lower, upper string) {
	exact = prefix.String()
	return exact, exact + Separator, exact + ":;"
}
