package features

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature builds the stable mining key for a request: a sha256 over the
// method, the normalized path shape, and the detected category flags.
// Literal payload values (ids, injected strings) are normalized away so
// that attacks of the same shape collapse onto one key.
func Signature(method, path string, counts [4]int) string {
	var flags []string
	order := []Category{CategorySQLInjection, CategoryXSS, CategoryPathTraversal, CategoryCommandInjection}
	for i, cat := range order {
		if counts[i] > 0 {
			flags = append(flags, string(cat))
		}
	}
	if len(flags) == 0 {
		flags = []string{string(CategoryGeneric)}
	}

	parts := []string{
		strings.ToUpper(method),
		NormalizePath(path),
		strings.Join(flags, ","),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// NormalizePath collapses variable path segments (numeric ids, long hex
// tokens, UUIDs) into placeholders so that /users/17 and /users/42 share
// one shape.
func NormalizePath(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		switch {
		case seg == "":
		case isNumeric(seg):
			segs[i] = ":n"
		case isUUID(seg):
			segs[i] = ":u"
		case len(seg) >= 16 && isHex(seg):
			segs[i] = ":h"
		}
	}
	return strings.Join(segs, "/")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return len(s) > 0
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range []byte(s) {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
