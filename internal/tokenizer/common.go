// Package tokenizer extracts searchable elements from raw log data:
//   - Keywords: normalized search tokens for the inverted keyword field
//   - Logfmt: key=value pairs for the logfmt entry parser
package tokenizer

// IsLetter returns true if c is an ASCII letter (A-Z or a-z).
func IsLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// IsDigit returns true if c is an ASCII digit (0-9).
func IsDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// IsWhitespace returns true if c is ASCII whitespace.
func IsWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Lowercase converts ASCII uppercase to lowercase.
// Non-uppercase bytes are returned unchanged.
func Lowercase(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// ToLowerASCII converts a byte slice to lowercase ASCII string.
func ToLowerASCII(b []byte) string {
	result := make([]byte, len(b))
	for i, c := range b {
		result[i] = Lowercase(c)
	}
	return string(result)
}
