package tokenizer

import "bytes"

// KeyValue is one extracted pair.
type KeyValue struct {
	Key   string
	Value string
}

const (
	// MaxKeyLength is the maximum allowed key length in bytes.
	MaxKeyLength = 64
	// MaxValueLength is the maximum allowed value length in bytes.
	MaxValueLength = 4096
)

// ExtractLogfmt parses a log message as logfmt and extracts key=value pairs.
// Returns nil if the message does not appear to be logfmt.
//
// Logfmt grammar (per kr/logfmt):
//
//	key   := ident
//	value := ident | '"' quoted_string '"'
//	ident := byte > ' ', excluding '=' and '"'
//	pair  := key '=' value | key '=' | key (bare key → true)
//
// Keys are lowercased; values keep their case since they become typed field
// values. When a key repeats, the first value wins.
func ExtractLogfmt(msg []byte) []KeyValue {
	if !isLogfmt(msg) {
		return nil
	}

	var result []KeyValue
	seen := make(map[string]struct{})
	i := 0

	for i < len(msg) {
		i = skipLogfmtWhitespace(msg, i)
		if i >= len(msg) {
			break
		}

		keyStart, keyEnd, next := parseLogfmtKey(msg, i)
		i = next

		keyLen := keyEnd - keyStart
		if keyLen == 0 {
			i++
			continue
		}
		if keyLen > MaxKeyLength {
			for i < len(msg) && !IsWhitespace(msg[i]) {
				i++
			}
			continue
		}

		key := ToLowerASCII(msg[keyStart:keyEnd])
		if i >= len(msg) || msg[i] != '=' {
			addLogfmtPair(&result, seen, key, "true")
			continue
		}
		i++ // skip '='

		if i >= len(msg) || IsWhitespace(msg[i]) {
			continue
		}

		value, next := parseLogfmtValue(msg, i)
		i = next
		if value == "" {
			continue
		}
		addLogfmtPair(&result, seen, key, value)
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// LogfmtMap is ExtractLogfmt as a map.
func LogfmtMap(msg []byte) map[string]string {
	pairs := ExtractLogfmt(msg)
	if pairs == nil {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		m[kv.Key] = kv.Value
	}
	return m
}

func isLogfmt(msg []byte) bool {
	if len(msg) == 0 {
		return false
	}
	first := skipLogfmtWhitespace(msg, 0)
	if first < len(msg) && (msg[first] == '{' || msg[first] == '[' || msg[first] == '<') {
		return false
	}
	return bytes.ContainsRune(msg, '=')
}

func skipLogfmtWhitespace(msg []byte, i int) int {
	for i < len(msg) && IsWhitespace(msg[i]) {
		i++
	}
	return i
}

func parseLogfmtKey(msg []byte, i int) (keyStart, keyEnd, next int) {
	keyStart = i
	for i < len(msg) && msg[i] > ' ' && msg[i] != '=' && msg[i] != '"' {
		i++
	}
	return keyStart, i, i
}

func parseLogfmtValue(msg []byte, i int) (string, int) {
	if msg[i] == '"' {
		return parseLogfmtQuotedValue(msg, i)
	}
	return parseLogfmtUnquotedValue(msg, i)
}

func parseLogfmtQuotedValue(msg []byte, i int) (string, int) {
	i++ // skip opening quote
	var buf []byte
	for i < len(msg) && msg[i] != '"' {
		if msg[i] == '\\' && i+1 < len(msg) && (msg[i+1] == '"' || msg[i+1] == '\\') {
			buf = append(buf, msg[i+1])
			i += 2
			continue
		}
		buf = append(buf, msg[i])
		i++
	}
	if i < len(msg) {
		i++ // skip closing quote
	}
	if len(buf) == 0 || len(buf) > MaxValueLength {
		return "", i
	}
	return string(buf), i
}

func parseLogfmtUnquotedValue(msg []byte, i int) (string, int) {
	valStart := i
	for i < len(msg) && msg[i] > ' ' && msg[i] != '=' && msg[i] != '"' {
		i++
	}
	valLen := i - valStart
	if valLen == 0 || valLen > MaxValueLength {
		return "", i
	}
	return string(msg[valStart:i]), i
}

func addLogfmtPair(result *[]KeyValue, seen map[string]struct{}, key, value string) {
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}
	*result = append(*result, KeyValue{Key: key, Value: value})
}
