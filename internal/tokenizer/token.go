package tokenizer

// DefaultMaxKeywordLength is used when no keyword length limit is configured.
const DefaultMaxKeywordLength = 32

// Keywords extracts search keywords from raw log data.
//
// Words are maximal runs of ASCII letters, digits, '.' and '@'; every other
// byte is a delimiter. Leading and trailing '.' and '@' are trimmed. A word
// that starts with a digit (IP addresses, versions, decimals) is kept whole.
// Any other word is split on '.' and '@', so dotted identifiers and e-mail
// addresses yield their parts.
//
// Keywords are lowercased, deduplicated in first-seen order and truncated
// to maxLen bytes (DefaultMaxKeywordLength when maxLen <= 0). At most
// maxKeywords are returned; a negative maxKeywords means unlimited.
func Keywords(data []byte, maxKeywords, maxLen int) []string {
	if maxKeywords == 0 || len(data) == 0 {
		return nil
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxKeywordLength
	}

	var out []string
	seen := make(map[string]struct{})
	full := false
	add := func(tok []byte) {
		if len(tok) == 0 || full {
			return
		}
		if len(tok) > maxLen {
			tok = tok[:maxLen]
		}
		s := ToLowerASCII(tok)
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
		full = maxKeywords > 0 && len(out) >= maxKeywords
	}

	start := -1
	for i := 0; i <= len(data) && !full; i++ {
		if i < len(data) && isWordByte(data[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			splitWord(trimWord(data[start:i]), add)
			start = -1
		}
	}
	return out
}

func isWordByte(b byte) bool {
	return IsLetter(b) || IsDigit(b) || isWordSeparator(b)
}

func isWordSeparator(b byte) bool {
	return b == '.' || b == '@'
}

func trimWord(w []byte) []byte {
	for len(w) > 0 && isWordSeparator(w[0]) {
		w = w[1:]
	}
	for len(w) > 0 && isWordSeparator(w[len(w)-1]) {
		w = w[:len(w)-1]
	}
	return w
}

func splitWord(w []byte, add func([]byte)) {
	if len(w) == 0 {
		return
	}
	if IsDigit(w[0]) {
		add(w)
		return
	}
	start := 0
	for i, b := range w {
		if isWordSeparator(b) {
			add(w[start:i])
			start = i + 1
		}
	}
	add(w[start:])
}
