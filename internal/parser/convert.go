package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"rapidlog/internal/config"
)

// convert turns field text into the Go value for its data type: string,
// int64 (INTEGER is range checked to 32 bits), float64, bool or time.Time.
func convert(dt config.DataType, text string, l layout) (any, error) {
	switch dt {
	case config.TypeString, "":
		return text, nil
	case config.TypeInteger:
		return strconv.ParseInt(text, 10, 32)
	case config.TypeLong:
		return strconv.ParseInt(text, 10, 64)
	case config.TypeDouble:
		return strconv.ParseFloat(text, 64)
	case config.TypeBoolean:
		return strconv.ParseBool(text)
	case config.TypeDate:
		return l.parse(text)
	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}
}

// Format renders a converted field value back to text. format is the
// field's date format property and is only used for DATE values.
func Format(dt config.DataType, v any, format string) (string, error) {
	switch dt {
	case config.TypeString, "":
		if s, ok := v.(string); ok {
			return s, nil
		}
	case config.TypeInteger, config.TypeLong:
		if n, ok := v.(int64); ok {
			return strconv.FormatInt(n, 10), nil
		}
	case config.TypeDouble:
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
	case config.TypeBoolean:
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b), nil
		}
	case config.TypeDate:
		if t, ok := v.(time.Time); ok {
			l, err := parseLayout(format)
			if err != nil {
				return "", err
			}
			return l.format(t), nil
		}
	default:
		return "", fmt.Errorf("unknown data type %q", dt)
	}
	return "", fmt.Errorf("cannot format %T as %s", v, dt)
}

type layoutKind int

const (
	layoutTime layoutKind = iota
	layoutEpoch
	layoutEpochMillis
)

// layout is a compiled date format.
type layout struct {
	kind   layoutKind
	layout string
}

// parseLayout compiles a date format property. Accepted forms are empty
// (RFC 3339), "epoch", "epochmillis", a Go reference layout, or a Java
// style pattern such as "yyyy-MM-dd HH:mm:ss.SSS".
func parseLayout(format string) (layout, error) {
	switch strings.ToLower(format) {
	case "", "rfc3339":
		return layout{layout: time.RFC3339Nano}, nil
	case "epoch", "unix":
		return layout{kind: layoutEpoch}, nil
	case "epochmillis", "unixmillis":
		return layout{kind: layoutEpochMillis}, nil
	}
	if strings.Contains(format, "2006") || strings.Contains(format, "15:04") {
		return layout{layout: format}, nil
	}
	l, err := javaLayout(format)
	if err != nil {
		return layout{}, err
	}
	return layout{layout: l}, nil
}

func (l layout) parse(text string) (time.Time, error) {
	switch l.kind {
	case layoutEpoch:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch seconds %q", text)
		}
		return time.UnixMicro(int64(f * 1e6)).UTC(), nil
	case layoutEpochMillis:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch millis %q", text)
		}
		return time.UnixMilli(n).UTC(), nil
	default:
		return time.Parse(l.layout, text)
	}
}

func (l layout) format(t time.Time) string {
	switch l.kind {
	case layoutEpoch:
		return strconv.FormatInt(t.Unix(), 10)
	case layoutEpochMillis:
		return strconv.FormatInt(t.UnixMilli(), 10)
	default:
		return t.Format(l.layout)
	}
}

// javaLayout translates a java.text.SimpleDateFormat pattern into a Go
// layout. Quoted text is literal and '' is a single quote. Literal text that
// Go would read as part of a layout element, such as 'Mon' or a digit, is
// rejected.
func javaLayout(p string) (string, error) {
	var (
		segs []layoutSegment
		lit  strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, layoutSegment{text: lit.String(), literal: true})
			lit.Reset()
		}
	}
	for i := 0; i < len(p); {
		c := p[i]
		if c == '\'' {
			if i+1 < len(p) && p[i+1] == '\'' {
				lit.WriteByte('\'')
				i += 2
				continue
			}
			j := i + 1
			for ; j < len(p); j++ {
				if p[j] != '\'' {
					lit.WriteByte(p[j])
					continue
				}
				if j+1 < len(p) && p[j+1] == '\'' {
					lit.WriteByte('\'')
					j++
					continue
				}
				break
			}
			if j >= len(p) {
				return "", fmt.Errorf("unterminated quote in date pattern %q", p)
			}
			i = j + 1
			continue
		}
		if !isPatternLetter(c) {
			lit.WriteByte(c)
			i++
			continue
		}

		n := 1
		for i+n < len(p) && p[i+n] == c {
			n++
		}
		var last byte
		if lit.Len() > 0 {
			last = lit.String()[lit.Len()-1]
		} else if len(segs) > 0 {
			prev := segs[len(segs)-1].text
			last = prev[len(prev)-1]
		}
		tok, err := javaToken(c, n, last)
		if err != nil {
			return "", fmt.Errorf("date pattern %q: %w", p, err)
		}
		flush()
		segs = append(segs, layoutSegment{text: tok, fraction: c == 'S'})
		i += n
	}
	flush()

	var sb strings.Builder
	for i, seg := range segs {
		if seg.literal {
			if err := checkLiteral(segs, i); err != nil {
				return "", fmt.Errorf("date pattern %q: %w", p, err)
			}
		}
		sb.WriteString(seg.text)
	}
	return sb.String(), nil
}

type layoutSegment struct {
	text     string
	literal  bool
	fraction bool
}

// literalCheckTime differs from Go's reference time in every layout element,
// so formatting it changes any text Go treats as an element.
var literalCheckTime = time.Date(2009, time.November, 17, 8, 34, 58, 651387237, time.FixedZone("XYZ", 5*3600+7*60))

// checkLiteral reports an error when the literal at segs[i] would not survive
// as plain text in the Go layout, alone or joined to its neighbouring
// elements. A '.' or ',' before fractional seconds is meant to join them.
func checkLiteral(segs []layoutSegment, i int) error {
	lit := segs[i].text
	f := literalCheckTime.Format
	bad := f(lit) != lit
	if !bad && i > 0 {
		prev := segs[i-1].text
		bad = f(prev+lit) != f(prev)+lit
	}
	if !bad && i+1 < len(segs) && !segs[i+1].fraction {
		next := segs[i+1].text
		bad = f(lit+next) != lit+f(next)
	}
	if bad {
		return fmt.Errorf("literal %q reads as a layout element", lit)
	}
	return nil
}

func isPatternLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func javaToken(c byte, n int, last byte) (string, error) {
	pick := func(opts ...string) string {
		return opts[min(n, len(opts))-1]
	}
	switch c {
	case 'y', 'u':
		if n == 2 {
			return "06", nil
		}
		return "2006", nil
	case 'M':
		return pick("1", "01", "Jan", "January"), nil
	case 'd':
		return pick("2", "02"), nil
	case 'H':
		return "15", nil
	case 'h':
		return pick("3", "03"), nil
	case 'm':
		return pick("4", "04"), nil
	case 's':
		return pick("5", "05"), nil
	case 'S':
		if last != '.' && last != ',' {
			return "", fmt.Errorf("fractional seconds must follow '.' or ','")
		}
		return strings.Repeat("0", min(n, 9)), nil
	case 'a':
		return "PM", nil
	case 'E':
		if n >= 4 {
			return "Monday", nil
		}
		return "Mon", nil
	case 'z':
		return "MST", nil
	case 'Z':
		return "-0700", nil
	case 'X':
		return pick("Z07", "Z0700", "Z07:00"), nil
	default:
		return "", fmt.Errorf("unsupported pattern letter %q", c)
	}
}
