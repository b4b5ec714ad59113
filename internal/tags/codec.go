// Package tags converts element tag maps to and from the quoted
// `"key"=>"value"` text stored in the tags column.
package tags

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tags maps tag keys to values
type Tags map[string]string

// ErrMalformed is returned by Decode for text that is not a tag list
var ErrMalformed = errors.New("malformed tag text")

// Sentinels stand in for escaped characters while the text is split on
// quotes. They contain NUL, which never appears in encoded user data.
const (
	sentinelBackslash = "\x00b\x00"
	sentinelQuote     = "\x00q\x00"
)

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Encode renders tags as `"k1"=>"v1","k2"=>"v2"`. Keys are sorted so equal
// maps produce equal text.
func Encode(t Tags) string {
	if len(t) == 0 {
		return ""
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(escaper.Replace(k))
		b.WriteString(`"=>"`)
		b.WriteString(escaper.Replace(t[k]))
		b.WriteByte('"')
	}
	return b.String()
}

// Decode parses text produced by Encode. Later duplicates of a key win.
func Decode(s string) (Tags, error) {
	result := make(Tags)
	if strings.TrimSpace(s) == "" {
		return result, nil
	}

	// Escapes are always two characters, so a left to right pass over the
	// backslash pairs leaves only unescaped quotes behind.
	masked := strings.ReplaceAll(s, `\\`, sentinelBackslash)
	masked = strings.ReplaceAll(masked, `\"`, sentinelQuote)

	parts := strings.Split(masked, `"`)
	if len(parts)%4 != 1 || strings.TrimSpace(parts[0]) != "" {
		return nil, fmt.Errorf("%w: unbalanced quotes in %q", ErrMalformed, s)
	}

	for i := 1; i < len(parts); i += 4 {
		if strings.TrimSpace(parts[i+1]) != "=>" {
			return nil, fmt.Errorf("%w: expected => after key in %q", ErrMalformed, s)
		}
		sep := strings.TrimSpace(parts[i+3])
		last := i+4 >= len(parts)
		if (last && sep != "") || (!last && sep != ",") {
			return nil, fmt.Errorf("%w: expected , between pairs in %q", ErrMalformed, s)
		}
		result[restore(parts[i])] = restore(parts[i+2])
	}

	return result, nil
}

func restore(s string) string {
	s = strings.ReplaceAll(s, sentinelQuote, `"`)
	return strings.ReplaceAll(s, sentinelBackslash, `\`)
}

// Clone returns an independent copy of t
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	c := make(Tags, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}
