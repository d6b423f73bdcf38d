package serialmux

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DefaultMaxLineLength caps a single line. Longer runs without a newline are
// cut and delivered as separate lines.
const DefaultMaxLineLength = 64 * 1024

// DecoderOptions controls how raw device bytes become text lines.
type DecoderOptions struct {
	// StripNulls removes NUL bytes before decoding. Some controllers pad
	// their output with them.
	StripNulls bool
	// Encoding is "utf-8" (default) or a single-byte legacy charset:
	// "iso-8859-1", "windows-1252" or "cp437".
	Encoding string
	// MaxLineLength bounds the bytes buffered for one line.
	MaxLineLength int
}

// Decoder turns raw line bytes into text. Undecodable bytes are dropped,
// never reported as errors.
type Decoder struct {
	stripNulls bool
	maxLen     int
	charset    *encoding.Decoder
}

// NewDecoder validates opts and returns a Decoder.
func NewDecoder(opts DecoderOptions) (*Decoder, error) {
	d := &Decoder{
		stripNulls: opts.StripNulls,
		maxLen:     opts.MaxLineLength,
	}
	if d.maxLen <= 0 {
		d.maxLen = DefaultMaxLineLength
	}

	switch strings.ToLower(strings.TrimSpace(opts.Encoding)) {
	case "", "utf-8", "utf8":
	case "iso-8859-1", "latin1", "latin-1":
		d.charset = charmap.ISO8859_1.NewDecoder()
	case "windows-1252", "cp1252":
		d.charset = charmap.Windows1252.NewDecoder()
	case "cp437", "ibm437":
		d.charset = charmap.CodePage437.NewDecoder()
	default:
		return nil, fmt.Errorf("unsupported encoding %q", opts.Encoding)
	}
	return d, nil
}

// Decode converts one raw line. Trailing CR/LF characters are removed.
func (d *Decoder) Decode(raw []byte) string {
	if d.stripNulls {
		raw = bytes.ReplaceAll(raw, []byte{0}, nil)
	}

	var line string
	if d.charset == nil {
		line = string(raw)
		if !utf8.ValidString(line) {
			line = strings.ToValidUTF8(line, "")
		}
	} else {
		decoded, err := d.charset.Bytes(raw)
		if err != nil {
			// single-byte charmaps do not fail; fall back to the UTF-8 path
			decoded = []byte(strings.ToValidUTF8(string(raw), ""))
		}
		line = strings.ReplaceAll(string(decoded), string(utf8.RuneError), "")
	}
	return strings.TrimRight(line, "\r\n")
}

// SplitFunc returns the bufio.SplitFunc matching this decoder's line bound.
// For UTF-8 input an over-long line is cut on a rune boundary.
func (d *Decoder) SplitFunc() bufio.SplitFunc {
	if d.charset == nil {
		return ScanUTF8Lines(d.maxLen)
	}
	return ScanLines(d.maxLen)
}

// ScanLines is bufio.ScanLines with a length bound: a line longer than maxLen
// bytes is returned in maxLen chunks. The newline is not included in the
// token; a trailing CR is left for the decoder to trim.
func ScanLines(maxLen int) bufio.SplitFunc {
	return scanLines(maxLen, false)
}

// ScanUTF8Lines is ScanLines, except that a chunk never ends inside a
// multi-byte rune. The incomplete rune starts the next chunk instead.
func ScanUTF8Lines(maxLen int) bufio.SplitFunc {
	return scanLines(maxLen, true)
}

func scanLines(maxLen int, runeSafe bool) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.IndexByte(data, '\n'); i >= 0 && (maxLen <= 0 || i <= maxLen) {
			return i + 1, data[:i], nil
		}
		if maxLen > 0 && len(data) >= maxLen {
			n := maxLen
			if runeSafe {
				n = runeCut(data[:maxLen])
			}
			return n, data[:n], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// runeCut returns len(chunk), or the offset of a trailing incomplete rune.
func runeCut(chunk []byte) int {
	for i := len(chunk) - 1; i >= 0 && i >= len(chunk)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(chunk[i]) {
			continue
		}
		if i > 0 && !utf8.FullRune(chunk[i:]) {
			return i
		}
		break
	}
	return len(chunk)
}
