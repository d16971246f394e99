// Package payload decodes the base64 payloads carried by frames and session
// snapshots into raw bytes and display text.
package payload

import (
	"encoding/base64"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// Decode returns the raw bytes of a base64 payload. Empty or undecodable
// input yields nil.
func Decode(encoded string) []byte {
	if encoded == "" {
		return nil
	}
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return raw
	}
	// Unpadded payloads show up from some proxies.
	if raw, err := base64.RawStdEncoding.DecodeString(encoded); err == nil {
		return raw
	}
	return nil
}

// Text converts raw bytes to a string. Bytes that are not valid UTF-8 are
// decoded as GB18030; if that fails the raw bytes are used as-is.
func Text(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	out, err := simplifiedchinese.GB18030.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Lazy memoizes the decoded views of one payload. The zero value is ready to
// use and must not be copied after first use.
type Lazy struct {
	bufOnce  sync.Once
	buf      []byte
	textOnce sync.Once
	text     string
}

// Buffer returns the decoded bytes of encoded, computing them on first call.
func (l *Lazy) Buffer(encoded string) []byte {
	l.bufOnce.Do(func() {
		l.buf = Decode(encoded)
	})
	return l.buf
}

// Body returns the text view of encoded, computing it on first call.
func (l *Lazy) Body(encoded string) string {
	l.textOnce.Do(func() {
		l.text = Text(l.Buffer(encoded))
	})
	return l.text
}
