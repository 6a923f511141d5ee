// Package utf7mod implements the modified UTF-7 mailbox name encoding
// of RFC 3501 section 5.1.3.
//
// Modified UTF-7 is ordinary UTF-7 (RFC 2152) with two changes: the
// alternate base64 alphabet uses ',' instead of '/', and unencoded
// output MUST NOT use any shift other than "&...-" (no bare "+").
package utf7mod

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrInvalid reports malformed modified UTF-7 input.
var ErrInvalid = errors.New("utf7mod: invalid encoding")

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var b64 = base64.NewEncoding(alphabet).WithPadding(base64.NoPadding).Strict()

// Decode returns the Unicode mailbox name encoded by src.
func Decode(src []byte) ([]byte, error) {
	return AppendDecode(nil, src)
}

// AppendDecode appends the decoding of src to dst.
func AppendDecode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		c := src[0]
		src = src[1:]
		if c != '&' {
			dst = append(dst, c)
			continue
		}
		end := bytes.IndexByte(src, '-')
		if end == -1 {
			return nil, ErrInvalid
		}
		if end == 0 {
			// "&-" is a literal ampersand.
			src = src[1:]
			dst = append(dst, '&')
			continue
		}

		raw := make([]byte, b64.DecodedLen(end))
		n, err := b64.Decode(raw, src[:end])
		src = src[end+1:]
		if err != nil {
			return nil, fmt.Errorf("utf7mod: base64: %w", err)
		}
		raw = raw[:n]
		if len(raw)%2 != 0 {
			return nil, ErrInvalid
		}
		for len(raw) > 0 {
			r := rune(raw[0])<<8 | rune(raw[1])
			raw = raw[2:]
			if utf16.IsSurrogate(r) {
				if len(raw) < 2 {
					return nil, ErrInvalid
				}
				r2 := rune(raw[0])<<8 | rune(raw[1])
				raw = raw[2:]
				r = utf16.DecodeRune(r, r2)
			}
			dst = appendRune(dst, r)
		}
	}
	return dst, nil
}

func appendRune(dst []byte, r rune) []byte {
	var buf [utf8.UTFMax]byte
	n := utf8.EncodeRune(buf[:], r)
	return append(dst, buf[:n]...)
}

// Encode returns the modified UTF-7 encoding of the Unicode mailbox
// name src.
func Encode(src []byte) []byte {
	return AppendEncode(nil, src)
}

// AppendEncode appends the modified UTF-7 encoding of src to dst.
func AppendEncode(dst, src []byte) []byte {
	for len(src) > 0 {
		r, _ := utf8.DecodeRune(src)
		switch {
		case r == '&':
			dst = append(dst, '&', '-')
			src = src[1:]
		case r < utf8.RuneSelf:
			dst = append(dst, byte(r))
			src = src[1:]
		default:
			var utf16be []byte
			for len(src) > 0 {
				r, size := utf8.DecodeRune(src)
				if r < utf8.RuneSelf {
					break
				}
				src = src[size:]
				if hi, lo := utf16.EncodeRune(r); hi != utf8.RuneError {
					utf16be = append(utf16be, byte(hi>>8), byte(hi))
					r = lo
				}
				utf16be = append(utf16be, byte(r>>8), byte(r))
			}
			n := b64.EncodedLen(len(utf16be))
			dst = append(dst, '&')
			dst = append(dst, make([]byte, n)...)
			b64.Encode(dst[len(dst)-n:], utf16be)
			dst = append(dst, '-')
		}
	}
	return dst
}
