package nbfx

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Encode is the inverse of Decode. Element text up to 255 bytes is
// written as Chars8Text, up to 64k as Chars16Text. Name and xmlns are
// length-prefixed with one byte so 255 is their hard limit.
func Encode(elems []Element) ([]byte, error) {
	buf := make([]byte, 0, encodedSize(elems))
	var err error
	for i, e := range elems {
		if buf, err = appendString8(buf, ShortElement, e.Name); err != nil {
			return nil, errors.Annotatef(err, "element=%d name", i)
		}
		if e.Xmlns != "" {
			if buf, err = appendString8(buf, ShortXmlnsAttribute, e.Xmlns); err != nil {
				return nil, errors.Annotatef(err, "element=%d xmlns", i)
			}
		}
		if e.Text != "" {
			if buf, err = appendText(buf, e.Text); err != nil {
				return nil, errors.Annotatef(err, "element=%d text", i)
			}
		}
		buf = append(buf, byte(EndElement))
	}
	return buf, nil
}

func encodedSize(elems []Element) int {
	s := 0
	for _, e := range elems {
		s += 2 + len(e.Name) + 1
		if e.Xmlns != "" {
			s += 2 + len(e.Xmlns)
		}
		if e.Text != "" {
			s += 3 + len(e.Text)
		}
	}
	return s
}

func appendString8(buf []byte, tag RecordType, s string) ([]byte, error) {
	if len(s) > math.MaxUint8 {
		return nil, errors.NotValidf("string length=%d over %d", len(s), math.MaxUint8)
	}
	if !utf8.ValidString(s) {
		return nil, errors.Annotatef(ErrInvalidUTF8, "length=%d", len(s))
	}
	buf = append(buf, byte(tag), byte(len(s)))
	return append(buf, s...), nil
}

func appendText(buf []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, errors.Annotatef(ErrInvalidUTF8, "length=%d", len(s))
	}
	switch {
	case len(s) <= math.MaxUint8:
		buf = append(buf, byte(Chars8Text), byte(len(s)))
	case len(s) <= math.MaxUint16:
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(s)))
		buf = append(buf, byte(Chars16Text), lb[0], lb[1])
	default:
		return nil, errors.NotValidf("text length=%d over %d", len(s), math.MaxUint16)
	}
	return append(buf, s...), nil
}
