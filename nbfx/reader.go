package nbfx

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Cursor is a forward-only position over an immutable buffer.
// Offset never decreases. One Cursor per decode, not shared.
type Cursor struct {
	buf []byte
	pos int
}

func NewCursor(b []byte) *Cursor { return &Cursor{buf: b} }

func (c *Cursor) Offset() int    { return c.pos }
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Take consumes exactly n bytes. Short input is an error, never a short slice.
func (c *Cursor) Take(n int) ([]byte, error) {
	if remain := c.Remaining(); remain < n {
		return nil, errors.Annotatef(ErrUnexpectedEndOfData, "offset=%d need=%d remain=%d", c.pos, n, remain)
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *Cursor) TakeByte() (byte, error) {
	b, err := c.Take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// RecordReader pulls one record at a time from a Cursor.
type RecordReader struct {
	cur *Cursor
}

func NewRecordReader(c *Cursor) *RecordReader { return &RecordReader{cur: c} }

// Next returns the next record.
// io.EOF means clean end of input at a record boundary; input exhausted
// in the middle of a record is ErrUnexpectedEndOfData.
func (rr *RecordReader) Next() (Record, error) {
	if rr.cur.Remaining() == 0 {
		return Record{}, io.EOF
	}
	start := rr.cur.Offset()
	tag, err := rr.cur.TakeByte()
	if err != nil {
		return Record{}, errors.Trace(err)
	}
	rec := Record{Type: RecordType(tag), Offset: start}
	switch rec.Type {
	case EndElement:
		return rec, nil

	case ShortElement, ShortXmlnsAttribute, Chars8Text:
		rec.Payload, err = rr.readString8(start)

	case Chars16Text:
		rec.Payload, err = rr.readString16(start)

	default:
		return Record{}, errors.Annotatef(ErrUnknownRecordType, "offset=%d tag=%02x", start, tag)
	}
	if err != nil {
		return Record{}, errors.Annotatef(err, "record=%s", rec.Type)
	}
	return rec, nil
}

// length:1 utf8-bytes:length
func (rr *RecordReader) readString8(start int) (string, error) {
	length, err := rr.cur.TakeByte()
	if err != nil {
		return "", errors.Trace(err)
	}
	return rr.takeString(start, int(length))
}

// length:2 little-endian, utf8-bytes:length
func (rr *RecordReader) readString16(start int) (string, error) {
	b, err := rr.cur.Take(2)
	if err != nil {
		return "", errors.Trace(err)
	}
	length := int(binary.LittleEndian.Uint16(b))
	return rr.takeString(start, length)
}

func (rr *RecordReader) takeString(start, length int) (string, error) {
	b, err := rr.cur.Take(length)
	if err != nil {
		return "", errors.Trace(err)
	}
	if !utf8.Valid(b) {
		return "", errors.Annotatef(ErrInvalidUTF8, "offset=%d length=%d", start, length)
	}
	return string(b), nil
}
