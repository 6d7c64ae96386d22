package nbfx

import (
	"fmt"
	"strings"
)

// RecordType is the tag byte that starts every record on the wire.
type RecordType byte

const (
	EndElement          = RecordType(0x01)
	ShortXmlnsAttribute = RecordType(0x08)
	ShortElement        = RecordType(0x40)
	Chars8Text          = RecordType(0x98)
	Chars16Text         = RecordType(0x9a)
)

var (
	ErrUnexpectedEndOfData        = fmt.Errorf("unexpected end of data")
	ErrUnknownRecordType          = fmt.Errorf("unknown record type")
	ErrUnexpectedRecordAtTopLevel = fmt.Errorf("unexpected record at top level")
	ErrUnexpectedRecordInElement  = fmt.Errorf("unexpected record in element")
	ErrInvalidUTF8                = fmt.Errorf("invalid utf8 string")
)

func (rt RecordType) String() string {
	switch rt {
	case EndElement:
		return "EndElement"
	case ShortXmlnsAttribute:
		return "ShortXmlnsAttribute"
	case ShortElement:
		return "ShortElement"
	case Chars8Text:
		return "Chars8Text"
	case Chars16Text:
		return "Chars16Text"
	}
	return fmt.Sprintf("unknown(%02x)", byte(rt))
}

// Record is one tagged unit from the wire.
// Payload is meaningful for every type except EndElement.
// Offset points at the tag byte, for error context.
type Record struct {
	Payload string
	Offset  int
	Type    RecordType
}

// Element is one closed element in document order.
// Empty Xmlns/Text mean the records were absent.
type Element struct {
	Name  string
	Xmlns string
	Text  string
}

func (e *Element) String() string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("(name=%s", e.Name))
	if e.Xmlns != "" {
		b.WriteString(fmt.Sprintf(" xmlns=%s", e.Xmlns))
	}
	if e.Text != "" {
		b.WriteString(fmt.Sprintf(" text=(%d)%s", len(e.Text), e.Text))
	}
	b.WriteString(")")
	return b.String()
}
