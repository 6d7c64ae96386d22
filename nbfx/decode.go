package nbfx

import (
	"io"

	"github.com/juju/errors"
)

// Decode parses buf into the ordered sequence of closed elements.
// Empty input is success with no elements. Any defect returns the
// first error and no elements, there is no partial output.
//
// Grammar is flat: ShortElement opens, xmlns/text records modify the
// open element (repeats overwrite), EndElement closes and appends.
func Decode(buf []byte) ([]Element, error) {
	rr := NewRecordReader(NewCursor(buf))
	var out []Element
	var cur Element
	open := false
	for {
		rec, err := rr.Next()
		if err == io.EOF {
			if open {
				return nil, errors.Annotatef(ErrUnexpectedEndOfData, "offset=%d element=%s is not closed", len(buf), cur.Name)
			}
			return out, nil
		}
		if err != nil {
			return nil, errors.Trace(err)
		}

		if !open {
			if rec.Type != ShortElement {
				return nil, errors.Annotatef(ErrUnexpectedRecordAtTopLevel, "offset=%d tag=%02x record=%s", rec.Offset, byte(rec.Type), rec.Type)
			}
			cur = Element{Name: rec.Payload}
			open = true
			continue
		}

		switch rec.Type {
		case ShortXmlnsAttribute:
			cur.Xmlns = rec.Payload
		case Chars8Text, Chars16Text:
			cur.Text = rec.Payload
		case EndElement:
			out = append(out, cur)
			open = false
		default: // ShortElement, nesting
			return nil, errors.Annotatef(ErrUnexpectedRecordInElement, "offset=%d tag=%02x record=%s in element=%s", rec.Offset, byte(rec.Type), rec.Type, cur.Name)
		}
	}
}
