package nbfx_test

import (
	"io"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/nbfx"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	type E = nbfx.Element // shortcut
	cases := []struct {
		name   string
		input  string
		expect []E
	}{
		{"empty", "", nil},
		{"bare", "40016101", []E{{Name: "a"}}},
		{"full", "4001620801759802686901", []E{{Name: "b", Xmlns: "u", Text: "hi"}}},
		{"siblings", "4001610140016201", []E{{Name: "a"}, {Name: "b"}}},
		{"chars16", "4001619a0200686901", []E{{Name: "a", Text: "hi"}}},
		{"xmlns-last-wins", "40016108017508017601", []E{{Name: "a", Xmlns: "v"}}},
		{"text-last-wins", "4001619801789a01007901", []E{{Name: "a", Text: "y"}}},
		{"empty-name", "400001", []E{{}}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			es, err := nbfx.Decode(helpers.MustHex(c.input))
			require.NoError(t, err)
			assert.Equal(t, c.expect, es)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		kind   error
		offset string
	}{
		{"unknown-tag", "ff", nbfx.ErrUnknownRecordType, "offset=0"},
		{"text-at-top", "980178", nbfx.ErrUnexpectedRecordAtTopLevel, "offset=0"},
		{"end-at-top", "01", nbfx.ErrUnexpectedRecordAtTopLevel, "offset=0"},
		{"xmlns-at-top", "080175", nbfx.ErrUnexpectedRecordAtTopLevel, "offset=0"},
		{"nested-element", "400161400162", nbfx.ErrUnexpectedRecordInElement, "offset=3"},
		{"unclosed", "400161980178", nbfx.ErrUnexpectedEndOfData, "offset=6"},
		{"short-text", "400161980578", nbfx.ErrUnexpectedEndOfData, "offset=5"},
		{"short-len16", "4001619a01", nbfx.ErrUnexpectedEndOfData, "offset=4"},
		{"short-name", "4005616263", nbfx.ErrUnexpectedEndOfData, "offset=2"},
		{"bad-utf8", "4001619801ff01", nbfx.ErrInvalidUTF8, "offset=3"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			es, err := nbfx.Decode(helpers.MustHex(c.input))
			require.Error(t, err)
			assert.Nil(t, es, "no partial output on error")
			assert.Equal(t, c.kind, errors.Cause(err))
			assert.Contains(t, err.Error(), c.offset)
		})
	}
}

func TestCursor(t *testing.T) {
	t.Parallel()
	c := nbfx.NewCursor([]byte{1, 2, 3})
	assert.Equal(t, 0, c.Offset())
	assert.Equal(t, 3, c.Remaining())
	b, err := c.Take(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)
	assert.Equal(t, 2, c.Offset())
	assert.Equal(t, 1, c.Remaining())

	_, err = c.Take(2)
	require.Error(t, err)
	assert.Equal(t, nbfx.ErrUnexpectedEndOfData, errors.Cause(err))
	assert.Equal(t, 2, c.Offset(), "failed Take must not consume")

	last, err := c.TakeByte()
	require.NoError(t, err)
	assert.Equal(t, byte(3), last)
	assert.Equal(t, 0, c.Remaining())
}

func TestRecordReader(t *testing.T) {
	t.Parallel()
	rr := nbfx.NewRecordReader(nbfx.NewCursor(helpers.MustHex("40016108017501")))

	r, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, nbfx.Record{Type: nbfx.ShortElement, Payload: "a", Offset: 0}, r)

	r, err = rr.Next()
	require.NoError(t, err)
	assert.Equal(t, nbfx.Record{Type: nbfx.ShortXmlnsAttribute, Payload: "u", Offset: 3}, r)

	r, err = rr.Next()
	require.NoError(t, err)
	assert.Equal(t, nbfx.Record{Type: nbfx.EndElement, Offset: 6}, r)

	_, err = rr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRecordReaderEmpty(t *testing.T) {
	t.Parallel()
	rr := nbfx.NewRecordReader(nbfx.NewCursor(nil))
	_, err := rr.Next()
	assert.Equal(t, io.EOF, err)
}
