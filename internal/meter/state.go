package meter

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/juju/errors"
)

// State file layout, all little-endian:
// magic "evbm", uint16 version, uint16 count, then per charger:
// uint8 name length, name bytes, float64 total, float64 session.
var stateMagic = [4]byte{'e', 'v', 'b', 'm'}

const stateVersion uint16 = 1

func (m *Meter) MarshalBinary() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.cs) > math.MaxUint16 {
		return nil, errors.Errorf("meter state too many chargers=%d", len(m.cs))
	}
	names := make([]string, 0, len(m.cs))
	size := 4 + 2 + 2
	for name := range m.cs {
		if len(name) > math.MaxUint8 {
			return nil, errors.Errorf("meter state charger=%s name too long", name)
		}
		names = append(names, name)
		size += 1 + len(name) + 8 + 8
	}
	sort.Strings(names)

	b := make([]byte, 0, size)
	b = append(b, stateMagic[:]...)
	b = appendUint16(b, stateVersion)
	b = appendUint16(b, uint16(len(names)))
	for _, name := range names {
		c := m.cs[name]
		b = append(b, byte(len(name)))
		b = append(b, name...)
		b = appendFloat64(b, c.total.Load())
		b = appendFloat64(b, c.session.Load())
	}
	return b, nil
}

func (m *Meter) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return errors.Errorf("meter state short length=%d", len(b))
	}
	if string(b[:4]) != string(stateMagic[:]) {
		return errors.Errorf("meter state bad magic=%x", b[:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != stateVersion {
		return errors.Errorf("meter state version=%d expected=%d", v, stateVersion)
	}
	count := int(binary.LittleEndian.Uint16(b[6:]))
	b = b[8:]

	cs := make(map[string]*counter, count)
	for i := 0; i < count; i++ {
		if len(b) < 1 {
			return errors.Errorf("meter state truncated at entry=%d", i)
		}
		nameLen := int(b[0])
		if len(b) < 1+nameLen+16 {
			return errors.Errorf("meter state truncated at entry=%d", i)
		}
		name := string(b[1 : 1+nameLen])
		b = b[1+nameLen:]
		c := &counter{}
		c.total.Store(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		c.session.Store(math.Float64frombits(binary.LittleEndian.Uint64(b[8:])))
		b = b[16:]
		cs[name] = c
	}
	if len(b) != 0 {
		return errors.Errorf("meter state trailing garbage length=%d", len(b))
	}

	m.mu.Lock()
	m.cs = cs
	m.mu.Unlock()
	return nil
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendFloat64(b []byte, f float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
	return append(b, tmp[:]...)
}
