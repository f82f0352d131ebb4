package protocol

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Table represents an AMQP field table: a shortstr-keyed map of typed values.
type Table map[string]interface{}

// ShortString marks a table or array value that must round-trip through the
// 's' (shortstr) field-table tag rather than the 'S' (longstr) tag a plain
// Go string decodes to. Values over 255 bytes are a write-time error.
type ShortString string

// ByteArray marks a table or array value that must round-trip through the
// 'x' (byte array) field-table tag rather than 'S' (longstr).
type ByteArray []byte

// Decimal represents the AMQP 'D' decimal-value type: value == Value * 10^-Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// ReadShortString reads a short string (max 255 bytes, length-prefixed by a byte).
func ReadShortString(r io.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", errors.Wrap(err, "read shortstr length")
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "read shortstr body")
	}

	return string(buf), nil
}

// WriteShortString writes a short string.
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return errors.Errorf("short string too long: %d", len(s))
	}

	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}

	_, err := w.Write([]byte(s))
	return err
}

// ReadLongString reads a long string (arbitrary bytes, length-prefixed by a u32).
func ReadLongString(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, errors.Wrap(err, "read longstr length")
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read longstr body")
	}

	return buf, nil
}

// WriteLongString writes a long string.
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}

// ReadTable reads an AMQP field table. The top-level length prefix is a u32
// counting the bytes of the encoded name/value pairs, not the pair count.
func ReadTable(r io.Reader) (Table, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, errors.Wrap(err, "read table length")
	}

	if length == 0 {
		return Table{}, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read table body")
	}

	table := make(Table)
	buf := &byteReader{data: data, pos: 0}

	for buf.pos < len(buf.data) {
		name, err := ReadShortString(buf)
		if err != nil {
			return nil, errors.Wrap(err, "read table field name")
		}

		value, err := readFieldValue(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "read table field %q", name)
		}

		table[name] = value
	}

	return table, nil
}

// WriteTable writes an AMQP field table.
func WriteTable(w io.Writer, table Table) error {
	if len(table) == 0 {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	buf := &byteWriter{data: make([]byte, 0, 1024)}

	for name, value := range table {
		if err := WriteShortString(buf, name); err != nil {
			return errors.Wrapf(err, "write table field name %q", name)
		}

		if err := writeFieldValue(buf, value); err != nil {
			return errors.Wrapf(err, "write table field %q", name)
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(buf.data))); err != nil {
		return err
	}

	_, err := w.Write(buf.data)
	return err
}

// readFieldValue reads a field value based on its type indicator. The tag
// set mirrors the AMQP 0.9.1 field-table grammar: t boolean, b/B signed/
// unsigned 8-bit, U/u signed/unsigned 16-bit, I/i signed/unsigned 32-bit,
// L/l signed/unsigned 64-bit, f/d float32/float64, D decimal, s/S short/long
// string, x byte array, A array, T timestamp, F nested table, V void.
func readFieldValue(r io.Reader) (interface{}, error) {
	var typeIndicator byte
	if err := binary.Read(r, binary.BigEndian, &typeIndicator); err != nil {
		return nil, err
	}

	switch typeIndicator {
	case 't':
		var b uint8
		if err := binary.Read(r, binary.BigEndian, &b); err != nil {
			return nil, err
		}
		return b != 0, nil

	case 'b':
		var i int8
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'B':
		var i uint8
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'U':
		var i int16
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'u':
		var i uint16
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'I':
		var i int32
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'i':
		var i uint32
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'L':
		var i int64
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'l':
		var i uint64
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'f':
		var f float32
		err := binary.Read(r, binary.BigEndian, &f)
		return f, err

	case 'd':
		var f float64
		err := binary.Read(r, binary.BigEndian, &f)
		return f, err

	case 'D':
		var scale uint8
		if err := binary.Read(r, binary.BigEndian, &scale); err != nil {
			return nil, err
		}
		var value int32
		if err := binary.Read(r, binary.BigEndian, &value); err != nil {
			return nil, err
		}
		return Decimal{Scale: scale, Value: value}, nil

	case 's':
		s, err := ReadShortString(r)
		return ShortString(s), err

	case 'S':
		data, err := ReadLongString(r)
		return string(data), err

	case 'x':
		data, err := ReadLongString(r)
		return ByteArray(data), err

	case 'A':
		return readArray(r)

	case 'T':
		var timestamp int64
		if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
			return nil, err
		}
		return time.Unix(timestamp, 0).UTC(), nil

	case 'F':
		return ReadTable(r)

	case 'V':
		return nil, nil

	default:
		return nil, errors.Errorf("unknown field type: %c", typeIndicator)
	}
}

// writeFieldValue writes a field value with its type indicator. See
// readFieldValue for the tag assignment this mirrors.
func writeFieldValue(w io.Writer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		if err := binary.Write(w, binary.BigEndian, byte('t')); err != nil {
			return err
		}
		var b uint8
		if v {
			b = 1
		}
		return binary.Write(w, binary.BigEndian, b)

	case int8:
		return writeTagged(w, 'b', v)

	case uint8:
		return writeTagged(w, 'B', v)

	case int16:
		return writeTagged(w, 'U', v)

	case uint16:
		return writeTagged(w, 'u', v)

	case int32:
		return writeTagged(w, 'I', v)

	case uint32:
		return writeTagged(w, 'i', v)

	case int64:
		return writeTagged(w, 'L', v)

	case uint64:
		return writeTagged(w, 'l', v)

	case int: // platform int encodes as signed 32-bit, matching most field-table producers
		return writeTagged(w, 'I', int32(v))

	case float32:
		return writeTagged(w, 'f', v)

	case float64:
		return writeTagged(w, 'd', v)

	case Decimal:
		if err := binary.Write(w, binary.BigEndian, byte('D')); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, v.Scale); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.Value)

	case ShortString:
		if err := binary.Write(w, binary.BigEndian, byte('s')); err != nil {
			return err
		}
		return WriteShortString(w, string(v))

	case string:
		if err := binary.Write(w, binary.BigEndian, byte('S')); err != nil {
			return err
		}
		return WriteLongString(w, []byte(v))

	case ByteArray:
		if err := binary.Write(w, binary.BigEndian, byte('x')); err != nil {
			return err
		}
		return WriteLongString(w, []byte(v))

	case []byte:
		if err := binary.Write(w, binary.BigEndian, byte('S')); err != nil {
			return err
		}
		return WriteLongString(w, v)

	case time.Time:
		if err := binary.Write(w, binary.BigEndian, byte('T')); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.Unix())

	case Table:
		if err := binary.Write(w, binary.BigEndian, byte('F')); err != nil {
			return err
		}
		return WriteTable(w, v)

	case []interface{}:
		if err := binary.Write(w, binary.BigEndian, byte('A')); err != nil {
			return err
		}
		return writeArray(w, v)

	case nil:
		return binary.Write(w, binary.BigEndian, byte('V'))

	default:
		return errors.Errorf("unsupported field value type: %T", value)
	}
}

func writeTagged(w io.Writer, tag byte, v interface{}) error {
	if err := binary.Write(w, binary.BigEndian, tag); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, v)
}

// readArray reads an array of field values.
func readArray(r io.Reader) ([]interface{}, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length == 0 {
		return []interface{}{}, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	var values []interface{}
	buf := &byteReader{data: data, pos: 0}

	for buf.pos < len(buf.data) {
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}

	return values, nil
}

// writeArray writes an array of field values.
func writeArray(w io.Writer, values []interface{}) error {
	buf := &byteWriter{data: make([]byte, 0, 256)}

	for _, value := range values {
		if err := writeFieldValue(buf, value); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(buf.data))); err != nil {
		return err
	}

	_, err := w.Write(buf.data)
	return err
}

// byteReader wraps a byte slice to implement io.Reader.
type byteReader struct {
	data []byte
	pos  int
}

func (br *byteReader) Read(p []byte) (int, error) {
	if br.pos >= len(br.data) {
		return 0, io.EOF
	}

	n := copy(p, br.data[br.pos:])
	br.pos += n
	return n, nil
}

// byteWriter wraps a byte slice to implement io.Writer.
type byteWriter struct {
	data []byte
}

func (bw *byteWriter) Write(p []byte) (int, error) {
	bw.data = append(bw.data, p...)
	return len(p), nil
}
