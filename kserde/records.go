package kserde

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/birdayz/kviews/krow"
)

var ErrCorruptRecords = errors.New("kserde: corrupt record batch")

// Records encodes signed record batches for the changelog. A batch is the
// uvarint record count followed by, per record, a sign byte and the
// uvarint-length-prefixed key encoding of the row.
var Records = Serde[krow.Records]{
	Serializer:   encodeRecords,
	Deserializer: decodeRecords,
}

const (
	signRetract byte = 0
	signInsert  byte = 1
)

func encodeRecords(recs krow.Records) ([]byte, error) {
	b := binary.AppendUvarint(nil, uint64(len(recs)))
	for _, rec := range recs {
		sign := signRetract
		if rec.Positive {
			sign = signInsert
		}
		row := EncodeKey(rec.Row)
		b = append(b, sign)
		b = binary.AppendUvarint(b, uint64(len(row)))
		b = append(b, row...)
	}
	return b, nil
}

func decodeRecords(b []byte) (krow.Records, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, fmt.Errorf("%w: bad record count", ErrCorruptRecords)
	}
	b = b[sz:]
	// every record takes at least two bytes
	if n > uint64(len(b)/2) {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrCorruptRecords, n, len(b))
	}

	out := make(krow.Records, 0, n)
	for i := range int(n) {
		sign := b[0]
		if sign != signRetract && sign != signInsert {
			return nil, fmt.Errorf("%w: record %d: bad sign %#x", ErrCorruptRecords, i, sign)
		}
		size, sz := binary.Uvarint(b[1:])
		if sz <= 0 || size > uint64(len(b)-1-sz) {
			return nil, fmt.Errorf("%w: record %d: bad length", ErrCorruptRecords, i)
		}
		start := 1 + sz
		end := start + int(size)
		row, _, err := DecodeKey(b[start:end], -1)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrCorruptRecords, i, err)
		}
		out = append(out, krow.Record{Row: row, Positive: sign == signInsert})
		b = b[end:]
		if i < int(n)-1 && len(b) == 0 {
			return nil, fmt.Errorf("%w: truncated after record %d", ErrCorruptRecords, i)
		}
	}
	if len(b) > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecords, len(b))
	}
	return out, nil
}
