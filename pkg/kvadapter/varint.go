package kvadapter

import "fmt"

// encodeID writes id (a typeno or featno, always >= 0) as a UTF-8-style
// variable-length byte sequence: 1 byte for 0-127, 2 bytes for 128-2047, and
// so on, with the leading byte carrying the length in its high bits exactly
// as UTF-8 does. This keeps lexicographic order on the encoded bytes equal
// to numeric order on id, and makes the encoding self-delimiting so
// composite keys can be parsed without an external length field.
func encodeID(id int64) ([]byte, error) {
	if id < 0 {
		return nil, fmt.Errorf("kvadapter: negative id %d cannot be encoded", id)
	}
	switch {
	case id < 0x80:
		return []byte{byte(id)}, nil
	case id < 0x800:
		return []byte{
			0xC0 | byte(id>>6),
			0x80 | byte(id&0x3F),
		}, nil
	case id < 0x10000:
		return []byte{
			0xE0 | byte(id>>12),
			0x80 | byte((id>>6)&0x3F),
			0x80 | byte(id&0x3F),
		}, nil
	case id < 0x200000:
		return []byte{
			0xF0 | byte(id>>18),
			0x80 | byte((id>>12)&0x3F),
			0x80 | byte((id>>6)&0x3F),
			0x80 | byte(id&0x3F),
		}, nil
	case id < 0x4000000:
		return []byte{
			0xF8 | byte(id>>24),
			0x80 | byte((id>>18)&0x3F),
			0x80 | byte((id>>12)&0x3F),
			0x80 | byte((id>>6)&0x3F),
			0x80 | byte(id&0x3F),
		}, nil
	case id < 0x80000000:
		return []byte{
			0xFC | byte(id>>30),
			0x80 | byte((id>>24)&0x3F),
			0x80 | byte((id>>18)&0x3F),
			0x80 | byte((id>>12)&0x3F),
			0x80 | byte((id>>6)&0x3F),
			0x80 | byte(id&0x3F),
		}, nil
	default:
		return nil, fmt.Errorf("kvadapter: id %d exceeds the maximum encodable id (2^31-1)", id)
	}
}

// idLen returns the number of bytes the encoding of the id starting at
// lead will occupy, derived from the count of leading 1-bits in lead.
func idLen(lead byte) (int, error) {
	switch {
	case lead&0x80 == 0x00:
		return 1, nil
	case lead&0xE0 == 0xC0:
		return 2, nil
	case lead&0xF0 == 0xE0:
		return 3, nil
	case lead&0xF8 == 0xF0:
		return 4, nil
	case lead&0xFC == 0xF8:
		return 5, nil
	case lead&0xFE == 0xFC:
		return 6, nil
	default:
		return 0, fmt.Errorf("kvadapter: invalid id encoding lead byte 0x%02x", lead)
	}
}

// decodeID reads one encoded id from the front of buf, returning its value
// and the number of bytes consumed.
func decodeID(buf []byte) (int64, int, error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("kvadapter: empty buffer decoding id")
	}
	n, err := idLen(buf[0])
	if err != nil {
		return 0, 0, err
	}
	if len(buf) < n {
		return 0, 0, fmt.Errorf("kvadapter: truncated id encoding: need %d bytes, have %d", n, len(buf))
	}
	var id int64
	switch n {
	case 1:
		id = int64(buf[0])
	default:
		id = int64(buf[0] & (0x7F >> uint(n)))
		for i := 1; i < n; i++ {
			if buf[i]&0xC0 != 0x80 {
				return 0, 0, fmt.Errorf("kvadapter: malformed continuation byte at offset %d", i)
			}
			id = id<<6 | int64(buf[i]&0x3F)
		}
	}
	return id, n, nil
}
