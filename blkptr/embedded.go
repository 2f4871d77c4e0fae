/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 09:40:05 2019 mstenber
 * Last modified: Tue Mar 19 11:02:33 2019 mstenber
 * Edit time:     55 min
 *
 */

package blkptr

// EmbeddedPayloadSize is what fits inside the descriptor itself:
// every word except the properties word and the logical-birth word.
const EmbeddedPayloadSize = PtrSize - 16

// payloadWords lists the descriptor words an embedded payload
// occupies, in payload byte order.
var payloadWords = []int{0, 1, 2, 3, 4, 5, 7, 8, 9, 11, 12, 13, 14, 15}

// NewEmbedded builds a descriptor whose (possibly compressed) payload
// is stored inline. psize is len(payload); lsize the uncompressed
// size.
func NewEmbedded(payload []byte, lsize int, comp CompressID, typ BlockType, birth uint64) Ptr {
	if len(payload) > EmbeddedPayloadSize {
		panic("blkptr.NewEmbedded: payload too large")
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return Ptr{
		Payload:     p,
		LogicalSize: lsize,
		Compress:    comp,
		Type:        typ,
		BirthTxg:    birth,
	}
}

func (self *Ptr) encodeEmbedded(w *[nWords]uint64) {
	var padded [EmbeddedPayloadSize]byte
	copy(padded[:], self.Payload)
	for i, wi := range payloadWords {
		var v uint64
		for b := 0; b < 8; b++ {
			v |= uint64(padded[i*8+b]) << (8 * b)
		}
		w[wi] = v
	}
	// Embedded properties: byte-granular sizes (lsize:25 psize@25:7),
	// then the shared comp/embedded/type/level fields.
	w[6] = uint64(self.LogicalSize-1)&0x1ffffff |
		uint64(len(self.Payload)-1)<<25&(0x7f<<25) |
		uint64(self.Compress)<<32 |
		propEmbeddedBit |
		uint64(self.Type)<<48 |
		uint64(self.Level&0x1f)<<56
	w[10] = self.BirthTxg
}

func decodeEmbedded(w *[nWords]uint64) Ptr {
	prop := w[6]
	psize := int(prop>>25&0x7f) + 1
	var padded [EmbeddedPayloadSize]byte
	for i, wi := range payloadWords {
		v := w[wi]
		for b := 0; b < 8; b++ {
			padded[i*8+b] = byte(v >> (8 * b))
		}
	}
	return Ptr{
		Payload:     padded[:psize:psize],
		LogicalSize: int(prop&0x1ffffff) + 1,
		Compress:    CompressID(prop >> 32 & 0x7f),
		Type:        BlockType(prop >> 48 & 0xff),
		Level:       uint8(prop >> 56 & 0x1f),
		BirthTxg:    w[10],
	}
}
