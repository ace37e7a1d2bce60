package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/sha3"

	"github.com/veltrix-io/tichain/internal/model"
)

// dataHash hashes the canonical serialization of a batch's points (§3, §4.4).
// Serialization is field-by-field in fixed order with no map iteration and
// fixed-width numeric encodings, so the digest is identical across
// platforms and Go versions.
func dataHash(points []model.DataPoint) string {
	var buf bytes.Buffer
	for _, p := range points {
		writeUint64(&buf, uint64(p.SequenceID))
		writeString(&buf, p.PointName)
		writeString(&buf, p.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
		writeUint64(&buf, math.Float64bits(p.Value))
		buf.WriteByte(byte(p.Quality))
	}
	return keccak(buf.Bytes())
}

// chainHashOf computes chain-hash = H(previous-hash || batch-id || point-count
// || min-ts || max-ts || data-hash) per §3.
func chainHashOf(previousHash, batchID string, pointCount int, minTS, maxTS int64, dh string) string {
	var buf bytes.Buffer
	buf.WriteString(previousHash)
	writeString(&buf, batchID)
	writeUvarint(&buf, uint64(pointCount))
	writeUint64(&buf, uint64(minTS))
	writeUint64(&buf, uint64(maxTS))
	buf.WriteString(dh)
	return keccak(buf.Bytes())
}

func keccak(b []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	buf.Write(b[:n])
}
