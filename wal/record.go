package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/lowkeydb/lowkeydb/errs"
)

// RecordType classifies a WAL record, per the on-disk record format.
type RecordType uint8

const (
	RecordBegin RecordType = iota
	RecordPut
	RecordDelete
	RecordCommit
	RecordAbort
	RecordCheckpointBegin
	RecordCheckpointEnd
	RecordPageImage
)

// frameHeaderSize is the fixed portion preceding the variable payload:
// lsn(8) + txn_id(8) + type(1) + payload_len(4).
const frameHeaderSize = 8 + 8 + 1 + 4
const crcSize = 4

// Record is one logged WAL entry.
type Record struct {
	LSN     uint64
	TxnID   uint64
	Type    RecordType
	Payload []byte
}

// encode serializes r into its on-disk framing, including the trailing
// CRC32 over everything preceding it.
func (r *Record) encode() []byte {
	buf := make([]byte, frameHeaderSize+len(r.Payload)+crcSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], r.TxnID)
	buf[16] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(r.Payload)))
	copy(buf[frameHeaderSize:], r.Payload)
	crc := crc32.ChecksumIEEE(buf[:frameHeaderSize+len(r.Payload)])
	binary.LittleEndian.PutUint32(buf[frameHeaderSize+len(r.Payload):], crc)
	return buf
}

// decodeRecord parses one record from the front of buf, returning the
// record and the number of bytes consumed. errTornRecord is returned
// (never wrapped further) when buf is too short or the CRC doesn't match,
// signaling the caller to stop iteration and truncate the tail.
func decodeRecord(buf []byte) (*Record, int, error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, errTornRecord
	}
	payloadLen := binary.LittleEndian.Uint32(buf[17:21])
	total := frameHeaderSize + int(payloadLen) + crcSize
	if len(buf) < total {
		return nil, 0, errTornRecord
	}
	gotCRC := binary.LittleEndian.Uint32(buf[frameHeaderSize+int(payloadLen) : total])
	wantCRC := crc32.ChecksumIEEE(buf[:frameHeaderSize+int(payloadLen)])
	if gotCRC != wantCRC {
		return nil, 0, errTornRecord
	}
	r := &Record{
		LSN:     binary.LittleEndian.Uint64(buf[0:8]),
		TxnID:   binary.LittleEndian.Uint64(buf[8:16]),
		Type:    RecordType(buf[16]),
		Payload: append([]byte(nil), buf[frameHeaderSize:frameHeaderSize+int(payloadLen)]...),
	}
	return r, total, nil
}

var errTornRecord = errs.ErrCorruption

// --- payload helpers ---

// EncodePut builds the payload for a put record: the key, the optional
// pre-image (old value, or its absence), and the new value.
func EncodePut(key, oldValue []byte, hadOld bool, newValue []byte) []byte {
	buf := make([]byte, 0, 2+len(key)+1+4+len(oldValue)+4+len(newValue))
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(key)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, key...)
	if hadOld {
		buf = append(buf, 1)
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(oldValue)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, oldValue...)
	} else {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(newValue)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, newValue...)
	return buf
}

// DecodedPut is the parsed form of a put record's payload.
type DecodedPut struct {
	Key      []byte
	HadOld   bool
	OldValue []byte
	NewValue []byte
}

func DecodePut(payload []byte) DecodedPut {
	klen := binary.LittleEndian.Uint16(payload[0:2])
	off := 2
	key := payload[off : off+int(klen)]
	off += int(klen)
	hadOld := payload[off] == 1
	off++
	var oldValue []byte
	if hadOld {
		olen := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		oldValue = payload[off : off+int(olen)]
		off += int(olen)
	}
	nlen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	newValue := payload[off : off+int(nlen)]
	return DecodedPut{Key: key, HadOld: hadOld, OldValue: oldValue, NewValue: newValue}
}

// EncodeDelete builds the payload for a delete record: the key and the
// pre-image that existed before the delete.
func EncodeDelete(key, oldValue []byte) []byte {
	buf := make([]byte, 0, 2+len(key)+4+len(oldValue))
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(key)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, key...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(oldValue)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, oldValue...)
	return buf
}

type DecodedDelete struct {
	Key      []byte
	OldValue []byte
}

func DecodeDelete(payload []byte) DecodedDelete {
	klen := binary.LittleEndian.Uint16(payload[0:2])
	off := 2
	key := payload[off : off+int(klen)]
	off += int(klen)
	olen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	oldValue := payload[off : off+int(olen)]
	return DecodedDelete{Key: key, OldValue: oldValue}
}

// EncodeCheckpointBegin lists the transaction ids active at checkpoint
// time.
func EncodeCheckpointBegin(active []uint64) []byte {
	buf := make([]byte, 4+8*len(active))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(active)))
	for i, id := range active {
		binary.LittleEndian.PutUint64(buf[4+8*i:4+8*i+8], id)
	}
	return buf
}

func DecodeCheckpointBegin(payload []byte) []uint64 {
	count := binary.LittleEndian.Uint32(payload[0:4])
	ids := make([]uint64, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(payload[4+8*i : 4+8*i+8])
	}
	return ids
}
