package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// The wire formats below are opaque to everything outside this package, as
// required: callers only ever round-trip them through EncodeDiff /
// ApplyUpdate / EncodeState / FromState / EncodeStateVector.

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func putID(buf *bytes.Buffer, v id) {
	putUint64(buf, v.Client)
	putUint64(buf, v.Seq)
}

func readID(r *bytes.Reader) (id, error) {
	c, err := readUint64(r)
	if err != nil {
		return id{}, err
	}
	s, err := readUint64(r)
	if err != nil {
		return id{}, err
	}
	return id{Client: c, Seq: s}, nil
}

// --- state vector: [u32 count]{[u64 client][u64 maxSeq]}* ---

func encodeStateVector(sv map[uint64]uint64) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(sv)))
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sortUint64s(clients)
	for _, c := range clients {
		putUint64(&buf, c)
		putUint64(&buf, sv[c])
	}
	return buf.Bytes()
}

func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	r := bytes.NewReader(data)
	sv := make(map[uint64]uint64)
	if len(data) == 0 {
		return sv, nil
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		c, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		s, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		sv[c] = s
	}
	return sv, nil
}

// --- operations: [u32 count]{op}* ---
// op = [u8 kind][id][field][originID or targetID][rune(insert only)]

func encodeOperations(ops []operation) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(ops)))
	for _, op := range ops {
		buf.WriteByte(byte(op.Kind))
		putID(&buf, op.ID)
		putString(&buf, op.Field)
		switch op.Kind {
		case opInsert:
			putID(&buf, op.OriginID)
			putUint32(&buf, uint32(op.Value))
		case opDelete:
			putID(&buf, op.TargetID)
		}
	}
	return buf.Bytes()
}

func decodeOperations(data []byte) ([]operation, error) {
	r := bytes.NewReader(data)
	if len(data) == 0 {
		return nil, nil
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	ops := make([]operation, 0, n)
	for i := uint32(0); i < n; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		kind := opKind(kindByte)
		opID, err := readID(r)
		if err != nil {
			return nil, err
		}
		field, err := readString(r)
		if err != nil {
			return nil, err
		}
		op := operation{ID: opID, Kind: kind, Field: field}
		switch kind {
		case opInsert:
			origin, err := readID(r)
			if err != nil {
				return nil, err
			}
			v, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			op.OriginID = origin
			op.Value = rune(v)
		case opDelete:
			target, err := readID(r)
			if err != nil {
				return nil, err
			}
			op.TargetID = target
		default:
			return nil, fmt.Errorf("crdt: unknown operation kind %d", kindByte)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// --- full state: [u64 clientID][u64 clock][maxSeq map][u32 fieldCount]{field}* ---
// field = [string name][u32 elementCount]{element}*
// element = [id][originID][u8 deleted][u32 rune]

func encodeFullState(d *YDoc) []byte {
	var buf bytes.Buffer
	putUint64(&buf, d.clientID)
	putUint64(&buf, d.clock)
	buf.Write(encodeStateVector(d.maxSeq))

	names := d.sortedFieldNames()
	putUint32(&buf, uint32(len(names)))
	for _, name := range names {
		f := d.fields[name]
		putString(&buf, name)
		putUint32(&buf, uint32(len(f.elements)))
		for _, e := range f.elements {
			putID(&buf, e.ID)
			putID(&buf, e.OriginID)
			if e.Deleted {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
			putUint32(&buf, uint32(e.Value))
		}
	}
	return buf.Bytes()
}

func decodeFullState(data []byte) (*YDoc, error) {
	r := bytes.NewReader(data)
	clientID, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	clock, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	svCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	maxSeq := make(map[uint64]uint64, svCount)
	for i := uint32(0); i < svCount; i++ {
		c, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		s, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		maxSeq[c] = s
	}

	fieldCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]*fieldState, fieldCount)
	for i := uint32(0); i < fieldCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		elemCount, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		f := &fieldState{elements: make([]*element, 0, elemCount)}
		for j := uint32(0); j < elemCount; j++ {
			eid, err := readID(r)
			if err != nil {
				return nil, err
			}
			origin, err := readID(r)
			if err != nil {
				return nil, err
			}
			deletedByte, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			v, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			f.elements = append(f.elements, &element{
				ID:       eid,
				OriginID: origin,
				Deleted:  deletedByte == 1,
				Value:    rune(v),
			})
		}
		fields[name] = f
	}

	d := New(clientID)
	d.clock = clock
	d.maxSeq = maxSeq
	d.fields = fields
	d.seen = make(map[id]bool)
	for _, f := range fields {
		for _, e := range f.elements {
			d.seen[e.ID] = true
		}
	}
	return d, nil
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
