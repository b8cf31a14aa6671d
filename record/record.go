package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	RawKeyLenSize = 4 // rawKeyLen 字段长度
	ValLenSize    = 4 // valueLen 字段长度
	OpSize        = 1 // op 字段长度
	SeqIDSize     = 8 // sequenceId 字段长度

	MinSize = RawKeyLenSize + ValLenSize + OpSize + SeqIDSize // 空 key 空 value 时的序列化长度
)

var ErrMalformedRecord = errors.New("malformed record")

// 操作类型
type Op uint8

const (
	Put    Op = 0
	Delete Op = 1
)

func (o Op) String() string {
	switch o {
	case Put:
		return "Put"
	case Delete:
		return "Delete"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// 一笔数据. 构造后不可变
type Record struct {
	Key        []byte
	Value      []byte
	Op         Op
	SequenceID uint64
}

func NewRecord(key, value []byte, op Op, sequenceID uint64) (*Record, error) {
	if op != Put && op != Delete {
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformedRecord, op)
	}
	if sequenceID == 0 {
		return nil, errors.New("sequence id must be positive")
	}
	if key == nil {
		key = []byte{}
	}
	if value == nil {
		value = []byte{}
	}
	return &Record{
		Key:        key,
		Value:      value,
		Op:         op,
		SequenceID: sequenceID,
	}, nil
}

func NewPut(key, value []byte, sequenceID uint64) *Record {
	r, _ := NewRecord(key, value, Put, sequenceID)
	return r
}

func NewDelete(key []byte, sequenceID uint64) *Record {
	r, _ := NewRecord(key, nil, Delete, sequenceID)
	return r
}

// 全序关系: key 升序; key 相同时 sequenceId 降序(新数据在前); 再相同时 Delete 在 Put 之前
func Compare(a, b *Record) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if a.SequenceID != b.SequenceID {
		if a.SequenceID > b.SequenceID {
			return -1
		}
		return 1
	}
	if a.Op != b.Op {
		if a.Op > b.Op {
			return -1
		}
		return 1
	}
	return 0
}

func Less(a, b *Record) bool {
	return Compare(a, b) < 0
}

func (r *Record) rawKeyLen() int {
	return len(r.Key) + OpSize + SeqIDSize
}

// 序列化后的字节数
func (r *Record) SerializeSize() int {
	return RawKeyLenSize + ValLenSize + r.rawKeyLen() + len(r.Value)
}

// [rawKeyLen:4][valueLen:4][key][op:1][sequenceId:8][value], 大端序
func (r *Record) Encode() []byte {
	buf := make([]byte, r.SerializeSize())
	r.EncodeTo(buf)
	return buf
}

// 写入 dst，调用方需保证 dst 长度不小于 SerializeSize
func (r *Record) EncodeTo(dst []byte) int {
	pos := 0
	binary.BigEndian.PutUint32(dst[pos:], uint32(r.rawKeyLen()))
	pos += RawKeyLenSize
	binary.BigEndian.PutUint32(dst[pos:], uint32(len(r.Value)))
	pos += ValLenSize
	pos += copy(dst[pos:], r.Key)
	dst[pos] = byte(r.Op)
	pos += OpSize
	binary.BigEndian.PutUint64(dst[pos:], r.SequenceID)
	pos += SeqIDSize
	pos += copy(dst[pos:], r.Value)
	return pos
}

// 从 buf 头部解析出一笔数据. 返回的 Record 不引用 buf 的内存
func Decode(buf []byte) (*Record, error) {
	if len(buf) < RawKeyLenSize+ValLenSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than length prefixes", ErrMalformedRecord, len(buf))
	}

	rawKeyLen := int(binary.BigEndian.Uint32(buf[0:]))
	valLen := int(binary.BigEndian.Uint32(buf[RawKeyLenSize:]))
	if rawKeyLen < OpSize+SeqIDSize {
		return nil, fmt.Errorf("%w: raw key length %d", ErrMalformedRecord, rawKeyLen)
	}

	total := RawKeyLenSize + ValLenSize + rawKeyLen + valLen
	if len(buf) < total {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedRecord, total, len(buf))
	}

	pos := RawKeyLenSize + ValLenSize
	keyLen := rawKeyLen - OpSize - SeqIDSize
	key := make([]byte, keyLen)
	pos += copy(key, buf[pos:pos+keyLen])

	op := Op(buf[pos])
	if op != Put && op != Delete {
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformedRecord, op)
	}
	pos += OpSize

	seqID := binary.BigEndian.Uint64(buf[pos:])
	pos += SeqIDSize

	value := make([]byte, valLen)
	copy(value, buf[pos:pos+valLen])

	return &Record{
		Key:        key,
		Value:      value,
		Op:         op,
		SequenceID: seqID,
	}, nil
}

func (r *Record) String() string {
	return fmt.Sprintf("{key: %q, value: %q, op: %s, seq: %d}", r.Key, r.Value, r.Op, r.SequenceID)
}
