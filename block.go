package minibase

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/xiaoxuxiansheng/minibase/filter"
	"github.com/xiaoxuxiansheng/minibase/record"
)

const (
	KVCountLen  = 4 // block 头部记录条数字段长度
	ChecksumLen = 4 // block 尾部 crc32 字段长度
)

// 数据块构造器. 格式为 [count:4][record]*[crc32:4]
type BlockWriter struct {
	records   []*record.Record // 块内数据，按全序追加
	totalSize int              // 块内数据序列化后的总大小
	crc       uint32           // 块内数据的 crc32
	filter    filter.Filter    // 块级布隆过滤器
	lastKV    *record.Record   // 最晚一笔写入的数据
}

func NewBlockWriter(conf *Config) (*BlockWriter, error) {
	bf, err := filter.NewBloomFilter(conf.BloomFilterHashCount, conf.BloomFilterBitsPerKey)
	if err != nil {
		return nil, err
	}
	return &BlockWriter{
		filter: bf,
	}, nil
}

// 追加一笔数据到数据块中
func (b *BlockWriter) Append(r *record.Record) {
	buf := r.Encode()
	b.crc = crc32.Update(b.crc, crc32.IEEETable, buf)
	b.records = append(b.records, r)
	b.filter.Add(r.Key)
	b.totalSize += len(buf)
	b.lastKV = r
}

// 编码后的块大小
func (b *BlockWriter) Size() int {
	return KVCountLen + b.totalSize + ChecksumLen
}

func (b *BlockWriter) KVCount() int {
	return len(b.records)
}

func (b *BlockWriter) LastKV() *record.Record {
	return b.lastKV
}

func (b *BlockWriter) Checksum() uint32 {
	return b.crc
}

// 块内全部 key 生成的布隆过滤器 bitmap，不写入块本身，由索引保存
func (b *BlockWriter) BloomFilter() []byte {
	return b.filter.Hash()
}

func (b *BlockWriter) ToBytes() []byte {
	buf := make([]byte, b.Size())
	binary.BigEndian.PutUint32(buf[0:], uint32(len(b.records)))
	pos := KVCountLen
	for _, r := range b.records {
		pos += r.EncodeTo(buf[pos:])
	}
	binary.BigEndian.PutUint32(buf[pos:], b.crc)
	return buf
}

// 解析数据块
// 1 校验块长度以及条数上限
// 2 先校验 crc32，再逐笔解析数据
// 3 解析消耗的长度必须与块大小完全一致
func DecodeBlock(buf []byte) ([]*record.Record, error) {
	if len(buf) < KVCountLen+ChecksumLen {
		return nil, fmt.Errorf("%w: block size %d", ErrTruncatedBlock, len(buf))
	}

	count := int(binary.BigEndian.Uint32(buf[0:]))
	body := buf[KVCountLen : len(buf)-ChecksumLen]
	if count*record.MinSize > len(body) {
		return nil, fmt.Errorf("%w: %d records cannot fit in %d bytes", ErrTruncatedBlock, count, len(body))
	}

	expect := binary.BigEndian.Uint32(buf[len(buf)-ChecksumLen:])
	if got := crc32.ChecksumIEEE(body); got != expect {
		return nil, fmt.Errorf("%w: expect %08x, got %08x", ErrChecksumMismatch, expect, got)
	}

	records := make([]*record.Record, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		r, err := record.Decode(body[pos:])
		if err != nil {
			// crc32 不覆盖条数字段，条数偏大时数据提前耗尽
			return nil, fmt.Errorf("%w: decode record %d of %d: %w", ErrTruncatedBlock, i, count, err)
		}
		records = append(records, r)
		pos += r.SerializeSize()
	}

	if pos != len(body) {
		return nil, fmt.Errorf("%w: decoded %d bytes, block size %d", ErrTruncatedBlock, KVCountLen+pos+ChecksumLen, len(buf))
	}

	return records, nil
}
