package minibase

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/xiaoxuxiansheng/minibase/record"
)

const (
	blockOffsetLen = 8
	blockSizeLen   = 8
	bloomLenLen    = 4
)

// 数据块索引项. 以块内最后一笔数据作为索引 key
type BlockMeta struct {
	LastKV      *record.Record // 块内最大的一笔数据
	BlockOffset uint64         // 块在文件中的起始偏移量
	BlockSize   uint64         // 块的大小，单位 byte
	BloomFilter []byte         // 块级布隆过滤器 bitmap
}

func (m *BlockMeta) SerializeSize() int {
	return m.LastKV.SerializeSize() + blockOffsetLen + blockSizeLen + bloomLenLen + len(m.BloomFilter)
}

// [lastKV][offset:8][size:8][bloomLen:4][bloom]
func (m *BlockMeta) EncodeTo(dst []byte) int {
	pos := m.LastKV.EncodeTo(dst)
	binary.BigEndian.PutUint64(dst[pos:], m.BlockOffset)
	pos += blockOffsetLen
	binary.BigEndian.PutUint64(dst[pos:], m.BlockSize)
	pos += blockSizeLen
	binary.BigEndian.PutUint32(dst[pos:], uint32(len(m.BloomFilter)))
	pos += bloomLenLen
	pos += copy(dst[pos:], m.BloomFilter)
	return pos
}

func decodeBlockMeta(buf []byte) (*BlockMeta, int, error) {
	lastKV, err := record.Decode(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorruptIndex, err)
	}
	pos := lastKV.SerializeSize()
	if len(buf) < pos+blockOffsetLen+blockSizeLen+bloomLenLen {
		return nil, 0, fmt.Errorf("%w: short block meta", ErrCorruptIndex)
	}

	m := BlockMeta{LastKV: lastKV}
	m.BlockOffset = binary.BigEndian.Uint64(buf[pos:])
	pos += blockOffsetLen
	m.BlockSize = binary.BigEndian.Uint64(buf[pos:])
	pos += blockSizeLen
	bloomLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += bloomLenLen
	if len(buf)-pos < bloomLen {
		return nil, 0, fmt.Errorf("%w: short bloom filter", ErrCorruptIndex)
	}
	m.BloomFilter = make([]byte, bloomLen)
	pos += copy(m.BloomFilter, buf[pos:pos+bloomLen])
	return &m, pos, nil
}

// 索引块构造器，按写入顺序拼接每个数据块的索引项
type BlockIndexWriter struct {
	metas []*BlockMeta
	size  int
}

func (w *BlockIndexWriter) Append(meta *BlockMeta) {
	w.metas = append(w.metas, meta)
	w.size += meta.SerializeSize()
}

func (w *BlockIndexWriter) Count() int {
	return len(w.metas)
}

func (w *BlockIndexWriter) ToBytes() []byte {
	buf := make([]byte, w.size)
	pos := 0
	for _, meta := range w.metas {
		pos += meta.EncodeTo(buf[pos:])
	}
	return buf
}

// 解析索引块，直到字节耗尽
func DecodeBlockIndex(buf []byte) ([]*BlockMeta, error) {
	var metas []*BlockMeta
	for pos := 0; pos < len(buf); {
		meta, n, err := decodeBlockMeta(buf[pos:])
		if err != nil {
			return nil, fmt.Errorf("decode block meta %d: %w", len(metas), err)
		}
		metas = append(metas, meta)
		pos += n
	}
	return metas, nil
}

// 找到第一个 LastKV >= target 的索引项，不存在时返回 len(metas)
func searchBlockMeta(metas []*BlockMeta, target *record.Record) int {
	return sort.Search(len(metas), func(i int) bool {
		return record.Compare(metas[i].LastKV, target) >= 0
	})
}
