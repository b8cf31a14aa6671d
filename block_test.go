package minibase

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/minibase/record"
)

func newTestConfig(t *testing.T, opts ...ConfigOption) *Config {
	conf, err := NewConfig(t.TempDir(), opts...)
	require.NoError(t, err)
	return conf
}

func testRecords() []*record.Record {
	return []*record.Record{
		record.NewPut([]byte("a"), []byte("b"), 4),
		record.NewDelete([]byte("b"), 3),
		record.NewPut([]byte("b"), []byte("c"), 2),
		record.NewPut([]byte("bcd"), []byte("d"), 1),
	}
}

func Test_Block_ToBytes(t *testing.T) {
	block, err := NewBlockWriter(newTestConfig(t))
	require.NoError(t, err)

	records := testRecords()
	var body []byte
	for _, r := range records {
		block.Append(r)
		body = append(body, r.Encode()...)
	}

	// count | records | crc32
	buf := block.ToBytes()
	require.Len(t, buf, block.Size())
	assert.Equal(t, uint32(len(records)), binary.BigEndian.Uint32(buf[0:]))
	assert.Equal(t, body, buf[KVCountLen:len(buf)-ChecksumLen])
	assert.Equal(t, block.Checksum(), binary.BigEndian.Uint32(buf[len(buf)-ChecksumLen:]))
	assert.Same(t, records[3], block.LastKV())

	got, err := DecodeBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func Test_Block_Corrupt(t *testing.T) {
	block, err := NewBlockWriter(newTestConfig(t))
	require.NoError(t, err)
	for _, r := range testRecords() {
		block.Append(r)
	}
	buf := block.ToBytes()

	// 翻转数据区或校验和中的任意一个 bit
	for i := KVCountLen; i < len(buf); i++ {
		flipped := append([]byte{}, buf...)
		flipped[i] ^= 0x40
		_, err = DecodeBlock(flipped)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "byte %d", i)
	}

	// 条数多于实际数据
	overCount := append([]byte{}, buf...)
	binary.BigEndian.PutUint32(overCount, 5)
	_, err = DecodeBlock(overCount)
	assert.ErrorIs(t, err, ErrTruncatedBlock)

	// 条数字段损坏，不按条数预分配内存
	hugeCount := append([]byte{}, buf...)
	hugeCount[0] = 0xFF
	_, err = DecodeBlock(hugeCount)
	assert.ErrorIs(t, err, ErrTruncatedBlock)

	// 条数少于实际数据
	underCount := append([]byte{}, buf...)
	binary.BigEndian.PutUint32(underCount, 3)
	_, err = DecodeBlock(underCount)
	assert.ErrorIs(t, err, ErrTruncatedBlock)

	_, err = DecodeBlock(buf[:6])
	assert.ErrorIs(t, err, ErrTruncatedBlock)
}

func Test_Block_BloomFilter(t *testing.T) {
	conf := newTestConfig(t)
	block, err := NewBlockWriter(conf)
	require.NoError(t, err)
	for _, r := range testRecords() {
		block.Append(r)
	}

	meta := &BlockMeta{LastKV: block.LastKV(), BloomFilter: block.BloomFilter()}
	file := &DiskFile{metas: []*BlockMeta{meta}}
	file.filter = block.filter
	for _, key := range []string{"a", "b", "bcd"} {
		assert.True(t, file.MayContain([]byte(key)), key)
	}
	// 大于最后一个 key 时没有候选块
	assert.False(t, file.MayContain([]byte("c")))
}

func Test_BlockIndex(t *testing.T) {
	var w BlockIndexWriter
	metas := []*BlockMeta{
		{LastKV: record.NewPut([]byte("b"), []byte("1"), 2), BlockOffset: 0, BlockSize: 100, BloomFilter: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{LastKV: record.NewDelete([]byte("d"), 5), BlockOffset: 100, BlockSize: 60, BloomFilter: []byte{}},
	}
	for _, meta := range metas {
		w.Append(meta)
	}
	assert.Equal(t, 2, w.Count())

	got, err := DecodeBlockIndex(w.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, metas, got)

	assert.Equal(t, 0, searchBlockMeta(got, record.NewDelete([]byte("a"), 1)))
	assert.Equal(t, 1, searchBlockMeta(got, record.NewDelete([]byte("c"), 1)))
	assert.Equal(t, 2, searchBlockMeta(got, record.NewDelete([]byte("e"), 1)))

	_, err = DecodeBlockIndex(w.ToBytes()[:30])
	assert.ErrorIs(t, err, ErrCorruptIndex)
}
