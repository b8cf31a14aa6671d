package minibase

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/xiaoxuxiansheng/minibase/filter"
	"github.com/xiaoxuxiansheng/minibase/record"
)

// 对应磁盘上的一个有序文件. 这是读取流程的视角
// 文件创建后不再修改，通过引用计数保证被合并掉的文件在迭代结束前仍然可读
type DiskFile struct {
	path       string
	src        *os.File
	size       uint64
	blockCount int
	metas      []*BlockMeta
	filter     filter.Filter

	refs atomic.Int32 // 归 0 时关闭文件句柄
}

func OpenDiskFile(filePath string, conf *Config) (*DiskFile, error) {
	bf, err := filter.NewBloomFilter(conf.BloomFilterHashCount, conf.BloomFilterBitsPerKey)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	d := DiskFile{
		path:   filePath,
		src:    src,
		filter: bf,
	}
	if err = d.load(); err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("open disk file %s: %w", filePath, err)
	}
	d.refs.Store(1)
	return &d, nil
}

// 1 读取 trailer 并校验 magic 与文件大小
// 2 读取索引块并校验块个数
// 3 校验每个数据块都落在索引块之前，且彼此首尾相接
func (d *DiskFile) load() error {
	info, err := d.src.Stat()
	if err != nil {
		return err
	}
	size := uint64(info.Size())
	if size < TrailerSize {
		return fmt.Errorf("%w: file size %d", ErrCorruptFile, size)
	}

	trailer := make([]byte, TrailerSize)
	if _, err = d.src.ReadAt(trailer, int64(size-TrailerSize)); err != nil {
		return err
	}
	if magic := binary.BigEndian.Uint64(trailer[28:]); magic != DiskFileMagic {
		return fmt.Errorf("%w: bad magic %x", ErrCorruptFile, magic)
	}
	if fileSize := binary.BigEndian.Uint64(trailer[0:]); fileSize != size {
		return fmt.Errorf("%w: trailer file size %d, actual %d", ErrCorruptFile, fileSize, size)
	}

	blockCount := int(binary.BigEndian.Uint32(trailer[8:]))
	indexOffset := binary.BigEndian.Uint64(trailer[12:])
	indexSize := binary.BigEndian.Uint64(trailer[20:])
	if indexSize > size-TrailerSize || indexOffset+indexSize != size-TrailerSize {
		return fmt.Errorf("%w: index [%d, +%d) overlaps trailer", ErrCorruptIndex, indexOffset, indexSize)
	}

	buf := make([]byte, indexSize)
	if _, err = d.src.ReadAt(buf, int64(indexOffset)); err != nil {
		return err
	}
	metas, err := DecodeBlockIndex(buf)
	if err != nil {
		return err
	}
	if len(metas) != blockCount {
		return fmt.Errorf("%w: expect %d blocks, got %d", ErrCorruptIndex, blockCount, len(metas))
	}
	var next uint64
	for i, meta := range metas {
		if meta.BlockOffset != next || meta.BlockSize < KVCountLen+ChecksumLen || meta.BlockSize > indexOffset-next {
			return fmt.Errorf("%w: block %d at [%d, +%d) outside data region [%d, %d)", ErrCorruptIndex, i, meta.BlockOffset, meta.BlockSize, next, indexOffset)
		}
		next += meta.BlockSize
	}
	if next != indexOffset {
		return fmt.Errorf("%w: blocks end at %d, index starts at %d", ErrCorruptIndex, next, indexOffset)
	}

	d.size = size
	d.blockCount = blockCount
	d.metas = metas
	return nil
}

func (d *DiskFile) Path() string {
	return d.path
}

func (d *DiskFile) Size() uint64 {
	return d.size
}

func (d *DiskFile) BlockCount() int {
	return d.blockCount
}

func (d *DiskFile) Ref() {
	d.refs.Add(1)
}

// 释放一次引用，最后一个引用释放时关闭文件
func (d *DiskFile) Unref() error {
	if d.refs.Add(-1) == 0 {
		return d.src.Close()
	}
	return nil
}

func (d *DiskFile) readBlock(meta *BlockMeta) ([]*record.Record, error) {
	buf := make([]byte, meta.BlockSize)
	if _, err := d.src.ReadAt(buf, int64(meta.BlockOffset)); err != nil && err != io.EOF {
		return nil, err
	}
	records, err := DecodeBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("read block at %d of %s: %w", meta.BlockOffset, d.path, err)
	}
	return records, nil
}

// 借助布隆过滤器判断文件中是否可能存在 key 的数据. 返回 false 时一定不存在
func (d *DiskFile) MayContain(key []byte) bool {
	i := searchBlockMeta(d.metas, record.NewDelete(key, ^uint64(0)))
	if i == len(d.metas) {
		return false
	}
	return d.filter.Exist(d.metas[i].BloomFilter, key)
}

// 遍历文件得到最大的 sequence id
func (d *DiskFile) MaxSequenceID() (uint64, error) {
	var maxSeq uint64
	for _, meta := range d.metas {
		records, err := d.readBlock(meta)
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			if r.SequenceID > maxSeq {
				maxSeq = r.SequenceID
			}
		}
	}
	return maxSeq, nil
}

// 创建文件迭代器，迭代器持有文件的一次引用直到 Close
func (d *DiskFile) Iterator() (*DiskFileIter, error) {
	d.Ref()
	it := DiskFileIter{file: d}
	if err := it.loadBlock(0); err != nil {
		_ = d.Unref()
		return nil, err
	}
	return &it, nil
}

// 按索引顺序逐块懒加载的文件迭代器
type DiskFileIter struct {
	file     *DiskFile
	blockIdx int              // 当前数据块在索引中的位置
	records  []*record.Record // 当前数据块内的数据
	pos      int
	closed   bool
}

func (it *DiskFileIter) loadBlock(idx int) error {
	it.blockIdx = idx
	it.pos = 0
	it.records = nil
	if idx >= len(it.file.metas) {
		return nil
	}
	records, err := it.file.readBlock(it.file.metas[idx])
	if err != nil {
		return err
	}
	it.records = records
	return nil
}

func (it *DiskFileIter) Valid() bool {
	return it.pos < len(it.records)
}

func (it *DiskFileIter) Record() *record.Record {
	return it.records[it.pos]
}

func (it *DiskFileIter) Next() error {
	if !it.Valid() {
		return nil
	}
	it.pos++
	if it.pos < len(it.records) {
		return nil
	}
	return it.loadBlock(it.blockIdx + 1)
}

// 1 二分找到第一个 LastKV >= target 的数据块
// 2 块内二分找到第一笔 >= target 的数据
func (it *DiskFileIter) SeekTo(target *record.Record) error {
	idx := searchBlockMeta(it.file.metas, target)
	if idx == it.blockIdx && it.records != nil {
		it.pos = 0
	} else if err := it.loadBlock(idx); err != nil {
		return err
	}
	if idx == len(it.file.metas) {
		return nil
	}

	it.pos = sort.Search(len(it.records), func(i int) bool {
		return record.Compare(it.records[i], target) >= 0
	})
	if it.pos == len(it.records) {
		it.records = nil
		it.pos = 0
		return fmt.Errorf("%w: no record >= %s in block %d of %s", ErrCorruptBlock, target, idx, it.file.path)
	}
	return nil
}

func (it *DiskFileIter) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.records = nil
	return it.file.Unref()
}
