package minibase

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/minibase/record"
)

// [fileSize:8][blockCount:4][indexOffset:8][indexSize:8][magic:8]
const TrailerSize = 36

const DiskFileMagic uint64 = 0xC09111002

// 对应磁盘上的一个有序文件. 这是写入流程的视角
// 文件格式为 [block]* [index] [trailer]
type DiskFileWriter struct {
	conf   *Config
	dest   *os.File
	writer *bufio.Writer

	block *BlockWriter      // 当前正在构造的数据块
	index *BlockIndexWriter // 已落盘数据块的索引

	offset     uint64 // 下一个数据块的起始偏移量
	blockCount int    // 已落盘数据块个数
}

func NewDiskFileWriter(filePath string, conf *Config) (*DiskFileWriter, error) {
	block, err := NewBlockWriter(conf)
	if err != nil {
		return nil, err
	}

	dest, err := os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &DiskFileWriter{
		conf:   conf,
		dest:   dest,
		writer: bufio.NewWriter(dest),
		block:  block,
		index:  &BlockIndexWriter{},
	}, nil
}

// 追加一笔数据. 调用方需保证按全序追加
func (w *DiskFileWriter) Append(r *record.Record) error {
	size := r.SerializeSize()
	limit := w.conf.BlockSizeUpLimit
	// 单笔数据加上块头尾后不能达到块大小上限
	if size+KVCountLen+ChecksumLen >= limit {
		return fmt.Errorf("%w: record size %d, limit %d", ErrRecordTooLarge, size, limit)
	}

	// 当前块写入后会达到上限，先将当前块落盘
	if w.block.KVCount() > 0 && size+w.block.Size() >= limit {
		if err := w.sealBlock(); err != nil {
			return err
		}
	}

	w.block.Append(r)
	return nil
}

func (w *DiskFileWriter) sealBlock() error {
	buf := w.block.ToBytes()
	if _, err := w.writer.Write(buf); err != nil {
		return err
	}

	w.index.Append(&BlockMeta{
		LastKV:      w.block.LastKV(),
		BlockOffset: w.offset,
		BlockSize:   uint64(len(buf)),
		BloomFilter: w.block.BloomFilter(),
	})
	w.offset += uint64(len(buf))
	w.blockCount++

	block, err := NewBlockWriter(w.conf)
	if err != nil {
		return err
	}
	w.block = block
	return nil
}

// 写入最后一个数据块、索引以及 trailer
func (w *DiskFileWriter) Finish() error {
	if w.block.KVCount() > 0 {
		if err := w.sealBlock(); err != nil {
			return err
		}
	}

	index := w.index.ToBytes()
	if _, err := w.writer.Write(index); err != nil {
		return err
	}
	indexOffset := w.offset
	w.offset += uint64(len(index))

	trailer := make([]byte, TrailerSize)
	binary.BigEndian.PutUint64(trailer[0:], w.offset+TrailerSize)
	binary.BigEndian.PutUint32(trailer[8:], uint32(w.blockCount))
	binary.BigEndian.PutUint64(trailer[12:], indexOffset)
	binary.BigEndian.PutUint64(trailer[20:], uint64(len(index)))
	binary.BigEndian.PutUint64(trailer[28:], DiskFileMagic)
	if _, err := w.writer.Write(trailer); err != nil {
		return err
	}
	w.offset += TrailerSize
	return nil
}

// 刷新缓冲区并 fsync 后关闭文件
func (w *DiskFileWriter) Close() error {
	err := w.writer.Flush()
	if err == nil {
		err = w.dest.Sync()
	}
	return multierr.Append(err, w.dest.Close())
}
