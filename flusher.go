package minibase

import (
	"bytes"
	"os"

	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/minibase/iterator"
	"github.com/xiaoxuxiansheng/minibase/record"
)

// 将 memstore 快照溢写为一个新的磁盘文件
type DiskStoreFlusher struct {
	conf   *Config
	store  *DiskStore
	logger *zap.Logger
}

func NewDiskStoreFlusher(conf *Config, store *DiskStore) *DiskStoreFlusher {
	return &DiskStoreFlusher{
		conf:   conf,
		store:  store,
		logger: conf.Logger.Named("flusher"),
	}
}

// 1 写入临时文件并 fsync
// 2 重命名为正式文件
// 3 加入存活文件列表
// 任一步失败都会清理已产生的文件
func (f *DiskStoreFlusher) Flush(it iterator.SeekIter) error {
	filePath := f.store.NextFilePath()
	tmpPath := filePath + tmpSuffix

	if err := writeDiskFile(tmpPath, f.conf, it, false); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.store.AddDiskFile(filePath); err != nil {
		_ = os.Remove(filePath)
		return err
	}

	f.logger.Info("flush disk file", zap.String("file", filePath))
	return nil
}

// 将迭代器中的数据写成一个完整的磁盘文件. dedup 为 true 时每个 key 只保留最新的一笔，且丢弃删除标记.
// 丢弃删除标记要求 it 之外不存在序列号更小的同 key 数据: 磁盘文件按序列号区间先后生成，
// memstore 中的序列号一定大于已溢写的序列号
func writeDiskFile(filePath string, conf *Config, it iterator.SeekIter, dedup bool) (err error) {
	writer, err := NewDiskFileWriter(filePath, conf)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
	}()

	var (
		lastKey []byte
		started bool
	)
	for it.Valid() {
		r := it.Record()
		skip := false
		if dedup {
			skip = started && bytes.Equal(lastKey, r.Key)
			lastKey, started = r.Key, true
			skip = skip || r.Op == record.Delete
		}
		if !skip {
			if err = writer.Append(r); err != nil {
				return err
			}
		}
		if err = it.Next(); err != nil {
			return err
		}
	}
	return writer.Finish()
}
