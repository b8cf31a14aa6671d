package minibase

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 后台合并协程. 磁盘文件个数超过阈值时，将全部文件合并为一个
type Compactor struct {
	conf   *Config
	store  *DiskStore
	logger *zap.Logger

	// 串行化后台合并与手动合并
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCompactor(conf *Config, store *DiskStore) *Compactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Compactor{
		conf:   conf,
		store:  store,
		logger: conf.Logger.Named("compactor"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *Compactor) Start() {
	go c.run()
}

// 通知协程退出，并等待进行中的合并结束
func (c *Compactor) Stop() {
	c.cancel()
	<-c.done
}

// 运行 compact 协程.
func (c *Compactor) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.conf.CompactInterval())
	defer ticker.Stop()

	for {
		select {
		// 接收到终止信号，退出协程.
		case <-c.ctx.Done():
			return
		// 文件个数超过阈值时执行一次全量合并，失败则等待下个周期重试.
		case <-ticker.C:
			if c.store.Count() <= c.conf.MaxDiskFiles {
				continue
			}
			if err := c.Compact(); err != nil {
				c.logger.Error("compact disk files", zap.Error(err))
			}
		}
	}
}

// 全量合并
// 1 获取全部存活文件并归并，每个 key 只保留最新的一笔，丢弃删除标记
// 2 写入临时文件，fsync 后重命名为正式文件
// 3 在文件列表中用新文件替换旧文件，旧文件重命名为 archive
func (c *Compactor) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	files := c.store.AcquireFiles()
	defer func() { _ = c.store.ReleaseFiles(files) }()
	if len(files) == 0 {
		return nil
	}

	filePath := c.store.NextFilePath()
	tmpPath := filePath + tmpSuffix
	start := time.Now()
	c.logger.Info("compaction start", zap.Int("files", len(files)), zap.String("target", filePath))

	added, err := c.writeCompacted(files, filePath, tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compact into %s: %w", filePath, err)
	}

	if err = c.store.Replace(added, files); err != nil {
		// 新文件已生效，只是旧文件未能全部归档
		c.logger.Warn("archive compacted files", zap.Error(err))
	}
	c.logger.Info("compaction finish",
		zap.Int("files", len(files)),
		zap.String("target", filePath),
		zap.Duration("cost", time.Since(start)),
	)
	return nil
}

func (c *Compactor) writeCompacted(files []*DiskFile, filePath, tmpPath string) (*DiskFile, error) {
	it, err := c.store.CreateIterator(files)
	if err != nil {
		return nil, err
	}

	err = writeDiskFile(tmpPath, c.conf, it, true)
	err = multierr.Append(err, it.Close())
	if err != nil {
		return nil, err
	}

	if err = os.Rename(tmpPath, filePath); err != nil {
		return nil, err
	}
	added, err := OpenDiskFile(filePath, c.conf)
	if err != nil {
		_ = os.Remove(filePath)
		return nil, err
	}
	return added, nil
}
