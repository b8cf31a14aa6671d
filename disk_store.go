package minibase

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/minibase/iterator"
)

const (
	dataFilePrefix = "data."
	tmpSuffix      = ".tmp"
	archiveSuffix  = ".archive"
)

// 数据目录下全部存活的有序文件. 文件命名为 data.<id>
// 临时文件为 data.<id>.tmp，被合并掉的文件重命名为 data.<id>.archive
type DiskStore struct {
	conf   *Config
	logger *zap.Logger

	// 只保护文件列表，不保护文件内容
	mu    sync.Mutex
	files []*DiskFile

	nextFileID atomic.Uint64 // 最近一次分配的文件编号
}

// 1 遍历数据目录，得到最大文件编号
// 2 删除上次异常退出遗留的临时文件
// 3 打开全部存活文件
func OpenDiskStore(conf *Config) (*DiskStore, error) {
	s := DiskStore{
		conf:   conf,
		logger: conf.Logger.Named("diskstore"),
	}

	entries, err := os.ReadDir(conf.Dir)
	if err != nil {
		return nil, err
	}

	var (
		maxID uint64
		live  []uint64
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, suffix, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		if id > maxID {
			maxID = id
		}

		switch suffix {
		case tmpSuffix:
			if err = os.Remove(path.Join(conf.Dir, entry.Name())); err != nil {
				return nil, err
			}
			s.logger.Info("remove leftover temp file", zap.String("file", entry.Name()))
		case "":
			live = append(live, id)
		}
	}
	s.nextFileID.Store(maxID)

	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	for _, id := range live {
		file, err := OpenDiskFile(s.filePath(id), conf)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.files = append(s.files, file)
	}
	return &s, nil
}

// data.<id>[.tmp|.archive]
func parseFileName(name string) (uint64, string, bool) {
	if !strings.HasPrefix(name, dataFilePrefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(name, dataFilePrefix)
	var suffix string
	for _, s := range []string{tmpSuffix, archiveSuffix} {
		if strings.HasSuffix(rest, s) {
			suffix = s
			rest = strings.TrimSuffix(rest, s)
			break
		}
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, suffix, true
}

func (s *DiskStore) filePath(id uint64) string {
	return path.Join(s.conf.Dir, dataFilePrefix+strconv.FormatUint(id, 10))
}

// 分配一个新的文件路径
func (s *DiskStore) NextFilePath() string {
	return s.filePath(s.nextFileID.Add(1))
}

func (s *DiskStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// 打开一个已经落盘完成的文件并加入存活列表
func (s *DiskStore) AddDiskFile(filePath string) error {
	file, err := OpenDiskFile(filePath, s.conf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.files = append(s.files, file)
	s.mu.Unlock()
	return nil
}

// 用合并产生的新文件替换掉被合并的文件
// 被替换的文件重命名为 archive 并释放列表持有的引用，迭代器持有的引用不受影响
func (s *DiskStore) Replace(added *DiskFile, removed []*DiskFile) error {
	drop := make(map[*DiskFile]struct{}, len(removed))
	for _, file := range removed {
		drop[file] = struct{}{}
	}

	s.mu.Lock()
	files := make([]*DiskFile, 0, len(s.files)-len(removed)+1)
	files = append(files, added)
	for _, file := range s.files {
		if _, ok := drop[file]; !ok {
			files = append(files, file)
		}
	}
	s.files = files
	s.mu.Unlock()

	var err error
	for _, file := range removed {
		if renameErr := os.Rename(file.Path(), file.Path()+archiveSuffix); renameErr != nil {
			s.logger.Warn("archive disk file", zap.String("file", file.Path()), zap.Error(renameErr))
			err = multierr.Append(err, renameErr)
		}
		err = multierr.Append(err, file.Unref())
	}
	return err
}

// 获取当前存活文件的快照，每个文件增加一次引用
func (s *DiskStore) AcquireFiles() []*DiskFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]*DiskFile, len(s.files))
	copy(files, s.files)
	for _, file := range files {
		file.Ref()
	}
	return files
}

func (s *DiskStore) ReleaseFiles(files []*DiskFile) error {
	var err error
	for _, file := range files {
		err = multierr.Append(err, file.Unref())
	}
	return err
}

// 基于指定文件构造归并迭代器
func (s *DiskStore) CreateIterator(files []*DiskFile) (*iterator.MergeIter, error) {
	iters := make([]iterator.SeekIter, 0, len(files))
	for _, file := range files {
		it, err := file.Iterator()
		if err != nil {
			for _, opened := range iters {
				_ = opened.Close()
			}
			return nil, err
		}
		iters = append(iters, it)
	}
	return iterator.NewMergeIter(iters...), nil
}

// 基于全部存活文件构造归并迭代器
func (s *DiskStore) CreateFullIterator() (*iterator.MergeIter, error) {
	files := s.AcquireFiles()
	// 迭代器各自持有引用后即可释放快照的引用
	defer func() { _ = s.ReleaseFiles(files) }()
	return s.CreateIterator(files)
}

// 全部存活文件中最大的 sequence id
func (s *DiskStore) MaxSequenceID() (uint64, error) {
	files := s.AcquireFiles()
	defer func() { _ = s.ReleaseFiles(files) }()

	var maxSeq uint64
	for _, file := range files {
		seq, err := file.MaxSequenceID()
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", file.Path(), err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}

// 释放列表持有的全部引用
func (s *DiskStore) Close() error {
	s.mu.Lock()
	files := s.files
	s.files = nil
	s.mu.Unlock()
	return s.ReleaseFiles(files)
}
