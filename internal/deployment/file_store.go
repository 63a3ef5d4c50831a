package deployment

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "AgentNexus-Chain/internal/errors"
)

// FileStore keeps records in memory and appends every write to a JSON-lines
// log. The log is replayed on open (last line per key wins) and compacted
// when it has grown past twice the live record count.
type FileStore struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	lines   int
	records map[Key]*Record
}

var _ Store = (*FileStore)(nil)

// OpenFileStore 打开或创建数据目录下的部署日志。
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	s := &FileStore{path: path, records: make(map[Key]*Record)}
	if err := s.replay(); err != nil {
		return nil, err
	}
	if s.lines > 2*len(s.records) && s.lines > 64 {
		if err := s.compact(); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开部署日志失败")
	}
	s.file = file
	return s, nil
}

func (s *FileStore) replay() error {
	file, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取部署日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("部署日志第 %d 行损坏", s.lines+1))
		}
		s.records[rec.Key()] = &rec
		s.lines++
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取部署日志失败")
	}
	return nil
}

func (s *FileStore) compact() error {
	tmp := s.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩部署日志失败")
	}
	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)
	for _, rec := range s.records {
		if err := encoder.Encode(rec); err != nil {
			file.Close()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩部署日志失败")
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩部署日志失败")
	}
	if err := file.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩部署日志失败")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换部署日志失败")
	}
	s.lines = len(s.records)
	return nil
}

// Get 返回记录副本。
func (s *FileStore) Get(_ context.Context, agentID, chainID uint64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[Key{AgentID: agentID, ChainID: chainID}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Put 追加一行记录并更新内存视图。
func (s *FileStore) Put(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	line, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码部署记录失败")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "部署日志已关闭")
	}
	if _, err := s.file.Write(line); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署日志失败")
	}
	s.lines++
	s.records[record.Key()] = record.clone()
	return nil
}

// ListByAgent 按链 ID 升序返回智能体的全部记录。
func (s *FileStore) ListByAgent(_ context.Context, agentID uint64) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for key, rec := range s.records {
		if key.AgentID == agentID {
			out = append(out, rec.clone())
		}
	}
	sortByChain(out)
	return out, nil
}

// ListReconcilable 返回等待对账的失败记录。
func (s *FileStore) ListReconcilable(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Status == StatusFailed && rec.Reconcilable {
			out = append(out, rec.clone())
		}
	}
	return oldestFirst(out, limit), nil
}

// Close 同步并关闭日志文件。
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
