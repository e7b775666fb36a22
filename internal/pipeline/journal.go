package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cliptiler/internal/mbtiles"
)

// Journal 断点记录：每行一个已完成的输出文件
type Journal struct {
	mu   sync.Mutex
	file *os.File
	done map[string]struct{}
}

// OpenJournal 打开(或新建)断点文件并读取已有记录
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open break point file %s: %w", path, err)
	}

	done := make(map[string]struct{})
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			done[key(line)] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read break point file %s: %w", path, err)
	}
	return &Journal{file: file, done: done}, nil
}

func key(output string) string {
	if abs, err := filepath.Abs(output); err == nil {
		return abs
	}
	return filepath.Clean(output)
}

// IsDone 输出已记录为完成且文件仍存在
func (j *Journal) IsDone(output string) bool {
	j.mu.Lock()
	_, ok := j.done[key(output)]
	j.mu.Unlock()
	return ok && mbtiles.Exists(output)
}

// MarkDone 记录输出已完成
func (j *Journal) MarkDone(output string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := key(output)
	if _, ok := j.done[k]; ok {
		return nil
	}
	if j.file == nil {
		return fmt.Errorf("break point file is closed")
	}
	if _, err := j.file.WriteString(k + "\n"); err != nil {
		return err
	}
	j.done[k] = struct{}{}
	return j.file.Sync()
}

// Len 已完成的记录数
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.done)
}

// Close 关闭断点文件，可重复调用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
