package mbtiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultBatchSize 每批提交的瓦片数
const DefaultBatchSize = 500

// insertChunk 单条 INSERT 的行数，受 SQLite 绑定变量数量限制
const insertChunk = 100

// ErrStorage 容器无法创建或写入
var ErrStorage = errors.New("tile storage error")

type key struct {
	z, x, y int64
}

// Option 存储选项
type Option func(*Store)

// WithBatchSize 设置批量提交大小
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLogger 设置日志
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store MBTiles 写入器，非并发安全，只允许单一写入方
type Store struct {
	path      string
	db        *gorm.DB
	log       logrus.FieldLogger
	batchSize int
	pending   []Tile
	index     map[key]int
	written   int64
	closed    bool
}

// Open 新建容器。目标路径已有文件时先删除，不与旧内容合并。
func Open(path string, meta Metadata, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		log:       logrus.StandardLogger(),
		batchSize: DefaultBatchSize,
		index:     make(map[key]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := Remove(path); err != nil {
		return nil, fmt.Errorf("%w: remove %s: %v", ErrStorage, path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	db, err := open(path, s.log)
	if err != nil {
		return nil, err
	}
	s.db = db

	entries := meta.entries()
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, stmt := range strings.Split(schema, ";") {
			if stmt = strings.TrimSpace(stmt); stmt == "" {
				continue
			}
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return tx.Create(&entries).Error
	})
	if err != nil {
		err = multierr.Combine(fmt.Errorf("%w: create %s: %v", ErrStorage, path, err), closeDB(db), Remove(path))
		return nil, err
	}
	s.pending = make([]Tile, 0, s.batchSize)
	return s, nil
}

func open(path string, log logrus.FieldLogger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FlipY slippy-map 行号与 TMS 行号互换
func FlipY(y uint32, z maptile.Zoom) uint32 {
	return uint32(uint64(1)<<z-1) - y
}

// Put 写入瓦片(坐标为 slippy-map 坐标)，同一坐标后写覆盖先写。
// 缓冲达到批量大小时自动提交。
func (s *Store) Put(t maptile.Tile, data []byte) error {
	if s.closed {
		return fmt.Errorf("%w: %s is closed", ErrStorage, s.path)
	}
	if t.Z > 30 || uint64(t.X) >= uint64(1)<<t.Z || uint64(t.Y) >= uint64(1)<<t.Z {
		return fmt.Errorf("%w: tile(z:%d, x:%d, y:%d) out of range", ErrStorage, t.Z, t.X, t.Y)
	}
	row := Tile{
		ZoomLevel:  int64(t.Z),
		TileColumn: int64(t.X),
		TileRow:    int64(FlipY(t.Y, t.Z)),
		TileData:   data,
	}
	k := key{row.ZoomLevel, row.TileColumn, row.TileRow}
	if i, ok := s.index[k]; ok {
		s.pending[i] = row
	} else {
		s.index[k] = len(s.pending)
		s.pending = append(s.pending, row)
	}
	if len(s.pending) >= s.batchSize {
		return s.Commit()
	}
	return nil
}

// Commit 在一个事务中写入缓冲的瓦片
func (s *Store) Commit() error {
	if len(s.pending) == 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "zoom_level"}, {Name: "tile_column"}, {Name: "tile_row"}},
			DoUpdates: clause.AssignmentColumns([]string{"tile_data"}),
		}).CreateInBatches(&s.pending, insertChunk).Error
	})
	if err != nil {
		return fmt.Errorf("%w: commit %d tiles to %s: %v", ErrStorage, len(s.pending), s.path, err)
	}
	s.log.Debugf("committed %d tiles to %s", len(s.pending), s.path)
	s.written += int64(len(s.pending))
	s.pending = s.pending[:0]
	s.index = make(map[key]int, s.batchSize)
	return nil
}

// Close 提交剩余缓冲后关闭，可重复调用
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	err := s.Commit()
	s.closed = true
	return multierr.Append(err, closeDB(s.db))
}

// Written 已提交的写入次数
func (s *Store) Written() int64 {
	return s.written
}

// Pending 尚未提交的瓦片数
func (s *Store) Pending() int {
	return len(s.pending)
}

// Path 容器路径
func (s *Store) Path() string {
	return s.path
}

// Exists 判断容器文件是否存在
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Remove 删除容器及 SQLite 附属文件
func Remove(path string) error {
	var err error
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if e := os.Remove(p); e != nil && !os.IsNotExist(e) {
			err = multierr.Append(err, e)
		}
	}
	return err
}
