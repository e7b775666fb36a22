package mbtiles

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrTileNotFound 容器中没有该瓦片
var ErrTileNotFound = errors.New("tile not found")

// Reader 只读访问已完成的容器
type Reader struct {
	path string
	db   *gorm.DB
}

// OpenReader 打开已存在的容器
func OpenReader(path string) (*Reader, error) {
	if !Exists(path) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrStorage, path)
	}
	db, err := open(path, logrus.StandardLogger())
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, db: db}, nil
}

// Tile 按 slippy-map 坐标读取瓦片
func (r *Reader) Tile(t maptile.Tile) ([]byte, error) {
	if t.Z > 30 || uint64(t.X) >= uint64(1)<<t.Z || uint64(t.Y) >= uint64(1)<<t.Z {
		return nil, ErrTileNotFound
	}
	var row Tile
	err := r.db.Where("zoom_level = ? AND tile_column = ? AND tile_row = ?", int64(t.Z), int64(t.X), int64(FlipY(t.Y, t.Z))).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, r.path, err)
	}
	return row.TileData, nil
}

// Metadata 读取 metadata 表
func (r *Reader) Metadata() (map[string]string, error) {
	var entries []Entry
	if err := r.db.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, r.path, err)
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Value
	}
	return m, nil
}

// Count 瓦片总数
func (r *Reader) Count() (int64, error) {
	var n int64
	if err := r.db.Model(&Tile{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrStorage, r.path, err)
	}
	return n, nil
}

// Close 关闭连接
func (r *Reader) Close() error {
	return closeDB(r.db)
}
