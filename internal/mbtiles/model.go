// Package mbtiles 读写 MBTiles 瓦片容器
package mbtiles

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
)

// Tile tiles 表中的一行，tile_row 为 TMS 行号
type Tile struct {
	ZoomLevel  int64  `gorm:"column:zoom_level"`
	TileColumn int64  `gorm:"column:tile_column"`
	TileRow    int64  `gorm:"column:tile_row"`
	TileData   []byte `gorm:"column:tile_data"`
}

func (Tile) TableName() string { return "tiles" }

// Entry metadata 表中的一行
type Entry struct {
	Name  string `gorm:"column:name"`
	Value string `gorm:"column:value"`
}

func (Entry) TableName() string { return "metadata" }

// schema 建表语句，以分号分隔
var schema = `
CREATE TABLE metadata (name TEXT, value TEXT);
CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row);
CREATE UNIQUE INDEX metadata_index ON metadata (name);
`

// Metadata 容器描述信息，创建时一次写入
type Metadata struct {
	Name        string
	Description string
	Format      string
	Bounds      orb.Bound
	Center      orb.Point
	MinZoom     int
	MaxZoom     int
	// Type baselayer 或 overlay
	Type    string
	Version string
	// Clip polygon 表示按多边形裁剪，边缘缺失的瓦片是有意为之
	Clip string
}

// CenterZoom 建议的初始级别，取级别范围中点
func (m Metadata) CenterZoom() int {
	return (m.MinZoom + m.MaxZoom) / 2
}

// Map 转为 metadata 表的键值
func (m Metadata) Map() map[string]string {
	format := m.Format
	if format == "" {
		format = "png"
	}
	typ := m.Type
	if typ == "" {
		typ = "baselayer"
	}
	version := m.Version
	if version == "" {
		version = "1"
	}
	clip := m.Clip
	if clip == "" {
		clip = "polygon"
	}
	description := m.Description
	if description == "" {
		description = fmt.Sprintf("Raster tiles: %s", m.Name)
	}
	b := m.Bounds
	return map[string]string{
		"format":      format,
		"name":        m.Name,
		"description": description,
		"bounds":      fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.Min[0], b.Min[1], b.Max[0], b.Max[1]),
		"center":      fmt.Sprintf("%.6f,%.6f,%d", m.Center[0], m.Center[1], m.CenterZoom()),
		"minzoom":     strconv.Itoa(m.MinZoom),
		"maxzoom":     strconv.Itoa(m.MaxZoom),
		"type":        typ,
		"version":     version,
		"clip_type":   clip,
	}
}

func (m Metadata) entries() []Entry {
	kv := m.Map()
	entries := make([]Entry, 0, len(kv))
	for k, v := range kv {
		entries = append(entries, Entry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
