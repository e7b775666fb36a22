package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"cliptiler/internal/mbtiles"
)

const archiveExt = ".mbtiles"

// Catalog 打开的瓦片集，用完需 Close
type Catalog struct {
	Tilesets []Tileset
	readers  []*mbtiles.Reader
}

// OpenCatalog 打开单个容器文件，或目录下全部 *.mbtiles
func OpenCatalog(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		if files, err = filepath.Glob(filepath.Join(path, "*"+archiveExt)); err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no %s files in %s", archiveExt, path)
		}
		sort.Strings(files)
	}

	c := &Catalog{}
	for _, f := range files {
		r, err := mbtiles.OpenReader(f)
		if err != nil {
			return nil, multierr.Append(err, c.Close())
		}
		c.readers = append(c.readers, r)
		var size int64
		if fi, err := os.Stat(f); err == nil {
			size = fi.Size()
		}
		c.Tilesets = append(c.Tilesets, Tileset{
			Name:   strings.TrimSuffix(filepath.Base(f), archiveExt),
			Source: r,
			Size:   size,
		})
	}
	return c, nil
}

// Close 关闭全部容器
func (c *Catalog) Close() error {
	var err error
	for _, r := range c.readers {
		err = multierr.Append(err, r.Close())
	}
	c.readers = nil
	return err
}
