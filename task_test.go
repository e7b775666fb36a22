package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"cliptiler/internal/mbtiles"
)

// 90.5,6 - 103.5,10.5 在 z7 下为 96-100 列、60-61 行共 10 个瓦片
const squareGeojson = `{"type":"Polygon","coordinates":[[[90.5,6.0],[103.5,6.0],[103.5,10.5],[90.5,10.5],[90.5,6.0]]]}`

// flakyServer 在 broken 为真时对偶数列返回 500
type flakyServer struct {
	broken   atomic.Bool
	requests atomic.Int64
}

func (s *flakyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/styles.json" {
		fmt.Fprint(w, `[{"id":"basic-preview"}]`)
		return
	}
	s.requests.Add(1)
	var z, x, y int
	if _, err := fmt.Sscanf(r.URL.Path, "/styles/basic-preview/%d/%d/%d.png", &z, &x, &y); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.broken.Load() && x%2 == 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "png-%d-%d-%d", z, x, y)
}

func quietLog(t *testing.T) {
	t.Helper()
	out, level := log.Out, log.Level
	log.SetOutput(io.Discard)
	t.Cleanup(func() {
		log.SetOutput(out)
		log.SetLevel(level)
	})
}

func taskConf(t *testing.T, service string) []Region {
	t.Helper()
	// 空值对 viper 等同未设置
	t.Setenv("TILESERVER_URL", "")
	t.Setenv("TILE_STYLE", "")
	dir := t.TempDir()
	geo := filepath.Join(dir, "square.geojson")
	if err := os.WriteFile(geo, []byte(squareGeojson), 0o644); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf(`
[output]
directory = %q
outputTerminal = false

[service]
url = %q

[task]
workers = 4
retries = 1
backoff = "1ms"
maxBackoff = "2ms"
readyTimeout = "1s"
probeInterval = "10ms"
probeTimeout = "200ms"

[breakPoint]
saveFilePath = %q

[[regions]]
name = "square"
geojson = %q
minZoom = 7
maxZoom = 7
buffer = 0
`, filepath.Join(dir, "out"), service, filepath.Join(dir, "out", ".done"), geo)
	if err := loadConf(t, content); err != nil {
		t.Fatal(err)
	}
	return conf.Regions
}

func TestInitTask_FailedTilesAreRetried(t *testing.T) {
	quietLog(t)
	ts := &flakyServer{}
	ts.broken.Store(true)
	srv := httptest.NewServer(ts)
	defer srv.Close()

	regions := taskConf(t, srv.URL)
	out := conf.outputPath(regions[0])

	if err := InitTask(context.Background(), regions); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if n := ts.requests.Load(); n != 10 {
		t.Fatalf("first run requests = %d, want 10", n)
	}

	// 服务恢复后，上次有失败瓦片的区域应重新生成
	ts.broken.Store(false)
	ts.requests.Store(0)
	if err := InitTask(context.Background(), regions); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := ts.requests.Load(); n != 10 {
		t.Errorf("second run requests = %d, want 10", n)
	}
	r, err := mbtiles.OpenReader(out)
	if err != nil {
		t.Fatal(err)
	}
	n, err := r.Count()
	r.Close()
	if err != nil || n != 10 {
		t.Errorf("archive holds %d tiles (%v), want 10", n, err)
	}

	// 完整生成后记入断点，再次运行跳过
	ts.requests.Store(0)
	if err := InitTask(context.Background(), regions); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if n := ts.requests.Load(); n != 0 {
		t.Errorf("third run requests = %d, want 0", n)
	}
}
