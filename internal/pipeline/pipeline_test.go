package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"cliptiler/internal/fetch"
	"cliptiler/internal/geom"
	"cliptiler/internal/mbtiles"
	"cliptiler/internal/tilegrid"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func rect(t *testing.T, minX, minY, maxX, maxY float64) *geom.Polygon {
	t.Helper()
	p, err := geom.NewPolygon(orb.Polygon{{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// tenTiles z7 下覆盖 5 列 2 行，边到瓦片边界的距离都大于简化容差
func tenTiles(t *testing.T) *geom.Polygon {
	return rect(t, 90.5, 6.0, 103.5, 10.5)
}

func testConfig(t *testing.T, service string) Config {
	fc := fetch.DefaultConfig()
	fc.Service = service
	fc.Concurrency = 4
	fc.Timeout = 2 * time.Second
	fc.Backoff = time.Millisecond
	fc.MaxBackoff = 5 * time.Millisecond
	fc.ReadyTimeout = 300 * time.Millisecond
	fc.ProbeInterval = 20 * time.Millisecond
	fc.ProbeTimeout = 100 * time.Millisecond
	return Config{
		Name:      "test",
		Output:    filepath.Join(t.TempDir(), "test.mbtiles"),
		MinZoom:   7,
		MaxZoom:   7,
		BatchSize: 3,
		Fetch:     fc,
	}
}

// tileServer 按瓦片决定响应状态，/styles.json 总是就绪
type tileServer struct {
	status   map[maptile.Tile]int
	requests atomic.Int64
	mu       sync.Mutex
	hits     map[maptile.Tile]int
}

func (s *tileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/styles.json" {
		fmt.Fprint(w, `[{"id":"basic-preview","name":"Basic preview"}]`)
		return
	}
	s.requests.Add(1)
	var z, x, y uint32
	if _, err := fmt.Sscanf(r.URL.Path, "/styles/basic-preview/%d/%d/%d.png", &z, &x, &y); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tile := maptile.New(x, y, maptile.Zoom(z))
	s.mu.Lock()
	s.hits[tile]++
	s.mu.Unlock()

	code, ok := s.status[tile]
	if !ok {
		code = http.StatusOK
	}
	if code != http.StatusOK {
		w.WriteHeader(code)
		return
	}
	fmt.Fprintf(w, "png-%d-%d-%d", z, x, y)
}

func TestStateString(t *testing.T) {
	want := []string{"idle", "polygon_loaded", "enumerated", "fetching", "finalized", "aborted"}
	for i, s := range want {
		if got := State(i).String(); got != s {
			t.Errorf("State(%d) = %q, want %q", i, got, s)
		}
	}
}

func TestRun_MixedOutcomes(t *testing.T) {
	poly := tenTiles(t)
	tiles, err := tilegrid.Enumerate(poly, 7, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 10 {
		t.Fatalf("fixture covers %d tiles, want 10", len(tiles))
	}

	// 5 个成功，3 个 404，2 个持续 500
	ts := &tileServer{status: map[maptile.Tile]int{}, hits: map[maptile.Tile]int{}}
	for _, tile := range tiles[5:8] {
		ts.status[tile] = http.StatusNotFound
	}
	for _, tile := range tiles[8:] {
		ts.status[tile] = http.StatusInternalServerError
	}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	var increments atomic.Int64
	bar := &countingBar{n: &increments}
	p := New(cfg, WithLogger(quietLogger()), WithProgress(func(name string, total int) Progress {
		if name != "test" || total != 10 {
			t.Errorf("progress(%q, %d)", name, total)
		}
		return bar
	}))

	stats, err := p.Run(context.Background(), poly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.State() != Finalized {
		t.Errorf("state = %s, want finalized", p.State())
	}
	if stats.Total != 10 || stats.Fetched != 5 || stats.NotFound != 3 || stats.Failed != 2 || stats.Stored != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if increments.Load() != 10 || !bar.finished {
		t.Errorf("progress increments = %d, finished = %v", increments.Load(), bar.finished)
	}
	// 5 + 3 + 2*3
	if n := ts.requests.Load(); n != 14 {
		t.Errorf("tile requests = %d, want 14", n)
	}
	for _, tile := range tiles[8:] {
		if ts.hits[tile] != 3 {
			t.Errorf("tile %v requested %d times, want 3", tile, ts.hits[tile])
		}
	}

	r, err := mbtiles.OpenReader(cfg.Output)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if n, _ := r.Count(); n != 5 {
		t.Errorf("stored %d tiles, want 5", n)
	}
	for _, tile := range tiles[:5] {
		data, err := r.Tile(tile)
		if err != nil {
			t.Errorf("Tile(%v): %v", tile, err)
			continue
		}
		if want := fmt.Sprintf("png-%d-%d-%d", tile.Z, tile.X, tile.Y); string(data) != want {
			t.Errorf("Tile(%v) = %q, want %q", tile, data, want)
		}
	}
	for _, tile := range tiles[5:] {
		if _, err := r.Tile(tile); !errors.Is(err, mbtiles.ErrTileNotFound) {
			t.Errorf("Tile(%v) err = %v, want not found", tile, err)
		}
	}

	meta, err := r.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	if meta["minzoom"] != "7" || meta["maxzoom"] != "7" || meta["format"] != "png" {
		t.Errorf("metadata = %v", meta)
	}
	if meta["bounds"] != "90.500000,6.000000,103.500000,10.500000" {
		t.Errorf("bounds = %q", meta["bounds"])
	}
}

func TestRun_ServiceNeverReady(t *testing.T) {
	var tileRequests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/styles.json" {
			tileRequests.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	p := New(cfg, WithLogger(quietLogger()))

	start := time.Now()
	_, err := p.Run(context.Background(), tenTiles(t))
	if !errors.Is(err, fetch.ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("gave up after %s, ready timeout is %s", elapsed, cfg.Fetch.ReadyTimeout)
	}
	if p.State() != Aborted {
		t.Errorf("state = %s, want aborted", p.State())
	}
	if n := tileRequests.Load(); n != 0 {
		t.Errorf("%d tile requests against an unready service", n)
	}
	if mbtiles.Exists(cfg.Output) {
		t.Error("container created against an unready service")
	}
}

func TestRun_NoTiles(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.MinZoom, cfg.MaxZoom = 0, 5
	p := New(cfg, WithLogger(quietLogger()))

	// Web Mercator 覆盖范围之外
	stats, err := p.Run(context.Background(), rect(t, 10, -89.5, 11, -89))
	if !errors.Is(err, ErrNoTiles) {
		t.Fatalf("err = %v, want ErrNoTiles", err)
	}
	if stats.Total != 0 || p.State() != Aborted {
		t.Errorf("total = %d, state = %s", stats.Total, p.State())
	}
	if requests.Load() != 0 || mbtiles.Exists(cfg.Output) {
		t.Error("empty run touched the service or created a container")
	}
}

func TestRun_InvalidInput(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")

	p := New(cfg, WithLogger(quietLogger()))
	if _, err := p.Run(context.Background(), nil); !errors.Is(err, geom.ErrInvalidGeometry) {
		t.Errorf("nil polygon err = %v", err)
	}
	if p.State() != Aborted {
		t.Errorf("state = %s", p.State())
	}
	if _, err := p.Run(context.Background(), tenTiles(t)); err == nil {
		t.Error("second Run on the same pipeline should fail")
	}

	cfg.MinZoom, cfg.MaxZoom = 8, 3
	p = New(cfg, WithLogger(quietLogger()))
	if _, err := p.Run(context.Background(), tenTiles(t)); err == nil || p.State() != Aborted {
		t.Errorf("inverted zoom range: err = %v, state = %s", err, p.State())
	}
}

func TestRun_StorageFailure(t *testing.T) {
	ts := &tileServer{status: map[maptile.Tile]int{}, hits: map[maptile.Tile]int{}}
	srv := httptest.NewServer(ts)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Output = filepath.Join(blocker, "test.mbtiles")

	p := New(cfg, WithLogger(quietLogger()))
	_, err := p.Run(context.Background(), tenTiles(t))
	if !errors.Is(err, mbtiles.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if p.State() != Aborted {
		t.Errorf("state = %s, want aborted", p.State())
	}
}

func TestRun_NothingFetched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/styles.json" {
			fmt.Fprint(w, `[]`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	p := New(cfg, WithLogger(quietLogger()))
	stats, err := p.Run(context.Background(), tenTiles(t))
	if !errors.Is(err, ErrNothingFetched) {
		t.Fatalf("err = %v, want ErrNothingFetched", err)
	}
	if stats.NotFound != 10 || p.State() != Finalized {
		t.Errorf("stats = %+v, state = %s", stats, p.State())
	}
	// 空容器仍然有效
	r, err := mbtiles.OpenReader(cfg.Output)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if n, _ := r.Count(); n != 0 {
		t.Errorf("Count = %d", n)
	}
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/styles.json" {
			fmt.Fprint(w, `[]`)
			return
		}
		once.Do(cancel)
		fmt.Fprint(w, "png")
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Fetch.Concurrency = 1
	p := New(cfg, WithLogger(quietLogger()))
	stats, err := p.Run(ctx, tenTiles(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stats.Done() != 10 || stats.Failed == 0 {
		t.Errorf("stats = %+v", stats)
	}
	if p.State() != Finalized || !mbtiles.Exists(cfg.Output) {
		t.Errorf("state = %s, container exists = %v", p.State(), mbtiles.Exists(cfg.Output))
	}
}

func TestStats(t *testing.T) {
	var s Stats
	s.Total = 4
	for _, st := range []fetch.Status{fetch.Fetched, fetch.Fetched, fetch.NotFound, fetch.Failed} {
		s.Add(fetch.Outcome{Status: st})
	}
	s.Elapsed = 2 * time.Second
	if s.Done() != 4 || s.Throughput() != 2 {
		t.Errorf("done = %d, throughput = %f", s.Done(), s.Throughput())
	}
	if got := s.String(); !strings.Contains(got, "OK:2 MISS:1 ERR:1") {
		t.Errorf("String() = %q", got)
	}
	if (Stats{}).Throughput() != 0 {
		t.Error("zero elapsed should give zero throughput")
	}
}

type countingBar struct {
	n        *atomic.Int64
	finished bool
}

func (b *countingBar) Increment() int { return int(b.n.Add(1)) }
func (b *countingBar) Finish()        { b.finished = true }

func TestJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "done.log")
	out := filepath.Join(dir, "region.mbtiles")
	missing := filepath.Join(dir, "missing.mbtiles")
	if err := os.WriteFile(out, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if j.IsDone(out) {
		t.Error("fresh journal reports done")
	}
	for _, o := range []string{out, out, missing} {
		if err := j.MarkDone(o); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := j.MarkDone(out + "2"); err == nil {
		t.Error("MarkDone after Close should fail")
	}

	j, err = OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if j.Len() != 2 {
		t.Errorf("Len = %d, want 2", j.Len())
	}
	if !j.IsDone(out) {
		t.Error("recorded output not done after reopen")
	}
	// 记录存在但文件已删除，需要重新生成
	if j.IsDone(missing) {
		t.Error("missing output reported done")
	}

	data, _ := os.ReadFile(path)
	lines := strings.Fields(string(data))
	sort.Strings(lines)
	if len(lines) != 2 {
		t.Errorf("journal lines = %v", lines)
	}
}
