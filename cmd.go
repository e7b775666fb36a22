package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cliptiler/internal/server"
)

var (
	configPath string
	logLevel   string

	// 单区域模式
	adhoc struct {
		geojson string
		output  string
		name    string
		minZoom int
		maxZoom int
		buffer  float64
	}
)

var rootCmd = &cobra.Command{
	Use:   "cliptiler [region...]",
	Short: "Build offline MBTiles archives clipped to region polygons",
	Long: `cliptiler enumerates the map tiles that intersect a region polygon (plus a
buffer zone), downloads them from a tileserver-gl compatible service and
packs them into one MBTiles file per region.

Regions come from the [[regions]] catalog of the config file, or from
--region for a single ad-hoc polygon.

Examples:
  cliptiler -c conf/conf.toml
  cliptiler run vladimir moscow
  cliptiler run --region vladimir.geojson --output vladimir.mbtiles --min-zoom 4 --max-zoom 12
  cliptiler count vladimir
  cliptiler serve output`,
	Args:              cobra.ArbitraryArgs,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	RunE:              runRegions,
}

var runCmd = &cobra.Command{
	Use:   "run [region...]",
	Short: "Generate archives for the named regions (all when none given)",
	RunE:  runRegions,
}

var countCmd = &cobra.Command{
	Use:   "count [region...]",
	Short: "Print per-zoom tile counts without downloading",
	RunE:  countRegions,
}

var serveCmd = &cobra.Command{
	Use:   "serve <file.mbtiles|dir>",
	Short: "Serve finished archives over HTTP for preview",
	Args:  cobra.ExactArgs(1),
	RunE:  serve,
}

// Execute 执行命令，出错时以非零状态退出
func Execute() {
	ctx := InitSafeExit()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./conf/conf.toml", "set config `file`")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "level", "l", "info", "set log level")

	for _, cmd := range []*cobra.Command{rootCmd, runCmd, countCmd} {
		addRegionFlags(cmd)
	}
	serveCmd.Flags().String("addr", "", "listen address (overrides serve.addr)")

	rootCmd.AddCommand(runCmd, countCmd, serveCmd)
}

// addRegionFlags 单区域模式及下载相关参数
func addRegionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&adhoc.geojson, "region", "", "GeoJSON file with the region outline (skips the catalog)")
	f.StringVar(&adhoc.output, "output", "", "output .mbtiles file for --region")
	f.StringVar(&adhoc.name, "name", "Region", "region name for metadata")
	f.IntVar(&adhoc.minZoom, "min-zoom", 4, "minimum zoom (default from [defaults])")
	f.IntVar(&adhoc.maxZoom, "max-zoom", 12, "maximum zoom (default from [defaults])")
	f.Float64Var(&adhoc.buffer, "buffer", 2, "buffer zone in km (default from [defaults])")
	f.Int("threads", 0, "download workers (overrides task.workers)")
	f.String("tileserver", "", "tile service URL (overrides service.url)")
	f.String("style", "", "style name (overrides service.style)")
	f.Int("batch-size", 0, "tiles per commit (overrides task.batchSize)")
}

// setup 读取配置、初始化日志，并把命令行参数叠加到配置上
func setup(cmd *cobra.Command, args []string) error {
	bind := map[string]string{
		"threads":    "task.workers",
		"tileserver": "service.url",
		"style":      "service.style",
		"batch-size": "task.batchSize",
		"addr":       "serve.addr",
	}
	for flag, key := range bind {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			viper.Set(key, f.Value.String())
		}
	}

	if err := InitConf(configPath); err != nil {
		return err
	}
	if err := InitLog(logLevel); err != nil {
		return err
	}
	if viper.ConfigFileUsed() == "" {
		log.Debugf("config file %s not found, using defaults", configPath)
	}
	return nil
}

// regionsFromArgs 返回本次要处理的区域
func regionsFromArgs(cmd *cobra.Command, args []string) ([]Region, error) {
	if adhoc.geojson == "" {
		if len(conf.Regions) == 0 {
			return nil, errors.New("no regions configured, add [[regions]] to the config or use --region")
		}
		return conf.selectRegions(args)
	}
	if len(args) > 0 {
		return nil, errors.New("region names cannot be combined with --region")
	}
	r := Region{
		Name:    adhoc.name,
		Geojson: adhoc.geojson,
		Output:  adhoc.output,
	}
	// 未显式指定的参数沿用 [defaults]
	flags := cmd.Flags()
	if flags.Changed("min-zoom") {
		r.MinZoom = &adhoc.minZoom
	}
	if flags.Changed("max-zoom") {
		r.MaxZoom = &adhoc.maxZoom
	}
	if flags.Changed("buffer") {
		r.Buffer = &adhoc.buffer
	}
	if r.Output == "" && cmd.Name() != "count" {
		return nil, errors.New("--output is required with --region")
	}
	if err := conf.checkRegion(r); err != nil {
		return nil, err
	}
	return []Region{r}, nil
}

func runRegions(cmd *cobra.Command, args []string) error {
	regions, err := regionsFromArgs(cmd, args)
	if err != nil {
		return err
	}
	return InitTask(cmd.Context(), regions)
}

func countRegions(cmd *cobra.Command, args []string) error {
	regions, err := regionsFromArgs(cmd, args)
	if err != nil {
		return err
	}
	return CountTask(regions)
}

func serve(cmd *cobra.Command, args []string) error {
	catalog, err := server.OpenCatalog(args[0])
	if err != nil {
		return err
	}
	defer catalog.Close()

	if log.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	engine, err := server.New(catalog.Tilesets, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              conf.Serve.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("serving %d tileset(s) from %s on %s", len(catalog.Tilesets), args[0], conf.Serve.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-cmd.Context().Done():
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
