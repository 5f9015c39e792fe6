package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/stylized/config"
	"github.com/krau/stylized/imageio"
	applog "github.com/krau/stylized/internal/log"
	"github.com/krau/stylized/onnx"
	"github.com/krau/stylized/server"
	"github.com/krau/stylized/service"
	"github.com/krau/stylized/tflite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.C()
	applog.Init(cfg.LogLevel)
	os.Exit(run(os.Args[1:], cfg))
}

// run executes the command line and returns the process exit code, so every
// deferred cleanup has finished before the process exits.
func run(args []string, cfg config.Config) int {
	fs := flag.NewFlagSet("stylized", flag.ContinueOnError)
	var (
		style  = fs.String("style", "", "primary style id")
		style2 = fs.String("style2", "", "secondary style id (optional)")
		blend  = fs.Float64("blend", -1, "secondary style weight in [0,1] (default from config)")
		outDir = fs.String("out", "", "output directory (default from config)")
		list   = fs.Bool("list", false, "list the exposed styles and exit")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] images...\n       %s serve\n", fs.Name(), fs.Name())
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load style catalog")
		return 1
	}
	if *list {
		for _, id := range catalog.Exposed() {
			fmt.Println(id)
		}
		return 0
	}

	serving := fs.Arg(0) == "serve"
	if !serving && (*style == "" || fs.NArg() == 0) {
		fs.Usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	loader, err := loaderFor(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Unsupported model format")
		return 1
	}
	defer onnx.Shutdown()

	engineCfg := service.Config{
		ModelDir:  cfg.ModelDir,
		ModelName: cfg.ModelName,
		Ext:       cfg.ModelExt,
		Threads:   cfg.Threads,
		Catalog:   catalog,
		Loader:    loader,
	}

	if serving {
		if err := serve(ctx, cfg, engineCfg); err != nil {
			log.Error().Err(err).Msg("Server stopped")
			return 1
		}
		return 0
	}

	b := cfg.Blend
	if *blend >= 0 {
		b = float32(*blend)
	}
	dir := cfg.OutputDir
	if *outDir != "" {
		dir = *outDir
	}
	if err := stylize(ctx, engineCfg, fs.Args(), *style, *style2, b, dir); err != nil {
		log.Error().Err(err).Msg("Stylize failed")
		return 1
	}
	return 0
}

func loadCatalog(cfg config.Config) (*service.Catalog, error) {
	if cfg.StylesFile == "" {
		return service.NewCatalog(service.DefaultCatalog.IDs(), cfg.ExposedStyles)
	}
	return service.LoadCatalog(cfg.StylesFile, cfg.ExposedStyles)
}

func loaderFor(cfg config.Config) (service.Loader, error) {
	switch strings.ToLower(cfg.ModelExt) {
	case "onnx", "ort":
		if err := onnx.Init(cfg.Libonnx); err != nil {
			return nil, err
		}
		return onnx.Load, nil
	case "tflite":
		return tflite.Load, nil
	default:
		return nil, errors.Errorf("no backend for model extension %q", cfg.ModelExt)
	}
}

func serve(ctx context.Context, cfg config.Config, engineCfg service.Config) error {
	log.Info().Msg("Starting Stylized server")
	engine, err := service.New(engineCfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: server.New(engine, cfg.Token, cfg.Blend).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", srv.Addr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// stylize loads the model and every photo, then runs one batch whose callbacks
// all execute on this goroutine.
func stylize(ctx context.Context, engineCfg service.Config, paths []string, style, style2 string, blend float32, dir string) error {
	sink, err := imageio.NewSink(dir)
	if err != nil {
		return err
	}

	images := make([]image.Image, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			img, err := imageio.Open(path)
			if err != nil {
				// Unreadable photos are skipped, like a picker that drops them.
				log.Warn().Err(err).Str("path", path).Msg("Skipping image")
				return nil
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var (
		reqs  []service.Request
		names []string
	)
	for i, img := range images {
		if img == nil {
			continue
		}
		reqs = append(reqs, service.Request{Image: img, Primary: style, Secondary: style2, Blend: blend})
		names = append(names, imageio.OutputName(paths[i]))
	}
	if len(reqs) == 0 {
		return errors.New("no readable images")
	}

	loop := service.NewLoop()
	var (
		runErr error
		failed int
	)
	service.Create(engineCfg, loop, func(r service.Result[*service.Engine]) {
		if r.Err != nil {
			runErr = r.Err
			loop.Stop()
			return
		}
		engine := r.Value
		engine.SubmitAll(reqs, loop, func(i int, o service.Outcome) {
			if o.Err != nil {
				failed++
				log.Error().Err(o.Err).Str("image", names[i]).Msg("Style transfer failed")
				return
			}
			path, err := sink.Save(names[i], o.Value)
			if err != nil {
				failed++
				log.Error().Err(err).Msg("Failed to save image")
				return
			}
			log.Info().Str("path", path).Msg("Saved")
		}, func([]service.Outcome) {
			log.Info().Int("total", len(reqs)).Int("failed", failed).Msg("Batch complete")
			if err := engine.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close engine")
			}
			loop.Stop()
		})
	})
	loop.Run()

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return errors.Errorf("%d of %d images failed", failed, len(reqs))
	}
	return nil
}
