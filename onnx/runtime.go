package onnx

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	pathOnce sync.Once
	libPath  string
)

// LibPath resolves the ONNX Runtime shared library once. An empty result lets
// onnxruntime_go fall back to its default search.
func LibPath(configured string) string {
	pathOnce.Do(func() {
		libPath = resolveLibPath(configured, runtime.GOOS, fileExists)
		if libPath == "" {
			log.Warn().Msg("ONNX Runtime library path could not be determined for this OS")
		} else {
			log.Info().Str("path", libPath).Msg("Using ONNX Runtime library")
		}
	})
	return libPath
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func resolveLibPath(configured, goos string, exists func(string) bool) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("ONNXRUNTIME_LIB"); env != "" {
		return env
	}
	var candidates []string
	switch goos {
	case "linux":
		candidates = []string{
			filepath.Join("onnxlibs", "libonnxruntime.so"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		candidates = []string{
			filepath.Join("onnxlibs", "libonnxruntime.dylib"),
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		candidates = []string{
			filepath.Join("onnxlibs", "onnxruntime.dll"),
			"onnxruntime.dll",
		}
	}
	for _, c := range candidates {
		if exists(c) {
			return c
		}
	}
	return ""
}

// Init prepares the process-wide ONNX Runtime environment.
func Init(configured string) error {
	if ort.IsInitialized() {
		return nil
	}
	if path := LibPath(configured); path != "" {
		ort.SetSharedLibraryPath(path)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize ONNX Runtime environment")
	}
	return nil
}

func Shutdown() {
	if !ort.IsInitialized() {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		log.Error().Err(err).Msg("Failed to destroy ONNX Runtime environment")
	}
}
