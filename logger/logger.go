// Package logger provides adapters for popular logger libraries to work with fsindex's Logger interface.
//
// The adapters allow you to use your existing logger with fsindex without writing boilerplate.
// Note that the standard library's slog.Logger already implements fsindex.Logger directly.
//
// Example with zap:
//
//	import (
//	    "github.com/alexhholmes/fsindex"
//	    "github.com/alexhholmes/fsindex/codec"
//	    "github.com/alexhholmes/fsindex/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    kv := codec.New[uint64, uint64](codec.Uint64{}, codec.Uint64{})
//	    idx, err := fsindex.Open("data.idx", kv, fsindex.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer idx.Close()
//	}
package logger
