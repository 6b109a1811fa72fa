package main

import (
	"log/slog"
	"net/http"
	"os"

	_ "net/http/pprof" // profiling

	"addr2sym/internal/addr2sym/cmd"
	"addr2sym/internal/addr2sym/log"
)

func main() {
	defer log.RecoverPanic("main", func() {
		slog.Error("addr2sym terminated due to unhandled panic")
	})

	if addr := os.Getenv("ADDR2SYM_PROFILE"); addr != "" {
		go func() {
			slog.Info("Serving pprof", "addr", addr)
			if httpErr := http.ListenAndServe(addr, nil); httpErr != nil {
				slog.Error("Failed to pprof listen", "error", httpErr)
			}
		}()
	}

	cmd.Execute()
}
