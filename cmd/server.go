// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/utils"
)

// startHTTPServer serves handler in the background. connTimeout bounds each
// read and write on accepted connections.
func startHTTPServer(handler http.Handler, ip string, port int, connTimeout time.Duration) *http.Server {
	addr := utils.JoinHostPort(ip, port)
	listener, err := utils.NewListener(addr, connTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", addr).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
