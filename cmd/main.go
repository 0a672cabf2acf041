// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mochi-mqtt/retainer"
	"github.com/mochi-mqtt/retainer/config"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML or JSON retainer config file")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	opts, err := config.FromFile(*configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "error", err)
		os.Exit(1)
	}

	server, err := retainer.New(opts)
	if err != nil {
		slog.Default().Error("failed to create retainer", "error", err)
		os.Exit(1)
	}

	go func() {
		err := server.Serve()
		if err != nil {
			server.Log.Error("failed to serve", "error", err)
		}
	}()

	<-done
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
	server.Log.Info("main.go finished")
}
