// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// vlmeshd is the overlay network node daemon.
package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	n, disc, apiSrv, profiling, err := parseCore(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	if profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	watcher, err := watchConfig(os.Args[1], n)
	if err != nil {
		log.WithError(err).Warn("Configuration hot reload unavailable")
	}

	waitSigint()
	log.Info("Shutting down..")

	if watcher != nil {
		watcher.Close()
	}
	if apiSrv != nil {
		if err := apiSrv.Close(); err != nil {
			log.WithError(err).Warn("API shutdown failed")
		}
	}
	if disc != nil {
		disc.Close()
	}
	if err := n.Close(); err != nil {
		log.WithError(err).Warn("Node shutdown failed")
	}
}
