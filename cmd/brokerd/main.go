/*
 * Copyright 2025 The Subspace Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// brokerd runs the bus broker: it owns the shared memory and answers
// client requests on a Unix socket until interrupted. SIGHUP logs the
// current channel roster.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/poftwaresatent/dallison-subspace/broker"
	_ "go.uber.org/automaxprocs"
)

func main() {
	socket := flag.String("socket", "/tmp/subspace.sock", "control socket path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv, err := broker.NewServer(*socket, logger)
	if err != nil {
		logger.Error("broker setup failed", "err", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("broker start failed", "err", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		for _, info := range srv.Channels() {
			logger.Info("channel", "id", info.ID, "name", info.Name,
				"type", info.Type, "slot_size", info.SlotSize,
				"num_slots", info.NumSlots, "pubs", info.NumPubs, "subs", info.NumSubs)
		}
	}

	logger.Info("shutting down")
	if err := srv.Stop(); err != nil {
		logger.Error("broker stop failed", "err", err)
		os.Exit(1)
	}
}
