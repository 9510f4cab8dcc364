// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api exposes a localhost control surface: node status and peers as
// JSON, and the trace event stream over a websocket.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vlmesh/vlmesh-go/pkg/node"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
)

// Server is the HTTP control surface of a running node.
type Server struct {
	node     *node.Node
	router   *mux.Router
	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates the control surface and starts serving on listen, which
// should stay on a loopback address: there is no authentication layer.
func NewServer(n *node.Node, listen string) *Server {
	s := &Server{
		node:     n,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{},
	}

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.srv = &http.Server{Addr: listen, Handler: s.router}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("API server failed")
		}
	}()

	log.WithFields(log.Fields{
		"address": listen,
	}).Info("API listening")

	return s
}

// Router returns the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close stops the HTTP server.
func (s *Server) Close() error {
	return s.srv.Close()
}

type statusResponse struct {
	Address       string   `json:"address"`
	Version       string   `json:"version"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
	Peers         int      `json:"peers"`
	Drops         uint64   `json:"drops"`
	Errors        uint64   `json:"errors"`
	Surfaces      []string `json:"surfaces"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	drops, errors := s.node.Tracer().Counters()

	surfaces := []string{}
	for _, surface := range s.node.SelfAwareness().Surfaces() {
		surfaces = append(surfaces, surface.String())
	}

	s.writeJSON(w, statusResponse{
		Address:       s.node.Identity().Address().String(),
		Version:       versionString(),
		UptimeSeconds: int64(time.Since(s.node.Started()).Seconds()),
		Peers:         len(s.node.Topology().Peers()),
		Drops:         drops,
		Errors:        errors,
		Surfaces:      surfaces,
	})
}

type peerResponse struct {
	Address      string `json:"address"`
	LastReceived int64  `json:"lastReceived"`
	Version      string `json:"version,omitempty"`
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := s.node.Topology().Peers()

	out := make([]peerResponse, 0, len(peers))
	for _, p := range peers {
		resp := peerResponse{
			Address:      p.Address().String(),
			LastReceived: p.LastReceived(),
		}
		if proto, major, minor, rev := p.RemoteVersion(); proto != 0 {
			resp.Version = versionTriple(major, minor, rev)
		}
		out = append(out, resp)
	}
	s.writeJSON(w, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.node.Tracer().Subscribe()
	defer s.node.Tracer().Unsubscribe(events)

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to encode API response")
	}
}

func versionString() string {
	return versionTriple(protocol.VersionMajor, protocol.VersionMinor, protocol.VersionRevision)
}

func versionTriple(major, minor byte, rev uint16) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, rev)
}
