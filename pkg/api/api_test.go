// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/node"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
)

func testServer(t *testing.T) (*Server, *node.Node) {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	n, err := node.New(node.Config{
		Identity: id,
		Listen:   []string{"127.0.0.1:0"},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })

	s := NewServer(n, "127.0.0.1:0")
	t.Cleanup(func() { s.Close() })
	return s, n
}

func TestStatusEndpoint(t *testing.T) {
	s, n := testServer(t)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var status struct {
		Address string `json:"address"`
		Peers   int    `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Address != n.Identity().Address().String() {
		t.Fatalf("address %q, expected %q", status.Address, n.Identity().Address())
	}
	if status.Peers != 0 {
		t.Fatalf("expected 0 peers, got %d", status.Peers)
	}
}

func TestPeersEndpoint(t *testing.T) {
	s, _ := testServer(t)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/peers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var peers []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers, got %d", len(peers))
	}
}

func TestEventsWebsocket(t *testing.T) {
	s, n := testServer(t)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the handler a moment to subscribe before producing the event.
	time.Sleep(100 * time.Millisecond)
	n.Tracer().IncomingPacketDropped(0x42, 7, nil, nil, 0, protocol.VerbNop, 3)

	var ev node.TraceEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "drop" || ev.PacketID != 7 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
