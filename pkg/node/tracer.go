// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"encoding/json"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ulikunitz/xz"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/vl1"
)

// TraceEvent is one diagnostic record: a dropped packet or an internal
// failure. Events are logged, optionally appended to a compressed audit log,
// and fanned out to subscribers (the API's websocket stream).
type TraceEvent struct {
	Kind     string `json:"kind"` // "drop" or "error"
	Code     uint32 `json:"code"`
	PacketID uint64 `json:"packetId,omitempty"`
	Peer     string `json:"peer,omitempty"`
	Path     string `json:"path,omitempty"`
	Hops     byte   `json:"hops,omitempty"`
	Verb     string `json:"verb,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Tracer implements vl1.Tracer. The zero value logs only; an audit log and
// subscribers are optional.
type Tracer struct {
	mtx sync.Mutex

	auditFile *os.File
	audit     *xz.Writer

	subscribers []chan TraceEvent

	drops  uint64
	errors uint64
}

// NewTracer creates a Tracer. auditPath may be empty to disable the on-disk
// drop log; otherwise events are appended as xz-compressed JSON lines.
func NewTracer(auditPath string) (*Tracer, error) {
	t := &Tracer{}

	if auditPath != "" {
		f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return nil, err
		}
		w, err := xz.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		t.auditFile = f
		t.audit = w
	}
	return t, nil
}

// Subscribe returns a channel receiving future trace events. Slow consumers
// lose events rather than stalling the receive path.
func (t *Tracer) Subscribe() chan TraceEvent {
	ch := make(chan TraceEvent, 64)
	t.mtx.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mtx.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe.
func (t *Tracer) Unsubscribe(ch chan TraceEvent) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for i, s := range t.subscribers {
		if s == ch {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Counters returns the totals of dropped packets and internal errors.
func (t *Tracer) Counters() (drops, errors uint64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.drops, t.errors
}

// IncomingPacketDropped implements vl1.Tracer.
func (t *Tracer) IncomingPacketDropped(code uint32, packetID uint64, peerID *identity.Identity,
	pathAddr *net.UDPAddr, hops byte, verb protocol.Verb, reason vl1.DropReason) {

	ev := TraceEvent{
		Kind:     "drop",
		Code:     code,
		PacketID: packetID,
		Hops:     hops,
		Verb:     verb.String(),
		Reason:   reason.String(),
	}
	if peerID != nil {
		ev.Peer = peerID.String()
	}
	if pathAddr != nil {
		ev.Path = pathAddr.String()
	}

	log.WithFields(log.Fields{
		"code":   code,
		"packet": packetID,
		"peer":   ev.Peer,
		"path":   ev.Path,
		"verb":   ev.Verb,
		"reason": ev.Reason,
	}).Debug("Incoming packet dropped")

	t.record(ev, true)
}

// UnexpectedError implements vl1.Tracer.
func (t *Tracer) UnexpectedError(code uint32, msg string) {
	log.WithFields(log.Fields{
		"code":  code,
		"error": msg,
	}).Warn("Unexpected error in packet pipeline")

	t.record(TraceEvent{Kind: "error", Code: code, Message: msg}, false)
}

func (t *Tracer) record(ev TraceEvent, isDrop bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if isDrop {
		t.drops++
	} else {
		t.errors++
	}

	if t.audit != nil {
		if line, err := json.Marshal(ev); err == nil {
			t.audit.Write(append(line, '\n'))
		}
	}

	for _, ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ReadAuditLog decodes a drop-audit log written by a Tracer.
func ReadAuditLog(path string) ([]TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := xz.NewReader(f)
	if err != nil {
		return nil, err
	}

	var events []TraceEvent
	dec := json.NewDecoder(r)
	for dec.More() {
		var ev TraceEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close flushes and closes the audit log and all subscriber channels.
func (t *Tracer) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil

	if t.audit != nil {
		if err := t.audit.Close(); err != nil {
			t.auditFile.Close()
			return err
		}
		return t.auditFile.Close()
	}
	return nil
}
