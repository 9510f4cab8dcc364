// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/vlmesh/vlmesh-go/pkg/identity"
)

const (
	address4 = "224.0.0.118"
	address6 = "ff02::118"
	port     = 35038
)

// Notifier is told about LAN neighbors; the node answers by sending them a
// HELLO.
type Notifier interface {
	DiscoveredPeer(id *identity.Identity, endpoint *net.UDPAddr)
}

// Manager publishes this node's Announcement over UDP multicast and watches
// for the beacons of others.
type Manager struct {
	notifier Notifier
	self     identity.Address

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager starts announcing and listening. The announcement names this
// node; interval controls the beacon cadence.
func NewManager(announcement Announcement, notifier Notifier, interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {
	manager := &Manager{
		notifier:  notifier,
		self:      announcement.Address,
		stopChan4: make(chan struct{}),
		stopChan6: make(chan struct{}),
	}

	msg, err := MarshalAnnouncements([]Announcement{announcement})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"address":  announcement.Address,
		"interval": interval,
		"ipv4":     ipv4,
		"ipv6":     ipv6,
	}).Info("Starting LAN discovery")

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		errChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			errChan <- discoverErr
		}()

		select {
		case discoverErr := <-errChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
		}
	}

	return manager, nil
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": discovered.Address,
		}).Debug("Ignoring malformed discovery beacon")
		return
	}

	for _, announcement := range announcements {
		if announcement.Address == manager.self {
			continue
		}

		endpoint, err := net.ResolveUDPAddr("udp",
			fmt.Sprintf("%s:%d", discovered.Address, announcement.Port))
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"peer": discovered.Address,
			}).Debug("Cannot resolve discovered endpoint")
			continue
		}

		log.WithFields(log.Fields{
			"address":  announcement.Address,
			"endpoint": endpoint,
		}).Debug("Discovered LAN neighbor")

		manager.notifier.DiscoveredPeer(announcement.Identity, endpoint)
	}
}

// Close stops announcing and listening.
func (manager *Manager) Close() {
	close(manager.stopChan4)
	close(manager.stopChan6)
}
