// SPDX-FileCopyrightText: 2023, 2024 The vlmesh-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/vlmesh/vlmesh-go/pkg/api"
	"github.com/vlmesh/vlmesh-go/pkg/discovery"
	"github.com/vlmesh/vlmesh-go/pkg/identity"
	"github.com/vlmesh/vlmesh-go/pkg/node"
	"github.com/vlmesh/vlmesh-go/pkg/protocol"
	"github.com/vlmesh/vlmesh-go/pkg/topology"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core        coreConf
	Logging     logConf
	Api         apiConf
	Discovery   discoveryConf
	Listen      []listenConf
	Peer        []peerConf
	TrustedPath []trustedPathConf `toml:"trusted-path"`
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	IdentityFile string `toml:"identity-file"`
	Cache        string
	DropLog      string `toml:"drop-log"`
	Profiling    bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// apiConf describes the Api-configuration block.
type apiConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// listenConf is one UDP listen endpoint.
type listenConf struct {
	Endpoint string
}

// peerConf is a statically configured peer: its marshaled identity in hex
// and its endpoint.
type peerConf struct {
	Identity string
	Endpoint string
	Root     bool
}

// trustedPathConf maps a trusted path ID to a network.
type trustedPathConf struct {
	Id      uint64
	Network string
}

func parseLogging(conf logConf) error {
	if conf.Level != "" {
		level, err := log.ParseLevel(conf.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}

	log.SetReportCaller(conf.ReportCaller)

	switch strings.ToLower(conf.Format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown logging format %q", conf.Format)
	}
	return nil
}

// loadOrCreateIdentity reads the node identity from path, generating and
// persisting a fresh one on first start.
func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	if raw, err := os.ReadFile(path); err == nil {
		fields := strings.Split(strings.TrimSpace(string(raw)), ":")
		if len(fields) != 2 {
			return nil, fmt.Errorf("identity file %s is malformed", path)
		}
		public, pubErr := hex.DecodeString(fields[0])
		private, privErr := hex.DecodeString(fields[1])
		if pubErr != nil || privErr != nil {
			return nil, fmt.Errorf("identity file %s is malformed", path)
		}
		return identity.FromKeys(public, private)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}

	line := fmt.Sprintf("%s:%s\n",
		hex.EncodeToString(id.PublicKey()), hex.EncodeToString(id.PrivateKeyBytes()))
	if err := os.WriteFile(path, []byte(line), 0600); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"address": id.Address(),
		"file":    path,
	}).Info("Generated new node identity")

	return id, nil
}

func parsePeers(confs []peerConf) ([]node.PeerSpec, error) {
	var specs []node.PeerSpec
	for _, conf := range confs {
		raw, err := hex.DecodeString(conf.Identity)
		if err != nil {
			return nil, fmt.Errorf("peer identity: %w", err)
		}
		id, _, err := identity.UnmarshalIdentity(raw)
		if err != nil {
			return nil, err
		}
		if !id.LocallyValidate() {
			return nil, fmt.Errorf("peer identity %v fails validation", id.Address())
		}

		endpoint, err := net.ResolveUDPAddr("udp", conf.Endpoint)
		if err != nil {
			return nil, err
		}

		specs = append(specs, node.PeerSpec{Identity: id, Endpoint: endpoint, Root: conf.Root})
	}
	return specs, nil
}

func parseTrustedPaths(confs []trustedPathConf) ([]topology.TrustedPath, error) {
	var paths []topology.TrustedPath
	for _, conf := range confs {
		if conf.Id == 0 {
			return nil, fmt.Errorf("trusted path ID must not be zero")
		}
		_, network, err := net.ParseCIDR(conf.Network)
		if err != nil {
			return nil, err
		}
		paths = append(paths, topology.TrustedPath{ID: conf.Id, Network: network})
	}
	return paths, nil
}

// parseCore reads the configuration and assembles the running components.
func parseCore(path string) (n *node.Node, disc *discovery.Manager, apiSrv *api.Server, profiling bool, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(path, &conf); err != nil {
		return
	}

	if err = parseLogging(conf.Logging); err != nil {
		return
	}
	profiling = conf.Core.Profiling

	identityFile := conf.Core.IdentityFile
	if identityFile == "" {
		identityFile = "vlmesh.identity"
	}
	id, idErr := loadOrCreateIdentity(identityFile)
	if idErr != nil {
		err = idErr
		return
	}

	var listen []string
	for _, l := range conf.Listen {
		listen = append(listen, l.Endpoint)
	}

	peers, peerErr := parsePeers(conf.Peer)
	if peerErr != nil {
		err = peerErr
		return
	}
	trusted, trustErr := parseTrustedPaths(conf.TrustedPath)
	if trustErr != nil {
		err = trustErr
		return
	}

	n, err = node.New(node.Config{
		Identity:          id,
		Listen:            listen,
		Peers:             peers,
		TrustedPaths:      trusted,
		IdentityCachePath: conf.Core.Cache,
		DropLogPath:       conf.Core.DropLog,
		Metadata: protocol.Dictionary{
			protocol.DictKeySoftwareVersion: fmt.Sprintf("%d.%d.%d",
				protocol.VersionMajor, protocol.VersionMinor, protocol.VersionRevision),
		},
	})
	if err != nil {
		return
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		interval := time.Duration(conf.Discovery.Interval) * time.Second
		if interval == 0 {
			interval = 10 * time.Second
		}

		port := uint(9993)
		if len(listen) > 0 {
			if _, p, sErr := net.SplitHostPort(listen[0]); sErr == nil {
				fmt.Sscanf(p, "%d", &port)
			}
		}

		disc, err = discovery.NewManager(discovery.Announcement{
			Address:  id.Address(),
			Port:     port,
			Identity: id,
		}, n, interval, conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			n.Close()
			return
		}
	}

	if conf.Api.Listen != "" {
		apiSrv = api.NewServer(n, conf.Api.Listen)
	}

	return
}

// watchConfig hot-reloads the settings that are safe to change at runtime:
// the log level and the trusted path table.
func watchConfig(path string, n *node.Node) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(path, &conf); err != nil {
					log.WithError(err).Warn("Ignoring invalid configuration update")
					continue
				}
				if err := parseLogging(conf.Logging); err != nil {
					log.WithError(err).Warn("Ignoring invalid logging update")
				}
				if trusted, err := parseTrustedPaths(conf.TrustedPath); err != nil {
					log.WithError(err).Warn("Ignoring invalid trusted path update")
				} else {
					n.SetTrustedPaths(trusted)
					log.WithFields(log.Fields{
						"entries": len(trusted),
					}).Info("Reloaded trusted path table")
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher error")
			}
		}
	}()

	return watcher, nil
}
