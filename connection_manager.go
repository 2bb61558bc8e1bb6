// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ouroboros

import (
	"net"
	"slices"
	"sync"

	"github.com/blinklabs-io/ouroboros-agent/protocol/peersharing"
)

// ConnectionManagerConnClosedFunc is called with the connection ID and the error that closed it, if any
type ConnectionManagerConnClosedFunc func(string, error)

// ConnectionManagerTag represents the various tags that can be associated with a host or connection
type ConnectionManagerTag uint16

const (
	ConnectionManagerTagNone ConnectionManagerTag = iota

	ConnectionManagerTagHostProducer
	ConnectionManagerTagHostBootstrap
	ConnectionManagerTagHostLocalRoot
	ConnectionManagerTagHostPublicRoot
	ConnectionManagerTagHostShareable

	ConnectionManagerTagRoleInitiator
	ConnectionManagerTagRoleResponder
)

func (c ConnectionManagerTag) String() string {
	switch c {
	case ConnectionManagerTagHostProducer:
		return "HostProducer"
	case ConnectionManagerTagHostBootstrap:
		return "HostBootstrap"
	case ConnectionManagerTagHostLocalRoot:
		return "HostLocalRoot"
	case ConnectionManagerTagHostPublicRoot:
		return "HostPublicRoot"
	case ConnectionManagerTagHostShareable:
		return "HostShareable"
	case ConnectionManagerTagRoleInitiator:
		return "RoleInitiator"
	case ConnectionManagerTagRoleResponder:
		return "RoleResponder"
	default:
		return "Unknown"
	}
}

// ConnectionManager tracks known hosts and live connections. It answers peer-sharing requests
// from the hosts marked as shareable
type ConnectionManager struct {
	config           ConnectionManagerConfig
	hosts            []ConnectionManagerHost
	hostsMutex       sync.Mutex
	connections      map[string]*ConnectionManagerConnection
	connectionsMutex sync.Mutex
	waitGroup        sync.WaitGroup
}

type ConnectionManagerConfig struct {
	ConnClosedFunc ConnectionManagerConnClosedFunc
}

type ConnectionManagerHost struct {
	Address string
	Port    uint
	Tags    map[ConnectionManagerTag]bool
}

type ConnectionManagerConnection struct {
	Conn  *Connection
	Tags  map[ConnectionManagerTag]bool
	mutex sync.Mutex
}

func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	return &ConnectionManager{
		config:      cfg,
		connections: make(map[string]*ConnectionManagerConnection),
	}
}

func (c *ConnectionManager) AddHost(address string, port uint, tags ...ConnectionManagerTag) {
	tmpTags := map[ConnectionManagerTag]bool{}
	for _, tag := range tags {
		tmpTags[tag] = true
	}
	c.hostsMutex.Lock()
	defer c.hostsMutex.Unlock()
	c.hosts = append(
		c.hosts,
		ConnectionManagerHost{
			Address: address,
			Port:    port,
			Tags:    tmpTags,
		},
	)
}

// AddHostsFromTopology adds every host in the topology. Advertised roots are marked as shareable
func (c *ConnectionManager) AddHostsFromTopology(topology *TopologyConfig) {
	for _, host := range topology.Producers {
		c.AddHost(host.Address, host.Port, ConnectionManagerTagHostProducer)
	}
	for _, host := range topology.BootstrapPeers {
		c.AddHost(host.Address, host.Port, ConnectionManagerTagHostBootstrap)
	}
	for _, localRoot := range topology.LocalRoots {
		tags := []ConnectionManagerTag{ConnectionManagerTagHostLocalRoot}
		if localRoot.Advertise {
			tags = append(tags, ConnectionManagerTagHostShareable)
		}
		for _, host := range localRoot.AccessPoints {
			c.AddHost(host.Address, host.Port, tags...)
		}
	}
	for _, publicRoot := range topology.PublicRoots {
		tags := []ConnectionManagerTag{ConnectionManagerTagHostPublicRoot}
		if publicRoot.Advertise {
			tags = append(tags, ConnectionManagerTagHostShareable)
		}
		for _, host := range publicRoot.AccessPoints {
			c.AddHost(host.Address, host.Port, tags...)
		}
	}
}

// Hosts returns the known hosts carrying all of the specified tags
func (c *ConnectionManager) Hosts(tags ...ConnectionManagerTag) []ConnectionManagerHost {
	c.hostsMutex.Lock()
	defer c.hostsMutex.Unlock()
	var ret []ConnectionManagerHost
	for _, host := range c.hosts {
		if hasTags(host.Tags, tags) {
			ret = append(ret, host)
		}
	}
	return ret
}

// SharePeers returns up to amount shareable hosts with literal IP addresses, in the form used
// by the peer-sharing protocol
func (c *ConnectionManager) SharePeers(amount int) []peersharing.PeerAddress {
	ret := []peersharing.PeerAddress{}
	for _, host := range c.Hosts(ConnectionManagerTagHostShareable) {
		if len(ret) >= amount {
			break
		}
		ip := net.ParseIP(host.Address)
		if ip == nil || host.Port > 65535 {
			continue
		}
		ret = append(ret, peersharing.PeerAddress{
			IP:   ip,
			Port: uint16(host.Port), // #nosec G115
		})
	}
	return ret
}

// AddConnection starts tracking a connection. It is removed again when it reports an error or closes
func (c *ConnectionManager) AddConnection(conn *Connection, tags ...ConnectionManagerTag) {
	connId := conn.Id()
	tmpTags := map[ConnectionManagerTag]bool{}
	for _, tag := range tags {
		tmpTags[tag] = true
	}
	c.connectionsMutex.Lock()
	c.connections[connId] = &ConnectionManagerConnection{
		Conn: conn,
		Tags: tmpTags,
	}
	c.connectionsMutex.Unlock()
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		// The channel is closed without an error on a clean shutdown
		err := <-conn.ErrorChan()
		c.RemoveConnection(connId)
		if c.config.ConnClosedFunc != nil {
			c.config.ConnClosedFunc(connId, err)
		}
	}()
}

func (c *ConnectionManager) RemoveConnection(connId string) {
	c.connectionsMutex.Lock()
	delete(c.connections, connId)
	c.connectionsMutex.Unlock()
}

func (c *ConnectionManager) GetConnectionById(connId string) *ConnectionManagerConnection {
	c.connectionsMutex.Lock()
	defer c.connectionsMutex.Unlock()
	return c.connections[connId]
}

func (c *ConnectionManager) GetConnectionsByTags(tags ...ConnectionManagerTag) []*ConnectionManagerConnection {
	var ret []*ConnectionManagerConnection
	c.connectionsMutex.Lock()
	defer c.connectionsMutex.Unlock()
	for _, conn := range c.connections {
		conn.mutex.Lock()
		match := hasTags(conn.Tags, tags)
		conn.mutex.Unlock()
		if match {
			ret = append(ret, conn)
		}
	}
	return ret
}

// Close closes every tracked connection and waits for their close callbacks
func (c *ConnectionManager) Close() {
	c.connectionsMutex.Lock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn.Conn)
	}
	c.connectionsMutex.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	c.waitGroup.Wait()
}

func (c *ConnectionManagerConnection) AddTags(tags ...ConnectionManagerTag) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, tag := range tags {
		c.Tags[tag] = true
	}
}

func (c *ConnectionManagerConnection) RemoveTags(tags ...ConnectionManagerTag) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, tag := range tags {
		delete(c.Tags, tag)
	}
}

// HasTags returns whether the connection carries all of the specified tags
func (c *ConnectionManagerConnection) HasTags(tags ...ConnectionManagerTag) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return hasTags(c.Tags, tags)
}

// TagList returns the names of the connection's tags in tag order
func (c *ConnectionManagerConnection) TagList() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	tags := make([]ConnectionManagerTag, 0, len(c.Tags))
	for tag, ok := range c.Tags {
		if ok {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	ret := make([]string, 0, len(tags))
	for _, tag := range tags {
		ret = append(ret, tag.String())
	}
	return ret
}

func hasTags(have map[ConnectionManagerTag]bool, want []ConnectionManagerTag) bool {
	return !slices.ContainsFunc(want, func(tag ConnectionManagerTag) bool {
		return !have[tag]
	})
}
