package network

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ZentaChain/zentalk-channels/pkg/metrics"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

// Channel is a named topic on the server. Membership lives here only;
// a client's channels are derived by scanning the registry.
type Channel struct {
	server *Server
	name   string

	mu        sync.RWMutex
	published bool
	members   map[uuid.UUID]*RemoteClient
}

func newChannel(s *Server, name string) *Channel {
	return &Channel{
		server:  s,
		name:    name,
		members: make(map[uuid.UUID]*RemoteClient),
	}
}

// Name returns the name the channel was created with
func (c *Channel) Name() string {
	return c.name
}

// IsPublished reports whether CHANNEL_OPEN was announced
func (c *Channel) IsPublished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Publish announces the channel to every connected client. Only the first
// call sends anything.
func (c *Channel) Publish() error {
	c.mu.Lock()
	if c.published {
		c.mu.Unlock()
		return nil
	}
	c.published = true
	c.mu.Unlock()

	notice, err := protocol.NewBuilder().WriteUTF(c.name).BuildOp(protocol.OpChannelOpen)
	if err != nil {
		return err
	}

	clients := c.server.Clients()
	for _, rc := range clients {
		if err := rc.push(notice); err != nil {
			rc.log.Debug().Err(err).Str("channel", c.name).Msg("failed to announce channel")
		}
	}

	if store := c.server.channelStore(); store != nil {
		if err := store.SaveChannel(c.name, true); err != nil {
			c.server.log.Warn().Err(err).Str("channel", c.name).Msg("failed to persist channel")
		}
	}

	c.server.log.Info().Str("channel", c.name).Int("clients", len(clients)).Msg("channel published")
	return nil
}

// Members returns the clients joined to the channel, oldest first
func (c *Channel) Members() []*RemoteClient {
	c.mu.RLock()
	out := make([]*RemoteClient, 0, len(c.members))
	for _, rc := range c.members {
		out = append(out, rc)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Len returns the number of members
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// IsMember reports whether rc joined the channel
func (c *Channel) IsMember(rc *RemoteClient) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[rc.id]
	return ok
}

func (c *Channel) add(rc *RemoteClient) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[rc.id]; ok {
		return false
	}
	c.members[rc.id] = rc
	return true
}

func (c *Channel) remove(rc *RemoteClient) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[rc.id]; !ok {
		return false
	}
	delete(c.members, rc.id)
	return true
}

func (c *Channel) clear() {
	c.mu.Lock()
	c.members = make(map[uuid.UUID]*RemoteClient)
	c.mu.Unlock()
}

// Write sends msg to every member as a server-originated channel message
func (c *Channel) Write(msg *protocol.Message) error {
	envelope, err := channelEnvelope(c.name, msg)
	if err != nil {
		return err
	}
	c.forward(envelope)
	return nil
}

// forward pushes an already built CHANNEL_MESSAGE to every member,
// the sender included
func (c *Channel) forward(envelope *protocol.Message) int {
	var sent int
	for _, rc := range c.Members() {
		if err := rc.push(envelope); err != nil {
			rc.log.Debug().Err(err).Str("channel", c.name).Msg("failed to forward channel message")
			continue
		}
		sent++
	}
	metrics.RecordForwarded(sent)
	return sent
}

// channelEnvelope frames inner as CHANNEL_MESSAGE{name, inner id, inner payload}
func channelEnvelope(name string, inner *protocol.Message) (*protocol.Message, error) {
	return protocol.NewBuilder().
		WriteUTF(name).
		WriteInt64(inner.TypeID()).
		WriteBytes(inner.Payload()).
		BuildOp(protocol.OpChannelMessage)
}
