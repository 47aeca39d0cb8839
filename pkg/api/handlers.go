package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-channels/pkg/network"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

// ChannelInfo describes a registered channel
type ChannelInfo struct {
	Name      string   `json:"name"`
	Published bool     `json:"published"`
	Members   []string `json:"members"`
}

// ClientInfo describes a connected client
type ClientInfo struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peer_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Channels    []string  `json:"channels"`
}

// CreateChannelRequest is the body of POST /api/v1/channels
type CreateChannelRequest struct {
	Name    string `json:"name" binding:"required"`
	Publish bool   `json:"publish"`
}

// MessageRequest carries an application message. Text is encoded as a
// single UTF field.
type MessageRequest struct {
	ID   int64  `json:"id" binding:"required"`
	Text string `json:"text"`
}

// StatsResponse is the body of GET /api/v1/stats
type StatsResponse struct {
	network.ServerStats
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func channelInfo(ch *network.Channel) ChannelInfo {
	members := ch.Members()
	ids := make([]string, 0, len(members))
	for _, rc := range members {
		ids = append(ids, rc.ID())
	}
	return ChannelInfo{Name: ch.Name(), Published: ch.IsPublished(), Members: ids}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": s.srv.Stats().Uptime.String(),
	})
}

func (s *Server) handleListChannels(c *gin.Context) {
	channels := s.srv.Channels()
	out := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelInfo(ch))
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

func (s *Server) handleGetChannel(c *gin.Context) {
	ch := s.srv.Channel(c.Param("name"))
	if ch == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found", Message: c.Param("name")})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: channelInfo(ch)})
}

func (s *Server) handleCreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	ch, err := s.srv.CreateChannel(req.Name)
	switch {
	case errors.Is(err, network.ErrChannelExists):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "channel already exists", Message: req.Name})
		return
	case errors.Is(err, network.ErrInvalidChannel):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid channel name"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create channel", Message: err.Error()})
		return
	}

	if req.Publish {
		if err := ch.Publish(); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to publish channel", Message: err.Error()})
			return
		}
	}
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: channelInfo(ch)})
}

func (s *Server) handlePublishChannel(c *gin.Context) {
	ch := s.srv.Channel(c.Param("name"))
	if ch == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found", Message: c.Param("name")})
		return
	}
	if err := ch.Publish(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to publish channel", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: channelInfo(ch)})
}

func (s *Server) handleChannelMessage(c *gin.Context) {
	ch := s.srv.Channel(c.Param("name"))
	if ch == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found", Message: c.Param("name")})
		return
	}
	msg, ok := s.bindMessage(c)
	if !ok {
		return
	}
	if err := ch.Write(msg); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to write channel message", Message: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Data: gin.H{"members": ch.Len()}})
}

func (s *Server) handleCloseChannel(c *gin.Context) {
	err := s.srv.CloseChannel(c.Param("name"))
	switch {
	case errors.Is(err, network.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found", Message: c.Param("name")})
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to close channel", Message: err.Error()})
	default:
		c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "channel closed"})
	}
}

func (s *Server) handleListClients(c *gin.Context) {
	clients := s.srv.Clients()
	out := make([]ClientInfo, 0, len(clients))
	for _, rc := range clients {
		out = append(out, ClientInfo{
			ID:          rc.ID(),
			PeerID:      network.FormatPeerID(rc.PeerID()),
			RemoteAddr:  rc.RemoteAddr(),
			ConnectedAt: rc.ConnectedAt(),
			Channels:    rc.Channels(),
		})
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

func (s *Server) handleDisconnectClient(c *gin.Context) {
	rc := s.srv.Client(c.Param("id"))
	if rc == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "client not found", Message: c.Param("id")})
		return
	}
	reason := c.DefaultQuery("reason", "disconnected by operator")
	if err := rc.Disconnect(reason); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to disconnect client", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "client disconnected"})
}

func (s *Server) handleBroadcast(c *gin.Context) {
	msg, ok := s.bindMessage(c)
	if !ok {
		return
	}
	err := s.srv.Broadcast(msg)
	switch {
	case errors.Is(err, network.ErrBroadcastCanceled):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "broadcast cancelled"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to broadcast", Message: err.Error()})
	default:
		c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Data: gin.H{"clients": len(s.srv.Clients())}})
	}
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.srv.Stats()
	c.JSON(http.StatusOK, StatsResponse{ServerStats: stats, UptimeSeconds: stats.Uptime.Seconds()})
}

// bindMessage decodes a MessageRequest and builds the application message.
// Reserved opcode ids are refused.
func (s *Server) bindMessage(c *gin.Context) (*protocol.Message, bool) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return nil, false
	}
	if protocol.IsOpcode(req.ID) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "reserved message id"})
		return nil, false
	}
	msg, err := protocol.NewBuilder().WriteUTF(req.Text).Build(req.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid message", Message: err.Error()})
		return nil, false
	}
	return msg, true
}
