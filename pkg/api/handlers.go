package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/network"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/storage"
)

// HealthResponse is returned by /health
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	PeerID  string `json:"peerId"`
	Uptime  string `json:"uptime"`
}

// NodeInfoResponse describes the local node
type NodeInfoResponse struct {
	Success    bool          `json:"success"`
	PeerID     string        `json:"peerId"`
	Protocol   string        `json:"protocol"`
	ListenAddr string        `json:"listenAddr"`
	Multiaddr  string        `json:"multiaddr,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Stats      network.Stats `json:"stats"`
}

// ConnectionsResponse lists live sessions
type ConnectionsResponse struct {
	Success     bool                     `json:"success"`
	Count       int                      `json:"count"`
	Connections []network.ConnectionInfo `json:"connections"`
}

// PeersResponse lists every peer seen in the envelope log
type PeersResponse struct {
	Success bool                  `json:"success"`
	Count   int                   `json:"count"`
	Peers   []*storage.PeerRecord `json:"peers"`
}

// MessagesResponse lists logged envelopes, newest first
type MessagesResponse struct {
	Success  bool              `json:"success"`
	Count    int               `json:"count"`
	Messages []*storage.Record `json:"messages"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Success: true,
		Status:  "healthy",
		PeerID:  s.node.PeerID().String(),
		Uptime:  formatDuration(time.Since(s.started)),
	})
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	addr := s.node.Addr()
	resp := NodeInfoResponse{
		Success:    true,
		PeerID:     s.node.PeerID().String(),
		Protocol:   protocol.ProtocolVersion,
		ListenAddr: addr.String(),
		StartedAt:  s.started,
		Stats:      s.node.Stats(),
	}
	if maddr, err := network.ToMultiaddr(addr); err == nil {
		resp.Multiaddr = maddr.String()
		if pid, err := s.node.PeerID().Libp2pID(); err == nil {
			resp.Multiaddr += "/p2p/" + pid.String()
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleConnections handles GET /api/v1/connections
func (s *Server) handleConnections(c *gin.Context) {
	conns := s.node.Connections()
	c.JSON(http.StatusOK, ConnectionsResponse{
		Success:     true,
		Count:       len(conns),
		Connections: conns,
	})
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	peers, err := s.store.Peers(c.Request.Context())
	if err != nil {
		s.internalError(c, "Failed to get peers", err)
		return
	}
	if peers == nil {
		peers = []*storage.PeerRecord{}
	}

	c.JSON(http.StatusOK, PeersResponse{
		Success: true,
		Count:   len(peers),
		Peers:   peers,
	})
}

// handleMessages handles GET /api/v1/messages?limit=&peer=
func (s *Server) handleMessages(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	var (
		recs []*storage.Record
		err  error
	)
	if raw := c.Query("peer"); raw != "" {
		peer, perr := crypto.ParsePeerID(raw)
		if perr != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid peer ID",
				Message: perr.Error(),
			})
			return
		}
		recs, err = s.store.ByPeer(c.Request.Context(), peer, limit)
	} else {
		recs, err = s.store.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		s.internalError(c, "Failed to get messages", err)
		return
	}
	if recs == nil {
		recs = []*storage.Record{}
	}

	c.JSON(http.StatusOK, MessagesResponse{
		Success:  true,
		Count:    len(recs),
		Messages: recs,
	})
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:   "Envelope log disabled",
		Message: "this node does not persist traffic",
	})
	return false
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   msg,
		Message: err.Error(),
	})
}

// formatDuration formats a duration in human-readable format
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
