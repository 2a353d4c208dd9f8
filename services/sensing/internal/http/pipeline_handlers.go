package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type junctionView struct {
	JunctionID    string   `json:"junctionId"`
	JunctionName  string   `json:"junctionName"`
	IncomingEdges []string `json:"incomingEdges"`
}

func (s *Server) handlePipelineStatus(c *gin.Context) {
	body := gin.H{}

	if s.deps.Analysis != nil {
		body["analysis"] = s.deps.Analysis.Status()
	}
	if s.deps.Poller != nil {
		if tick, ok := s.deps.Poller.LastTick(); ok {
			body["poller"] = tick
		} else {
			body["poller"] = nil
		}
	}
	if s.deps.Directory != nil {
		body["directory"] = gin.H{"junctions": s.deps.Directory.Snapshot().Len()}
	}
	if s.deps.Stream != nil {
		body["stream"] = gin.H{"subscribers": s.deps.Stream.Subscribers()}
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleJunctions(c *gin.Context) {
	if s.deps.Directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory not available"})
		return
	}

	snap := s.deps.Directory.Snapshot()
	junctions := make([]junctionView, 0, snap.Len())
	for _, id := range snap.Junctions() {
		edges := snap.IncomingEdges(id)
		if edges == nil {
			edges = []string{}
		}
		junctions = append(junctions, junctionView{
			JunctionID:    id,
			JunctionName:  snap.Name(id),
			IncomingEdges: edges,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"count":     len(junctions),
		"junctions": junctions,
	})
}
