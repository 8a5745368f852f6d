package scoreapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"scoretree/cachejson"
	"scoretree/internal/cache"
	"scoretree/internal/compiler"
	"scoretree/internal/score"
)

// compileRequest is the wire shape of POST /compile: a ClipNode document
// plus an optional bpm override, matching the Compile API's documented
// options. Clip stays a raw message since score.Operation is a sealed
// interface that cachejson, not gin's own binder, knows how to decode.
type compileRequest struct {
	Clip json.RawMessage `json:"clip" binding:"required"`
	BPM  *float64        `json:"bpm,omitempty"`
}

func (s *Server) compile(c *gin.Context) {
	var req compileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clip, err := cachejson.UnmarshalClip(req.Clip)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := s.cfg
	if req.BPM != nil {
		cfg.DefaultBPM = *req.BPM
	}
	res, err := compiler.Compile(clip, cfg)
	if err != nil {
		writeCompileError(c, err)
		return
	}
	body, err := cachejson.MarshalResult(res, clip, 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// incrementalRequest additionally carries the clip's cache key (any stable
// identifier the caller chooses; /compile responses carry no hash to reuse)
// used to look up a previous compile from the Server's Store, plus the
// previous clip tree needed to recompute section boundaries.
type incrementalRequest struct {
	Clip     json.RawMessage `json:"clip" binding:"required"`
	OldClip  json.RawMessage `json:"oldClip,omitempty"`
	CacheKey string          `json:"cacheKey" binding:"required"`
	BPM      *float64        `json:"bpm,omitempty"`
}

func (s *Server) incrementalCompile(c *gin.Context) {
	var req incrementalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	newClip, err := cachejson.UnmarshalClip(req.Clip)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var oldCache *cache.CompilationCache
	if s.store != nil {
		if blob, ok, err := s.store.Get(req.CacheKey); err == nil && ok {
			if cc, err := cachejson.UnmarshalCache(blob); err == nil {
				oldCache = cc
			}
		}
	}

	var oldClip *score.ClipNode
	if len(req.OldClip) > 0 {
		if parsed, err := cachejson.UnmarshalClip(req.OldClip); err == nil {
			oldClip = parsed
		}
	}

	cfg := s.cfg
	if req.BPM != nil {
		cfg.DefaultBPM = *req.BPM
	}

	newCache, res, err := compiler.IncrementalCompile(oldClip, oldCache, newClip, cfg)
	if err != nil {
		writeCompileError(c, err)
		return
	}

	if s.store != nil {
		if blob, err := cachejson.MarshalCache(newCache); err == nil {
			_ = s.store.Put(req.CacheKey, blob)
		}
	}

	body, err := cachejson.MarshalResult(res, newClip, 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) estimate(c *gin.Context) {
	var req struct {
		Clip json.RawMessage `json:"clip" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clip, err := cachejson.UnmarshalClip(req.Clip)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	est := compiler.EstimateExpansion(clip, s.cfg.Limits)
	c.JSON(http.StatusOK, gin.H{
		"operations": est.EstimatedOperations,
		"depth":      est.EstimatedDepth,
		"memoryMB":   est.EstimatedMemoryMB,
		"warnings":   est.Warnings,
	})
}

func writeCompileError(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
}
