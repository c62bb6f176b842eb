package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/buffer"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/factory"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/pipe"
)

type healthResponse struct {
	Status  string `json:"status"`
	Variant string `json:"variant"`
	State   string `json:"state"`
}

func (s *Server) health(c *gin.Context) {
	state := s.pipeline.State()
	resp := healthResponse{Status: "ok", Variant: s.pipeline.Variant().String(), State: state.String()}
	if state != factory.StateRun {
		resp.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// statsResponse mirrors factory.Stats with pool keys flattened to strings.
type statsResponse struct {
	Variant         string                      `json:"variant"`
	State           string                      `json:"state"`
	FramesCreated   uint64                      `json:"frames_created"`
	FramesCompleted uint64                      `json:"frames_completed"`
	FramesFailed    uint64                      `json:"frames_failed"`
	FramesDropped   uint64                      `json:"frames_dropped"`
	Completed       int                         `json:"completed_waiting"`
	Stages          []pipe.Stats                `json:"stages"`
	Pools           map[string]buffer.PoolStats `json:"pools,omitempty"`
}

func (s *Server) stats(c *gin.Context) {
	st := s.pipeline.Stats()
	resp := statsResponse{
		Variant:         st.Variant,
		State:           st.State,
		FramesCreated:   st.FramesCreated,
		FramesCompleted: st.FramesCompleted,
		FramesFailed:    st.FramesFailed,
		FramesDropped:   st.FramesDropped,
		Completed:       st.Completed,
		Stages:          st.Stages,
	}
	if len(st.Pools) > 0 {
		resp.Pools = make(map[string]buffer.PoolStats, len(st.Pools))
		for k, v := range st.Pools {
			resp.Pools[k.String()] = v
		}
	}
	c.JSON(http.StatusOK, resp)
}

type stageGeometry struct {
	Stage     string             `json:"stage"`
	NodeGroup geometry.NodeGroup `json:"node_group"`
}

type geometryResponse struct {
	Variant   string          `json:"variant"`
	Order     []string        `json:"order"`
	Fallbacks []string        `json:"fallbacks,omitempty"`
	Stages    []stageGeometry `json:"stages"`
}

func (s *Server) geometry(c *gin.Context) {
	v := s.pipeline.Variant()
	res, stages, err := factory.Resolve(v, s.params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := geometryResponse{Variant: v.String(), Order: res.Order, Fallbacks: res.Fallbacks}
	for _, sg := range stages {
		resp.Stages = append(resp.Stages, stageGeometry{Stage: factory.StageName(sg.Stage), NodeGroup: sg.NodeGroup})
	}
	c.JSON(http.StatusOK, resp)
}

type requestBody struct {
	On *bool `json:"on" binding:"required"`
}

func (s *Server) getRequest(c *gin.Context) {
	id, err := factory.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": factory.StageName(id), "requested": s.pipeline.Request(id)})
}

func (s *Server) putRequest(c *gin.Context) {
	id, err := factory.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.pipeline.SetRequest(id, *body.On); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, factory.ErrNotWired) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": factory.StageName(id), "requested": *body.On})
}
