// Package server exposes the layer registry over HTTP.
package server

import (
	"context"
	"net/http"
	"runtime"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/config"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/layer"
	"github.com/samcharles93/lamina/internal/logger"
	"github.com/samcharles93/lamina/internal/option"
	"github.com/samcharles93/lamina/internal/version"
)

const HeaderRequestID = "X-Request-ID"

type Config struct {
	// Registry defaults to layer.Default.
	Registry *layer.Registry
	// MaxThreads caps the threads a request may ask for. Zero means
	// GOMAXPROCS.
	MaxThreads int
	// Device supplies the limits used for GPU dry runs.
	Device gpu.DeviceInfo
	Logger logger.Logger
	// NewID generates request ids. Defaults to uuid.NewString.
	NewID func() string
}

type Server struct {
	registry   *layer.Registry
	maxThreads int
	device     gpu.DeviceInfo
	log        logger.Logger
	newID      func() string
}

func NewServer(cfg Config) *Server {
	s := &Server{
		registry:   cfg.Registry,
		maxThreads: cfg.MaxThreads,
		device:     cfg.Device,
		log:        cfg.Logger,
		newID:      cfg.NewID,
	}
	if s.registry == nil {
		s.registry = layer.Default
	}
	if s.maxThreads <= 0 {
		s.maxThreads = runtime.GOMAXPROCS(0)
	}
	if s.device.MaxWorkgroupInvocations == 0 {
		s.device = gpu.DefaultDeviceInfo()
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestID)
	e.GET("/v1/version", s.handleVersion)
	e.GET("/v1/layers", s.handleListLayers)
	e.GET("/v1/layers/:type", s.handleGetLayer)
	e.POST("/v1/layers/:type/forward", s.handleForward)
}

// requestID echoes the caller's X-Request-ID or assigns a fresh one.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(HeaderRequestID)
		if id == "" {
			id = s.newID()
		}
		c.Response().Header().Set(HeaderRequestID, id)
		c.Set("request_id", id)
		return next(c)
	}
}

func (s *Server) info(e layer.Entry) LayerInfo {
	l, err := s.registry.Create(e.Name)
	if err != nil {
		return LayerInfo{Name: e.Name, Index: e.Index}
	}
	b := l.Info()
	return LayerInfo{
		Name:               e.Name,
		Index:              e.Index,
		OneBlobOnly:        b.OneBlobOnly,
		SupportInplace:     b.SupportInplace,
		SupportVulkan:      b.SupportVulkan,
		SupportFP16Storage: b.SupportFP16Storage,
	}
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, version.Resolve())
}

func (s *Server) handleListLayers(c *echo.Context) error {
	entries := s.registry.Entries()
	list := LayerList{Object: "list", Data: make([]LayerInfo, 0, len(entries))}
	for _, e := range entries {
		list.Data = append(list.Data, s.info(e))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetLayer(c *echo.Context) error {
	name := c.Param("type")
	for _, e := range s.registry.Entries() {
		if e.Name == name {
			return c.JSON(http.StatusOK, s.info(e))
		}
	}
	return writeError(c, http.StatusNotFound, "not_found_error", "unknown layer type "+name, 0)
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := req.Input.Validate(); err != nil {
		return writeBadRequest(c, err.Error())
	}
	params, err := intKeys(req.Params)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	id, _ := c.Get("request_id").(string)
	log := s.log.With("request_id", id, logger.LayerKey, c.Param("type"))
	lc := config.LayerConfig{Type: c.Param("type"), Name: req.Name, Params: params}
	resp := ForwardResponse{ID: id, Object: "layer.forward", Layer: lc.Type, Name: lc.Name}

	opt := s.option(req, log)
	if req.GPU {
		err = s.record(c.Request().Context(), lc, req.Input, opt, &resp)
	} else {
		err = s.forward(c.Request().Context(), lc, req.Input, opt, &resp)
	}
	if err != nil {
		log.Warn("forward failed", "error", err)
		return writeLayerError(c, err)
	}
	log.Debug("forward done", "gpu", req.GPU)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) option(req ForwardRequest, log logger.Logger) *option.Option {
	opt := option.Default()
	opt.NumThreads = s.maxThreads
	if req.Threads > 0 {
		opt.NumThreads = min(req.Threads, s.maxThreads)
	}
	if req.LightMode != nil {
		opt.LightMode = *req.LightMode
	}
	opt.Logger = log
	return opt
}

func (s *Server) forward(_ context.Context, lc config.LayerConfig, in config.Input, opt *option.Option, resp *ForwardResponse) error {
	l, err := lc.Build(s.registry, nil, opt)
	if err != nil {
		return err
	}
	m, err := in.Mat()
	if err != nil {
		return err
	}
	out, err := layer.Run(l, []blob.Mat{m}, opt)
	if err != nil {
		return err
	}
	result := config.InputFromMat(out[0])
	resp.Output = &result
	return nil
}

// record runs the GPU path against a recording device and returns the
// command stream with the output shape.
func (s *Server) record(_ context.Context, lc config.LayerConfig, in config.Input, opt *option.Option, resp *ForwardResponse) error {
	rec := gpu.NewRecorder(s.device)
	blobs := gpu.NewHostAllocator(0)
	opt.UseVulkanCompute = true
	opt.BlobVkAllocator = blobs
	opt.StagingVkAllocator = blobs
	opt.WorkspaceVkAllocator = gpu.NewHostAllocator(0)

	l, err := lc.Build(s.registry, rec, opt)
	if err != nil {
		return err
	}
	defer func() { _ = l.DestroyPipeline(opt) }()

	var m gpu.Mat
	if err := m.CreateDims(in.Dims, in.W, max(in.H, 1), max(in.C, 1), 4, blobs, blobs); err != nil {
		return err
	}
	out, err := layer.RunGPU(l, []gpu.Mat{m}, rec, opt)
	if err != nil {
		return err
	}
	resp.Output = &config.Input{Dims: out[0].Dims, W: out[0].W, H: out[0].H, C: out[0].C}
	for _, r := range rec.Records() {
		resp.Records = append(resp.Records, r.String())
	}
	return nil
}
