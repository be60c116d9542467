package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/bhandras/dumiverse/internal/codec"
	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/bhandras/dumiverse/internal/session"
	"github.com/bhandras/dumiverse/pkg/types"
	"github.com/gin-gonic/gin"
)

const helpText = "Endpoint options for Dumiverse (distributed Lumiverse renderer):\n" +
	"/open --- Open a connection to this renderer (only one connection allowed at a time)\n" +
	"/init -F \"ass_file=@ass_file.gz\" -F \"m_patch={json_patch}\" -- Initialize an open connection\n" +
	"/render -F \"m_parameters={devices_json}\" -F \"m_settings={settings_json}\" -- Render a scene and return buffer (?gzip=1 to compress)\n" +
	"/interrupt -- Interrupt a currently executing render\n" +
	"/percent -- Get the current percentage of rendering that has completed\n" +
	"/check_buffer -- Report whether a rendered buffer is available\n" +
	"/status -- Report the connection state and the current render job\n" +
	"/close --- Close / free an open connection\n\n" +
	"NOTE: The remote renderer must be told what plugins it needs, and all references in your .ass file must point to files on the remote server\n"

// RenderHandler serves the render session endpoints.
type RenderHandler struct {
	coordinator    *session.Coordinator
	maxUploadBytes int64
}

// NewRenderHandler returns handlers bound to coordinator. Multipart uploads
// larger than maxUploadBytes are rejected; zero disables the limit.
func NewRenderHandler(coordinator *session.Coordinator, maxUploadBytes int64) *RenderHandler {
	return &RenderHandler{
		coordinator:    coordinator,
		maxUploadBytes: maxUploadBytes,
	}
}

// Help handles GET /
func (h *RenderHandler) Help(c *gin.Context) {
	c.String(http.StatusOK, helpText)
}

// Open handles GET /open
func (h *RenderHandler) Open(c *gin.Context) {
	if err := h.coordinator.Open(); err != nil {
		if errors.Is(err, session.ErrAlreadyOpen) {
			fail(c, http.StatusConflict, "Connection already open. Please close before attempting to open a new connection")
			return
		}
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, types.Response{
		Success: true,
		Msg:     "Connection successfully opened. Waiting for scene file and parameters.",
	})
}

// Init handles POST /init
func (h *RenderHandler) Init(c *gin.Context) {
	h.limitBody(c)

	scene, err := formFile(c, types.FieldSceneFile)
	if err != nil {
		writeUploadError(c, err)
		return
	}
	patch := c.PostForm(types.FieldPatch)

	dims, err := h.coordinator.Init(c.Request.Context(), scene, []byte(patch))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotOpen):
			fail(c, http.StatusForbidden, "Connection has not been opened. Please open a connection before sending a scene file and parameters")
		case errors.Is(err, session.ErrMissingParameters):
			c.JSON(http.StatusBadRequest, types.MissingParametersResponse{
				Msg:          "Missing request parameters. Need m_patch and a (optionally compressed) ass file",
				MissingPatch: patch == "",
				MissingFile:  len(scene) == 0,
			})
		default:
			writeError(c, err, "Unable to initialize renderer")
		}
		return
	}

	c.JSON(http.StatusOK, types.InitResponse{
		Success: true,
		Msg:     "Successfully received file and initialized the renderer. Waiting for requests to /render endpoint",
		Width:   dims.Width,
		Height:  dims.Height,
		MWidth:  dims.Width,
		MHeight: dims.Height,
	})
}

// CheckBuffer handles GET /check_buffer
func (h *RenderHandler) CheckBuffer(c *gin.Context) {
	info, err := h.coordinator.CheckBuffer()
	if err != nil {
		if errors.Is(err, session.ErrNotOpen) {
			fail(c, http.StatusForbidden, "Unable to check buffer. Either connection is not opened or no scene file has been received")
			return
		}
		writeError(c, err, "Unable to check buffer")
		return
	}

	msg := "No buffer rendered yet"
	if info.Exists {
		msg = "Buffer checked"
	}
	c.JSON(http.StatusOK, types.CheckBufferResponse{
		Success: true,
		Msg:     msg,
		Exists:  info.Exists,
		Bytes:   info.Size,
	})
}

// Interrupt handles GET /interrupt
func (h *RenderHandler) Interrupt(c *gin.Context) {
	if err := h.coordinator.Interrupt(); err != nil {
		if errors.Is(err, session.ErrNotOpen) {
			fail(c, http.StatusForbidden, "Unable to interrupt rendering -- no connection open")
			return
		}
		writeError(c, err, "Unable to interrupt rendering")
		return
	}
	c.JSON(http.StatusOK, types.Response{Success: true, Msg: "Interrupted rendering"})
}

// Percent handles GET /percent
func (h *RenderHandler) Percent(c *gin.Context) {
	percent, err := h.coordinator.Progress()
	if err != nil {
		if errors.Is(err, session.ErrNotOpen) {
			fail(c, http.StatusForbidden, "Unable to get rendering percentage -- no connection open")
			return
		}
		writeError(c, err, "Unable to get rendering percentage")
		return
	}
	c.JSON(http.StatusOK, types.PercentResponse{
		Success: true,
		Msg:     "Got rendering progress status.",
		Percent: percent,
	})
}

// Render handles POST /render
//
// The response is held until the render resolves. On success the output
// buffer is streamed back as application/octet-stream, or gzip-compressed
// as application/gzip when the gzip query parameter is truthy.
func (h *RenderHandler) Render(c *gin.Context) {
	h.limitBody(c)

	parameters := c.PostForm(types.FieldParameters)
	settings := c.PostForm(types.FieldSettings)

	res, err := h.coordinator.Render(c.Request.Context(), []byte(parameters), []byte(settings))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotOpen), errors.Is(err, session.ErrNotInitialized):
			fail(c, http.StatusForbidden, "Error. You must open and initialize a connection before you try to render an image")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The client is gone; nobody is left to read a response.
			c.Abort()
		default:
			writeError(c, err, "Render failed")
		}
		return
	}
	defer res.Body.Close()

	headers := map[string]string{
		types.HeaderRenderJob:    res.JobID,
		types.HeaderRenderWidth:  strconv.Itoa(res.Dimensions.Width),
		types.HeaderRenderHeight: strconv.Itoa(res.Dimensions.Height),
	}

	if gzipRequested(c) {
		for k, v := range headers {
			c.Header(k, v)
		}
		c.Header("Content-Type", "application/gzip")
		c.Status(http.StatusOK)

		zw, err := codec.NewWriter(c.Writer, codec.FormatGzip)
		if err != nil {
			logger.Errorf("[api] render %s: %v", res.JobID, err)
			return
		}
		if _, err := io.Copy(zw, res.Body); err != nil {
			logger.Warnf("[api] render %s: stream compressed output: %v", res.JobID, err)
		}
		if err := zw.Close(); err != nil {
			logger.Warnf("[api] render %s: finish compressed output: %v", res.JobID, err)
		}
		return
	}

	c.DataFromReader(http.StatusOK, res.Size, "application/octet-stream", res.Body, headers)
}

// Close handles GET /close
func (h *RenderHandler) Close(c *gin.Context) {
	if err := h.coordinator.Close(); err != nil {
		if errors.Is(err, session.ErrNotOpen) {
			c.JSON(http.StatusOK, types.Response{Msg: "Connection not open so it can't be closed."})
			return
		}
		writeError(c, err, "Unable to close connection")
		return
	}
	c.JSON(http.StatusOK, types.Response{Success: true, Msg: "Connection closed"})
}

// Status handles GET /status
func (h *RenderHandler) Status(c *gin.Context) {
	snap := h.coordinator.Snapshot()
	resp := types.StatusResponse{
		Success: true,
		Open:    snap.Open(),
		State:   snap.State.String(),
		Width:   snap.Dimensions.Width,
		Height:  snap.Dimensions.Height,
	}
	if snap.Job != nil {
		job := &types.Job{
			ID:        snap.Job.ID,
			Status:    string(snap.Job.Status),
			Code:      snap.Job.Code,
			StartedAt: snap.Job.StartedAt,
		}
		if !snap.Job.FinishedAt.IsZero() {
			finished := snap.Job.FinishedAt
			job.FinishedAt = &finished
		}
		resp.Job = job
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RenderHandler) limitBody(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
}

// formFile reads an uploaded file. A missing file yields nil data.
func formFile(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, err
	}
	return readFileHeader(fh)
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func gzipRequested(c *gin.Context) bool {
	v, ok := c.GetQuery("gzip")
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
