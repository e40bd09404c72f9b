package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tendant/simple-docworker/internal/store"
	"github.com/tendant/simple-docworker/internal/submit"
	"github.com/tendant/simple-docworker/pkg/schema"
)

// UploadDocument accepts a multipart "file" field and queues it.
func (h *Handler) UploadDocument(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if h.deps.MaxUploadBytes > 0 && fh.Size > h.deps.MaxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.deps.MaxUploadBytes))
	}
	if fh.Size == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "file is empty")
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
	}
	defer src.Close()

	job, err := h.deps.Uploader.Upload(c.Request().Context(), submit.Upload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		OwnerID:     c.FormValue("owner_id"),
		Body:        src,
	})
	switch {
	case errors.Is(err, submit.ErrNotQueued):
		// recorded as Pending; the recovery sweep dispatches it
		h.logger.Warn("upload accepted without dispatch", "job_id", job.ID, "err", err)
	case err != nil:
		h.logger.Error("upload failed", "file_name", fh.Filename, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "upload failed")
	}

	return c.JSON(http.StatusAccepted, schema.UploadAccepted{
		TaskID: job.ID,
		Status: schema.TaskPending,
		URL:    job.URL,
	})
}

func (h *Handler) GetTaskStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Status.Query(c.Request().Context(), c.Param("id")))
}

func (h *Handler) GetDocument(c echo.Context) error {
	view, err := h.deps.Status.Document(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		h.logger.Error("load document failed", "job_id", c.Param("id"), "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "document unavailable")
	}
	return c.JSON(http.StatusOK, view)
}

// GetFile streams the stored upload back to the client.
func (h *Handler) GetFile(c echo.Context) error {
	ctx := c.Request().Context()
	job, err := h.deps.Jobs.Get(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "file unavailable")
	}

	rc, err := h.deps.Files.Open(ctx, job.SourceRef)
	if err != nil {
		h.logger.Warn("open stored file failed", "job_id", job.ID, "source_ref", job.SourceRef, "err", err)
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	defer rc.Close()

	ct := job.ContentType
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", job.FileName))
	return c.Stream(http.StatusOK, ct, rc)
}
