package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mohans/auditx/asyncx"
	"github.com/mohans/auditx/internal/compliance"
)

// TaskView is the poll response.
type TaskView struct {
	TaskID       string        `json:"task_id"`
	Status       asyncx.Status `json:"status"`
	Progress     int           `json:"progress"`
	StageMessage string        `json:"stage_message"`
	Error        *string       `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func errorJSON(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "No file provided")
	}
	if err := compliance.ValidateUpload(fh.Filename, fh.Size, s.opts.MaxUploadBytes); err != nil {
		var ve *compliance.ValidationError
		if errors.As(err, &ve) && ve.TooLarge {
			return errorJSON(c, fiber.StatusRequestEntityTooLarge, ve.Msg)
		}
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	}

	f, err := fh.Open()
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to read file")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to read file")
	}

	id, err := s.tasks.Submit(c.UserContext(), data)
	if err != nil {
		s.log.Error("submit task", zap.String("filename", fh.Filename), zap.Error(err))
		return errorJSON(c, fiber.StatusServiceUnavailable, "Task could not be scheduled")
	}
	return c.JSON(fiber.Map{"task_id": id})
}

func (s *Server) handleTask(c *fiber.Ctx) error {
	rec, err := s.tasks.Poll(c.UserContext(), c.Params("id"))
	if errors.Is(err, asyncx.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, "Task not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(TaskView{
		TaskID:       rec.ID,
		Status:       rec.Status,
		Progress:     rec.Progress,
		StageMessage: rec.StageMessage,
		Error:        rec.ErrorMsg,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	})
}

func (s *Server) handleResults(c *fiber.Ctx) error {
	raw, err := s.tasks.Result(c.UserContext(), c.Params("id"))
	var failed *asyncx.FailedError
	switch {
	case err == nil:
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(raw)
	case errors.Is(err, asyncx.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, "Task not found")
	case errors.Is(err, asyncx.ErrNotReady):
		return errorJSON(c, fiber.StatusConflict, "Results not ready yet")
	case errors.As(err, &failed):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "Task failed",
			"status":  asyncx.StatusFailed,
			"message": failed.Message,
		})
	default:
		return err
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	healthy := s.opts.EvaluatorConfigured
	body := fiber.Map{
		"service":              serviceName,
		"evaluator_configured": s.opts.EvaluatorConfigured,
	}
	if !s.opts.EvaluatorConfigured {
		body["error"] = "OPENAI_API_KEY not configured"
	}
	if s.opts.Redis != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := s.opts.Redis.Ping(ctx).Err(); err != nil {
			healthy = false
			body["queue"] = "unreachable"
		} else {
			body["queue"] = "ok"
		}
	}
	if !healthy {
		body["status"] = "unhealthy"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	body["status"] = "healthy"
	return c.JSON(body)
}
