package controller

import (
	"time"

	"maildrip/utils"
	"maildrip/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type DiagnosticsController struct {
	Worker *worker.SequenceWorker
	Logger *logrus.Entry
}

func NewDiagnosticsController(w *worker.SequenceWorker, logger *logrus.Entry) *DiagnosticsController {
	return &DiagnosticsController{Worker: w, Logger: logger}
}

// ProcessSequences runs one scheduler pass immediately and returns the
// per-enrollment outcomes. The pass uses the same claim protocol as the
// ticker, so running it alongside a live tick is safe.
func (dc *DiagnosticsController) ProcessSequences(c *fiber.Ctx) error {
	result, err := dc.Worker.ProcessDue(time.Now().UTC())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Scheduler pass failed", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}

// RecentTicks returns the retained scheduler pass history, oldest first
func (dc *DiagnosticsController) RecentTicks(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(dc.Worker.Diagnostics.History()))
}

// StreamTicks upgrades to a websocket, replays the retained history and
// then pushes each scheduler pass as it completes.
func (dc *DiagnosticsController) StreamTicks() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		updates, cancel := dc.Worker.Diagnostics.Subscribe()
		defer cancel()

		for _, past := range dc.Worker.Diagnostics.History() {
			if err := conn.WriteJSON(past); err != nil {
				return
			}
		}

		// Reader goroutine: we never expect client messages, but reading
		// is how close frames are noticed
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case result := <-updates:
				if err := conn.WriteJSON(result); err != nil {
					dc.Logger.WithError(err).Debug("Diagnostics stream write failed")
					return
				}
			}
		}
	})
}
