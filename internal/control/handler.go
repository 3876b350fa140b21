// Package control executes station commands received over MQTT.
//
// Commands arrive as JSON on the control topic:
//
//	{"command": "start_capture", "request_id": "r-1",
//	 "params": {"workflow_id": "caps", "capture_task_id": "t1", "count": 3, "interval_ms": 1000}}
//
// Every command is answered on the response topic with the same command and
// request ID.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-defect-station/internal/capture"
)

// Command is a control plane command.
type Command struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response answers one command.
type Response struct {
	CommandAck string    `json:"command_ack"`
	RequestID  string    `json:"request_id,omitempty"`
	Status     string    `json:"status"` // success, error
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StartCaptureParams are the params of start_capture.
type StartCaptureParams struct {
	WorkflowID    string `json:"workflow_id"`
	CaptureTaskID string `json:"capture_task_id"`
	Prefix        string `json:"prefix,omitempty"`
	OutputPath    string `json:"output_path,omitempty"`
	ImageSource   string `json:"image_source,omitempty"`
	Count         int    `json:"count"`
	IntervalMS    int    `json:"interval_ms"`
}

// HandleParams select a capture task by handle ID.
type HandleParams struct {
	HandleID string `json:"handle_id"`
}

// Station is what commands act on; *orchestrator.Orchestrator implements it.
type Station interface {
	Capture(workflowID string, params capture.TaskParams) (*capture.TaskHandle, error)
	Task(handleID string) (*capture.TaskHandle, bool)
	Tasks() []capture.TaskSummary
	Workflows() []string
	Reconcile(ctx context.Context) error
}

// StatusFunc returns the station status document for get_status.
type StatusFunc func(ctx context.Context) any

// Config selects the control topics.
type Config struct {
	Topic         string
	ResponseTopic string
	QoS           byte
}

// Handler subscribes to the control topic and executes commands one at a
// time.
type Handler struct {
	cfg      Config
	client   mqtt.Client
	station  Station
	status   StatusFunc
	commands chan Command
}

// NewHandler returns a handler; status may be nil.
func NewHandler(client mqtt.Client, cfg Config, station Station, status StatusFunc) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		station:  station,
		status:   status,
		commands: make(chan Command, 10),
	}
}

// Run subscribes and processes commands until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	slog.Info("control: subscribing to control plane", "topic", h.cfg.Topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(h.cfg.Topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}
	defer func() {
		if h.client.IsConnected() {
			h.client.Unsubscribe(h.cfg.Topic).WaitTimeout(2 * time.Second)
		}
		slog.Info("control: handler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control: command received", "command", cmd.Command, "request_id", cmd.RequestID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{CommandAck: cmd.Command, RequestID: cmd.RequestID, Status: "error", Error: "busy"})
	}
}

func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, RequestID: cmd.RequestID, Status: "success"}

	data, err := h.execute(ctx, cmd)
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Data = data
	return resp
}

func (h *Handler) execute(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Command {
	case "get_status":
		status := map[string]any{"workflows": h.station.Workflows()}
		if h.status != nil {
			status["health"] = h.status(ctx)
		}
		return status, nil

	case "start_capture":
		var p StartCaptureParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		handle, err := h.station.Capture(p.WorkflowID, capture.TaskParams{
			TaskID:      p.CaptureTaskID,
			Prefix:      p.Prefix,
			OutputPath:  p.OutputPath,
			ImageSource: p.ImageSource,
			Count:       p.Count,
			Interval:    time.Duration(p.IntervalMS) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return handle.Summary(), nil

	case "get_capture", "cancel_capture":
		var p HandleParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		handle, ok := h.station.Task(p.HandleID)
		if !ok {
			return nil, fmt.Errorf("unknown capture handle %q", p.HandleID)
		}
		if cmd.Command == "cancel_capture" {
			handle.Cancel()
		}
		return handle.Summary(), nil

	case "list_captures":
		return h.station.Tasks(), nil

	case "sync_shadow":
		if err := h.station.Reconcile(ctx); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.ResponseTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}
	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
