package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cwsl/pimtector/dsp"
)

// MCPServer exposes receiver control as Model Context Protocol tools
type MCPServer struct {
	receiver   *Receiver
	streamer   *Streamer
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(receiver *Receiver, streamer *Streamer) *MCPServer {
	m := &MCPServer{
		receiver: receiver,
		streamer: streamer,
	}

	m.mcpServer = server.NewMCPServer(
		"PIMtector",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	m.registerTools()
	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)

	return m
}

func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_receiver_status",
			mcp.WithDescription("Get the receiver state, the current processing settings, the stream buffer status and a summary of the latest averaged trace."),
		),
		m.handleGetReceiverStatus,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_latest_peak",
			mcp.WithDescription("Get the strongest point of the latest averaged trace. A peak well above the mean power suggests an intermodulation product in the observed band."),
			mcp.WithString("format",
				mcp.Description("Output format: 'json' for structured data or 'text' for human-readable summary"),
				mcp.DefaultString("json"),
			),
		),
		m.handleGetLatestPeak,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("set_frequency",
			mcp.WithDescription("Tune the receiver center frequency."),
			mcp.WithNumber("frequency",
				mcp.Description("Center frequency in Hz"),
				mcp.Required(),
			),
		),
		m.handleSetFrequency,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("set_span",
			mcp.WithDescription("Set the displayed span. The span is snapped to the nearest sample rate divided by a supported decimation factor; the applied span is returned."),
			mcp.WithNumber("span",
				mcp.Description("Requested span in Hz"),
				mcp.Required(),
			),
		),
		m.handleSetSpan,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("set_averages",
			mcp.WithDescription("Set how many consecutive traces are averaged."),
			mcp.WithNumber("averages",
				mcp.Description("Number of traces in the moving average (at least 1)"),
				mcp.Required(),
			),
		),
		m.handleSetAverages,
	)
}

// HandleMCP handles MCP protocol requests over HTTP
func (m *MCPServer) HandleMCP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleGetReceiverStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, lastErr := m.receiver.State()
	status := struct {
		State    string        `json:"state"`
		Error    string        `json:"error,omitempty"`
		Settings dsp.Settings  `json:"settings"`
		Span     float64       `json:"span"`
		Points   int           `json:"points"`
		Stream   StreamStatus  `json:"stream"`
		Latest   *TraceSummary `json:"latest,omitempty"`
	}{
		State:    state.String(),
		Settings: m.receiver.Settings(),
		Span:     m.receiver.Span(),
		Points:   m.receiver.Points(),
		Stream:   m.streamer.Status(),
	}
	if lastErr != nil {
		status.Error = lastErr.Error()
	}
	if t, ok := m.receiver.Latest(); ok {
		sum := SummarizeTrace(t)
		status.Latest = &sum
	}
	return jsonResult(status)
}

func (m *MCPServer) handleGetLatestPeak(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")

	t, ok := m.receiver.Latest()
	if !ok || len(t) == 0 {
		return mcp.NewToolResultError("No trace available yet; start acquisition first"), nil
	}
	sum := SummarizeTrace(t)

	if format == "text" {
		text := fmt.Sprintf("Peak: %.6f MHz at %.1f dB\n"+
			"Mean power: %.1f dB (peak is %.1f dB above mean)\n"+
			"Span: %.6f - %.6f MHz, %d points",
			sum.PeakMHz, sum.PeakDb, sum.MeanDb, sum.PeakDb-sum.MeanDb,
			sum.StartMHz, sum.StopMHz, sum.Points)
		return mcp.NewToolResultText(text), nil
	}
	return jsonResult(sum)
}

func (m *MCPServer) handleSetFrequency(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hz := request.GetFloat("frequency", 0)
	if hz <= 0 {
		return mcp.NewToolResultError("frequency must be a positive number of Hz"), nil
	}
	if err := m.receiver.SetFrequency(int(hz)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m.streamer.ResetBuffer()
	return mcp.NewToolResultText(fmt.Sprintf("Center frequency set to %d Hz", int(hz))), nil
}

func (m *MCPServer) handleSetSpan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hz := request.GetFloat("span", 0)
	span, err := m.receiver.SetSpan(hz)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m.streamer.ResetBuffer()
	return mcp.NewToolResultText(fmt.Sprintf("Span set to %.0f Hz (decimation %d)", span, m.receiver.Settings().Decimate)), nil
}

func (m *MCPServer) handleSetAverages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := request.RequireFloat("averages")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n := int(v)
	st, err := m.receiver.UpdateSettings(func(s *dsp.Settings) { s.Averages = n })
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m.streamer.ResetBuffer()
	return mcp.NewToolResultText(fmt.Sprintf("Averaging %d traces", st.Averages)), nil
}
