package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/fitroom/internal/gateway"
	"github.com/joescharf/fitroom/internal/imagecodec"
	"github.com/joescharf/fitroom/internal/outfit"
	"github.com/joescharf/fitroom/internal/studio"
)

// Server exposes a live studio session as MCP tools.
type Server struct {
	studio  *studio.Studio
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(st *studio.Studio, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{studio: st, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("fitroom", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.stateTool())
	srv.AddTool(s.createModelTool())
	srv.AddTool(s.wearTool())
	srv.AddTool(s.poseTool())
	srv.AddTool(s.editTool())
	srv.AddTool(s.backgroundTool())
	srv.AddTool(s.undoTool())
	srv.AddTool(s.redoTool())
	srv.AddTool(s.regenerateTool())
	srv.AddTool(s.resetTool())
	srv.AddTool(s.listWardrobeTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Result helpers
// ---------------------------------------------------------------------------

type layerOut struct {
	Index   int      `json:"index"`
	Garment string   `json:"garment"`
	Poses   []string `json:"poses"`
}

type stateOut struct {
	Phase      string     `json:"phase"`
	Layers     []layerOut `json:"layers"`
	Index      int        `json:"index"`
	Pose       string     `json:"pose"`
	Background string     `json:"background,omitempty"`
	LastAction string     `json:"last_action,omitempty"`
	CanUndo    bool       `json:"can_undo"`
	CanRedo    bool       `json:"can_redo"`
	Creations  int        `json:"creations"`
}

func summarize(st outfit.State) stateOut {
	out := stateOut{
		Phase:      string(st.Phase),
		Layers:     make([]layerOut, len(st.History)),
		Index:      st.Index,
		Pose:       st.PoseLabel,
		Background: st.Background,
		LastAction: st.LastAction,
		CanUndo:    st.CanUndo,
		CanRedo:    st.CanRedo,
		Creations:  len(st.Creations),
	}
	for i, layer := range st.History {
		name := "base model"
		if layer.Garment != nil {
			name = layer.Garment.Name
		}
		poses := make([]string, 0, len(layer.PoseImages))
		for label := range layer.PoseImages {
			poses = append(poses, label)
		}
		sort.Strings(poses)
		out.Layers[i] = layerOut{Index: i, Garment: name, Poses: poses}
	}
	return out
}

// stateResult reports the current state as JSON and, when withImage is set
// and an image exists, attaches the displayed image.
func (s *Server) stateResult(withImage bool) *mcp.CallToolResult {
	st := s.studio.Engine.State()
	data, err := json.Marshal(summarize(st))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal state: %v", err))
	}
	if withImage && st.Image != "" {
		if mime, payload, ok := splitDataURL(st.Image); ok {
			return mcp.NewToolResultImage(string(data), payload, mime)
		}
	}
	return mcp.NewToolResultText(string(data))
}

// splitDataURL returns the MIME type and base64 payload of a data URL.
func splitDataURL(ref string) (string, string, bool) {
	if !imagecodec.IsDataURL(ref) {
		return "", "", false
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}

func errorResult(context string, err error) *mcp.CallToolResult {
	if errors.Is(err, outfit.ErrBusy) {
		return mcp.NewToolResultError("a generation is already in progress; try again when it finishes")
	}
	var genErr *gateway.GenerationError
	var inputErr *imagecodec.InputValidationError
	if errors.As(err, &genErr) || errors.As(err, &inputErr) {
		return mcp.NewToolResultError(gateway.FriendlyMessage(context, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", strings.ToLower(context), err))
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// fitroom_state
func (s *Server) stateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_state",
		mcp.WithDescription("Show the try-on session: outfit layers, active layer, pose, background, and undo/redo availability."),
		mcp.WithBoolean("include_image", mcp.Description("Attach the currently displayed image")),
	)
	return tool, s.handleState
}

func (s *Server) handleState(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.stateResult(request.GetBool("include_image", false)), nil
}

// fitroom_create_model
func (s *Server) createModelTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_create_model",
		mcp.WithDescription("Create the base fashion model from a photo of a person. Starts a new outfit history."),
		mcp.WithString("photo", mcp.Required(), mcp.Description("Path, http(s) URL, or data URL of the photo")),
	)
	return tool, s.handleCreateModel
}

func (s *Server) handleCreateModel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	photo, err := request.RequireString("photo")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: photo"), nil
	}
	if err := s.studio.CreateModel(ctx, photo); err != nil {
		return errorResult("Failed to create model", err), nil
	}
	return s.stateResult(true), nil
}

// fitroom_wear
func (s *Server) wearTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_wear",
		mcp.WithDescription("Dress the model in a garment, either a wardrobe item by id or an uploaded garment image. Adds a layer on top of the current one."),
		mcp.WithString("id", mcp.Description("Wardrobe item id (see fitroom_list_wardrobe)")),
		mcp.WithString("image", mcp.Description("Path, http(s) URL, or data URL of a garment image")),
		mcp.WithString("name", mcp.Description("Display name for an uploaded garment")),
	)
	return tool, s.handleWear
}

func (s *Server) handleWear(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := studio.WearRequest{
		ID:     request.GetString("id", ""),
		Source: request.GetString("image", ""),
		Name:   request.GetString("name", ""),
	}
	if req.ID == "" && req.Source == "" {
		return mcp.NewToolResultError("either id or image is required"), nil
	}
	if _, err := s.studio.Wear(ctx, req); err != nil {
		return errorResult("Failed to apply garment", err), nil
	}
	return s.stateResult(true), nil
}

// fitroom_pose
func (s *Server) poseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_pose",
		mcp.WithDescription("Show the current outfit in another pose. Cached poses switch instantly; new poses are generated."),
		mcp.WithString("pose", mcp.Required(), mcp.Description("Pose index or the start of a pose label, e.g. \"side\"")),
	)
	return tool, s.handlePose
}

func (s *Server) handlePose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("pose")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pose"), nil
	}
	idx, err := s.studio.FindPose(ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%v; available poses: %s", err, strings.Join(s.studio.Engine.Poses(), ", "))), nil
	}
	if err := s.studio.Engine.ChangePose(ctx, idx); err != nil {
		return errorResult("Failed to change pose", err), nil
	}
	return s.stateResult(true), nil
}

// fitroom_edit
func (s *Server) editTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_edit",
		mcp.WithDescription("Apply a free-form edit to the displayed image, e.g. \"add sunglasses\". Adds a layer."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Edit instruction")),
	)
	return tool, s.handleEdit
}

func (s *Server) handleEdit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}
	if err := s.studio.Engine.Edit(ctx, prompt); err != nil {
		return errorResult("Failed to edit image", err), nil
	}
	return s.stateResult(true), nil
}

// fitroom_background
func (s *Server) backgroundTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_background",
		mcp.WithDescription("Replace the background behind the model. Later try-ons and poses keep the new background."),
		mcp.WithString("background", mcp.Required(), mcp.Description("Background description, e.g. \"a sandy beach at golden hour\"")),
	)
	return tool, s.handleBackground
}

func (s *Server) handleBackground(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bg, err := request.RequireString("background")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: background"), nil
	}
	if err := s.studio.Engine.ChangeBackground(ctx, bg); err != nil {
		return errorResult("Failed to change background", err), nil
	}
	return s.stateResult(true), nil
}

// fitroom_undo
func (s *Server) undoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_undo",
		mcp.WithDescription("Step back one outfit layer. Later layers stay available for redo."),
	)
	return tool, s.handleUndo
}

func (s *Server) handleUndo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.studio.Engine.Undo(ctx) {
		return mcp.NewToolResultText("nothing to undo"), nil
	}
	return s.stateResult(false), nil
}

// fitroom_redo
func (s *Server) redoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_redo",
		mcp.WithDescription("Step forward one outfit layer after an undo."),
	)
	return tool, s.handleRedo
}

func (s *Server) handleRedo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.studio.Engine.Redo(ctx) {
		return mcp.NewToolResultText("nothing to redo"), nil
	}
	return s.stateResult(false), nil
}

// fitroom_regenerate
func (s *Server) regenerateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_regenerate",
		mcp.WithDescription("Retry the last try-on, pose, or edit and replace the current layer with the new result."),
	)
	return tool, s.handleRegenerate
}

func (s *Server) handleRegenerate(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.studio.Engine.Regenerate(ctx); err != nil {
		return errorResult("Failed to regenerate", err), nil
	}
	return s.stateResult(true), nil
}

// fitroom_reset
func (s *Server) resetTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_reset",
		mcp.WithDescription("Discard the session and its saved copy. A new model must be created afterwards."),
	)
	return tool, s.handleReset
}

func (s *Server) handleReset(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.studio.Engine.Reset(ctx); err != nil {
		return errorResult("Failed to reset session", err), nil
	}
	return mcp.NewToolResultText("session cleared"), nil
}

// fitroom_list_wardrobe
func (s *Server) listWardrobeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fitroom_list_wardrobe",
		mcp.WithDescription("List wardrobe items that can be worn with fitroom_wear. Returns a JSON array of id and name."),
	)
	return tool, s.handleListWardrobe
}

func (s *Server) handleListWardrobe(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type itemOut struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	wardrobe := s.studio.Engine.State().Wardrobe
	out := make([]itemOut, len(wardrobe))
	for i, item := range wardrobe {
		out[i] = itemOut{ID: item.ID, Name: item.Name}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal wardrobe: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
