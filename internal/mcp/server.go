// Package mcp exposes the review engine to agent clients over the Model
// Context Protocol. Tools are read-only apart from audit export: saving a
// review always goes through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/audit"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/service"
)

// ServerName and ServerVersion identify the tool server to clients.
const (
	ServerName    = "dental-scribe-tools"
	ServerVersion = "v1.0.0"
)

// ToolServer is an MCP server over the submission store and the findings
// classifier.
type ToolServer struct {
	mcpServer   *mcp.Server
	classifier  *service.FindingsClassifier
	submissions domain.SubmissionRepository
	palette     domain.Palette
	audit       audit.Store
	exportDir   string
	logger      *logrus.Logger
}

// ToolServerOption is a functional option for ToolServer.
type ToolServerOption func(*ToolServer)

// WithAuditStore enables the audit tools. Exports are written to exportDir.
func WithAuditStore(store audit.Store, exportDir string) ToolServerOption {
	return func(s *ToolServer) {
		s.audit = store
		s.exportDir = exportDir
	}
}

// WithPalette overrides the severity palette reported by list_palettes.
func WithPalette(p domain.Palette) ToolServerOption {
	return func(s *ToolServer) { s.palette = p }
}

// NewToolServer creates the MCP server and registers every tool.
func NewToolServer(
	classifier *service.FindingsClassifier,
	submissions domain.SubmissionRepository,
	logger *logrus.Logger,
	opts ...ToolServerOption,
) *ToolServer {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	s := &ToolServer{
		classifier:  classifier,
		submissions: submissions,
		palette:     domain.SeverityPalette(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: ServerVersion}, nil)
	s.registerTools()
	return s
}

func (s *ToolServer) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "parse_findings",
		Description: "Split clinician notes into general findings and treatment recommendations.",
	}, s.handleParseFindings)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_submission",
		Description: "Fetch a submission with its review status, notes and artifact links.",
	}, s.handleGetSubmission)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_submissions",
		Description: "List submissions, optionally filtered by status or patient.",
	}, s.handleListSubmissions)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_palettes",
		Description: "List the annotation severity colours and the condition colours.",
	}, s.handleListPalettes)

	count := 4
	if s.audit != nil {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "list_review_audit",
			Description: "List review save attempts for a submission, newest first.",
		}, s.handleListAudit)

		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "export_review_audit",
			Description: "Export the whole review audit trail to a JSON file.",
		}, s.handleExportAudit)
		count += 2
	}

	s.logger.WithField("tool_count", count).Info("Registered MCP tools")
}

// Run serves MCP over stdio until ctx is done or the client disconnects.
func (s *ToolServer) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP tool server on stdio")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// ParseFindingsParams defines parameters for parse_findings
type ParseFindingsParams struct {
	Notes string `json:"notes" jsonschema:"clinician notes, one finding per line"`
}

// SubmissionParams defines parameters for get_submission and list_review_audit
type SubmissionParams struct {
	SubmissionID string `json:"submission_id" jsonschema:"submission identifier"`
	Limit        int    `json:"limit,omitempty" jsonschema:"maximum entries to return"`
}

// ListSubmissionsParams defines parameters for list_submissions
type ListSubmissionsParams struct {
	Status    string `json:"status,omitempty" jsonschema:"pending or reviewed"`
	PatientID string `json:"patient_id,omitempty" jsonschema:"patient record identifier"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum submissions to return"`
}

// ExportAuditParams defines parameters for export_review_audit
type ExportAuditParams struct {
	Filename string `json:"filename,omitempty" jsonschema:"file name inside the export directory"`
}

// PalettesResult is returned by list_palettes
type PalettesResult struct {
	Severity   domain.Palette `json:"severity"`
	Conditions domain.Palette `json:"conditions"`
}

func (s *ToolServer) handleParseFindings(ctx context.Context, req *mcp.CallToolRequest, params ParseFindingsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "parse_findings").Debug("Tool invoked")

	findings := s.classifier.Classify(params.Notes)
	summary := fmt.Sprintf("%d recommendation(s), %d general finding(s)", len(findings.Recommendations), len(findings.General))
	return jsonResult(summary, findings), nil, nil
}

func (s *ToolServer) handleGetSubmission(ctx context.Context, req *mcp.CallToolRequest, params SubmissionParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "get_submission").Debug("Tool invoked")

	if params.SubmissionID == "" {
		return errorResult("Missing required parameter", fmt.Errorf("submission_id is required")), nil, nil
	}
	sub, err := s.submissions.Get(ctx, params.SubmissionID)
	if err != nil {
		return errorResult("Submission lookup failed", err), nil, nil
	}
	return jsonResult(fmt.Sprintf("Submission %s is %s", sub.ID, sub.Status), sub), nil, nil
}

func (s *ToolServer) handleListSubmissions(ctx context.Context, req *mcp.CallToolRequest, params ListSubmissionsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "list_submissions").Debug("Tool invoked")

	filter := domain.SubmissionFilter{PatientID: params.PatientID, Limit: params.Limit}
	if params.Status != "" {
		status, err := domain.ParseStatus(params.Status)
		if err != nil {
			return errorResult("Invalid status", err), nil, nil
		}
		filter.Status = status
	}
	subs, err := s.submissions.List(ctx, filter)
	if err != nil {
		return errorResult("Listing submissions failed", err), nil, nil
	}
	return jsonResult(fmt.Sprintf("%d submission(s)", len(subs)), subs), nil, nil
}

func (s *ToolServer) handleListPalettes(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	result := PalettesResult{
		Severity:   s.palette,
		Conditions: s.classifier.Table().Palette(),
	}
	return jsonResult("Severity and condition palettes", result), nil, nil
}

func (s *ToolServer) handleListAudit(ctx context.Context, req *mcp.CallToolRequest, params SubmissionParams) (*mcp.CallToolResult, any, error) {
	if params.SubmissionID == "" {
		return errorResult("Missing required parameter", fmt.Errorf("submission_id is required")), nil, nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	entries, err := s.audit.List(ctx, params.SubmissionID, limit, 0)
	if err != nil {
		return errorResult("Audit lookup failed", err), nil, nil
	}
	return jsonResult(fmt.Sprintf("%d audit entr(ies) for %s", len(entries), params.SubmissionID), entries), nil, nil
}

func (s *ToolServer) handleExportAudit(ctx context.Context, req *mcp.CallToolRequest, params ExportAuditParams) (*mcp.CallToolResult, any, error) {
	name := params.Filename
	if name == "" {
		name = fmt.Sprintf("review-audit-%s.json", time.Now().UTC().Format("20060102-150405"))
	}
	// Exports never escape the export directory.
	name = filepath.Base(name)
	path := filepath.Join(s.exportDir, name)

	if err := os.MkdirAll(s.exportDir, 0755); err != nil {
		return errorResult("Export failed", err), nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errorResult("Export failed", err), nil, nil
	}
	defer f.Close()

	if err := s.audit.ExportJSON(ctx, f); err != nil {
		return errorResult("Export failed", err), nil, nil
	}

	s.logger.WithField("path", path).Info("Review audit exported")
	return jsonResult("Audit trail exported to "+path, map[string]string{"path": path}), nil, nil
}

// jsonResult renders v as indented JSON after a one-line summary.
func jsonResult(summary string, v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("Failed to encode result", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary + "\n" + string(data)},
		},
	}
}

// errorResult creates a standardized error result for tool calls
func errorResult(message string, err error) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s", message)
	if err != nil {
		errorText += fmt.Sprintf(" - %v", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorText},
		},
		IsError: true,
	}
}
