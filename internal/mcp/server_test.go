package mcp

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dental-scribe-server/internal/audit"
	"github.com/dental-scribe-server/internal/domain"
	"github.com/dental-scribe-server/internal/service"
	"github.com/dental-scribe-server/internal/store"
)

type fixture struct {
	server    *ToolServer
	store     *store.SQLiteStore
	audit     *audit.SQLiteStore
	exportDir string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	submissions, err := store.NewSQLiteStore(filepath.Join(dir, "submissions.db"), logger)
	require.NoError(t, err)
	auditStore, err := audit.NewSQLiteStore(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		submissions.Close()
		auditStore.Close()
	})

	exportDir := filepath.Join(dir, "exports")
	srv := NewToolServer(
		service.NewFindingsClassifier(domain.DefaultConditionTable()),
		submissions,
		logger,
		WithAuditStore(auditStore, exportDir),
	)
	return &fixture{server: srv, store: submissions, audit: auditStore, exportDir: exportDir}
}

func (f *fixture) seed(t *testing.T, id, patient string) *domain.Submission {
	t.Helper()
	sub := &domain.Submission{
		ID:               id,
		Patient:          domain.Patient{ID: patient, Name: "Test Patient"},
		OriginalImageURL: "https://images.example.com/" + id + ".png",
		Status:           domain.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, f.store.Create(context.Background(), sub))
	return sub
}

// resultText returns the text content and the JSON body after the summary line.
func resultText(t *testing.T, result *mcp.CallToolResult) (string, string) {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	summary, body, _ := strings.Cut(text.Text, "\n")
	return summary, body
}

func TestParseFindings(t *testing.T) {
	f := setup(t)

	result, _, err := f.server.handleParseFindings(context.Background(), nil, ParseFindingsParams{
		Notes: "Gums inflamed\nPatient brushes twice daily\ncavity on lower molar",
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	summary, body := resultText(t, result)
	assert.Equal(t, "2 recommendation(s), 1 general finding(s)", summary)

	var findings domain.Findings
	require.NoError(t, json.Unmarshal([]byte(body), &findings))
	assert.Equal(t, []string{"Patient brushes twice daily"}, findings.General)
	require.Len(t, findings.Recommendations, 2)
	assert.Equal(t, "Inflamed or Red gums", findings.Recommendations[0].Condition)
	assert.Equal(t, "Cavity / Decay", findings.Recommendations[1].Condition)
}

func TestGetSubmission(t *testing.T) {
	f := setup(t)
	f.seed(t, "sub-1", "patient-1")

	t.Run("found", func(t *testing.T) {
		result, _, err := f.server.handleGetSubmission(context.Background(), nil, SubmissionParams{SubmissionID: "sub-1"})
		require.NoError(t, err)
		assert.False(t, result.IsError)

		summary, body := resultText(t, result)
		assert.Equal(t, "Submission sub-1 is pending", summary)
		var sub domain.Submission
		require.NoError(t, json.Unmarshal([]byte(body), &sub))
		assert.Equal(t, "patient-1", sub.Patient.ID)
	})

	t.Run("missing id", func(t *testing.T) {
		result, _, err := f.server.handleGetSubmission(context.Background(), nil, SubmissionParams{})
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("unknown", func(t *testing.T) {
		result, _, err := f.server.handleGetSubmission(context.Background(), nil, SubmissionParams{SubmissionID: "nope"})
		require.NoError(t, err)
		assert.True(t, result.IsError)
		summary, _ := resultText(t, result)
		assert.Contains(t, summary, "not found")
	})
}

func TestListSubmissions(t *testing.T) {
	f := setup(t)
	f.seed(t, "sub-1", "patient-1")
	f.seed(t, "sub-2", "patient-2")
	f.seed(t, "sub-3", "patient-1")

	result, _, err := f.server.handleListSubmissions(context.Background(), nil, ListSubmissionsParams{PatientID: "patient-1"})
	require.NoError(t, err)
	summary, body := resultText(t, result)
	assert.Equal(t, "2 submission(s)", summary)

	var subs []*domain.Submission
	require.NoError(t, json.Unmarshal([]byte(body), &subs))
	for _, sub := range subs {
		assert.Equal(t, "patient-1", sub.Patient.ID)
	}

	result, _, err = f.server.handleListSubmissions(context.Background(), nil, ListSubmissionsParams{Status: "reviewed"})
	require.NoError(t, err)
	summary, _ = resultText(t, result)
	assert.Equal(t, "0 submission(s)", summary)

	result, _, err = f.server.handleListSubmissions(context.Background(), nil, ListSubmissionsParams{Status: "archived"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListPalettes(t *testing.T) {
	f := setup(t)

	result, _, err := f.server.handleListPalettes(context.Background(), nil, struct{}{})
	require.NoError(t, err)
	_, body := resultText(t, result)

	var palettes PalettesResult
	require.NoError(t, json.Unmarshal([]byte(body), &palettes))
	assert.Len(t, palettes.Severity, 3)
	assert.Equal(t, domain.ColourUrgent, palettes.Severity[0].Colour)
	assert.Len(t, palettes.Conditions, domain.DefaultConditionTable().Len())
}

func TestAuditTools(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.audit.Record(ctx, &audit.Entry{
		SubmissionID: "sub-1", Action: audit.ActionReviewSaved, Actor: "dr.lee", CreatedAt: now,
	}))
	require.NoError(t, f.audit.Record(ctx, &audit.Entry{
		SubmissionID: "sub-1", Action: audit.ActionReviewRejected, CreatedAt: now.Add(time.Second),
	}))

	t.Run("list", func(t *testing.T) {
		result, _, err := f.server.handleListAudit(ctx, nil, SubmissionParams{SubmissionID: "sub-1"})
		require.NoError(t, err)
		_, body := resultText(t, result)

		var entries []*audit.Entry
		require.NoError(t, json.Unmarshal([]byte(body), &entries))
		require.Len(t, entries, 2)
		assert.Equal(t, audit.ActionReviewRejected, entries[0].Action)
	})

	t.Run("export stays in export dir", func(t *testing.T) {
		result, _, err := f.server.handleExportAudit(ctx, nil, ExportAuditParams{Filename: "../../escape.json"})
		require.NoError(t, err)
		require.False(t, result.IsError)

		data, err := os.ReadFile(filepath.Join(f.exportDir, "escape.json"))
		require.NoError(t, err)
		var export audit.Export
		require.NoError(t, json.Unmarshal(data, &export))
		assert.Equal(t, 2, export.Count)
	})
}

func TestNewToolServerWithoutAudit(t *testing.T) {
	srv := NewToolServer(service.NewFindingsClassifier(domain.DefaultConditionTable()), nil, nil)
	require.NotNil(t, srv.mcpServer)
	assert.Nil(t, srv.audit)
}
