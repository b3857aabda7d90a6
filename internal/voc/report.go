package voc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

const reportType = "report.v1"

// BuildReport assembles the per-job report from persisted module outputs
// and evidence counts. It never re-scans raw crawl data: what was persisted
// is what the report shows.
func BuildReport(jobID int64, outputs []*models.VocOutput, evidenceCounts map[string]int) (*models.VocReport, error) {
	byCode := make(map[string]json.RawMessage, len(outputs))
	for _, out := range outputs {
		byCode[out.ModuleCode] = json.RawMessage(out.Payload)
	}

	modules := make(map[string]json.RawMessage, len(byCode))
	var order []string
	for _, code := range models.ModuleOrder {
		if payload, ok := byCode[code]; ok {
			modules[code] = payload
			order = append(order, code)
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"module_order":    order,
		"modules":         modules,
		"evidence_counts": evidenceCounts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal report payload: %w", err)
	}

	return &models.VocReport{
		JobID:      jobID,
		ReportType: reportType,
		Payload:    string(payload),
	}, nil
}

// annotateAI attaches a best-effort LLM summary under meta.ai. A nil
// summarizer or a summarizer error leaves the report untouched apart from
// the error note; enrichment never fails the pipeline.
func annotateAI(ctx context.Context, summarizer interfaces.Summarizer, flowCode, prompt string, logger arbor.ILogger) string {
	if summarizer == nil {
		return ""
	}
	text, modelName, err := summarizer.Summarize(ctx, flowCode, prompt)
	if err != nil {
		logger.Warn().Str("flow", flowCode).Err(err).Msg("AI enrichment skipped")
		return ""
	}

	meta, err := json.Marshal(map[string]string{
		"ai_summary": text,
		"ai_model":   modelName,
	})
	if err != nil {
		return ""
	}
	return string(meta)
}
