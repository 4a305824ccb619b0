package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"hostaudit/core"
	"hostaudit/detect"
	"hostaudit/metrics"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// defaultFactsSchema is used when no schema file is configured.
const defaultFactsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["facts"],
	"properties": {
		"collector": {"type": "string"},
		"collected_at": {"type": "string"},
		"hostname": {"type": "string"},
		"host": {
			"type": "object",
			"properties": {"hostname": {"type": "string"}}
		},
		"facts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"enum": ["bool", "int", "string"]},
					"value": {"type": ["boolean", "number", "string", "null"]}
				}
			}
		}
	}
}`

// SchemaError lists why a document failed schema validation.
type SchemaError struct {
	Details []string
}

func (e *SchemaError) Error() string {
	return "schema_invalid: " + strings.Join(e.Details, "; ")
}

// FactsValidator checks facts documents against a JSON schema.
type FactsValidator struct {
	schema *gojsonschema.Schema
}

// NewFactsValidator loads the schema at path, or the built-in one when path is empty.
func NewFactsValidator(path string) (*FactsValidator, error) {
	source := defaultFactsSchema
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read facts schema %s: %w", path, err)
		}
		source = string(data)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to compile facts schema: %w", err)
	}
	return &FactsValidator{schema: schema}, nil
}

// Validate returns a *SchemaError when data does not conform.
func (v *FactsValidator) Validate(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate facts document: %w", err)
	}
	if result.Valid() {
		return nil
	}
	se := &SchemaError{}
	for _, desc := range result.Errors() {
		se.Details = append(se.Details, desc.String())
	}
	return se
}

// RuleSource supplies the active rule set, reloaded per call.
type RuleSource interface {
	Load() ([]core.Rule, error)
}

// AuditStore replaces the stored outcomes of one host.
type AuditStore interface {
	ReplaceOutcomes(ctx context.Context, source, host string, outcomes []core.AuditOutcome, replaceAll bool) (int, error)
}

// IngestResult reports what one facts document produced.
type IngestResult struct {
	Host     string `json:"host"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
}

// FactsIngestor evaluates facts documents and stores the outcomes.
type FactsIngestor struct {
	rules     RuleSource
	evaluator *detect.FactEvaluator
	store     AuditStore
	validator *FactsValidator
	logger    *zap.SugaredLogger
}

// NewFactsIngestor creates an ingestor. validator may be nil to skip schema checks.
func NewFactsIngestor(rules RuleSource, evaluator *detect.FactEvaluator, store AuditStore,
	validator *FactsValidator, logger *zap.SugaredLogger) *FactsIngestor {
	return &FactsIngestor{
		rules:     rules,
		evaluator: evaluator,
		store:     store,
		validator: validator,
		logger:    logger,
	}
}

// Decode validates raw JSON against the schema and decodes it.
func (fi *FactsIngestor) Decode(data []byte) (*core.FactsDocument, error) {
	if fi.validator != nil {
		if err := fi.validator.Validate(data); err != nil {
			return nil, err
		}
	}
	var doc core.FactsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode facts document: %w", err)
	}
	return &doc, nil
}

// Ingest evaluates doc against the current rules and stores the outcomes as
// live rows. With replacePrevious every prior live row of the host is
// retired first; a document without a hostname never retires anything.
func (fi *FactsIngestor) Ingest(ctx context.Context, doc *core.FactsDocument, replacePrevious bool) (*IngestResult, error) {
	rules, err := fi.rules.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	outcomes, skipped := fi.evaluator.EvaluateDocument(doc, rules, core.SourceLive)
	host := doc.HostName()

	inserted, err := fi.store.ReplaceOutcomes(ctx, core.SourceLive, host, outcomes, replacePrevious && host != "")
	if err != nil {
		return nil, fmt.Errorf("failed to store outcomes: %w", err)
	}

	collector := doc.Collector
	if collector == "" {
		collector = "unknown"
	}
	metrics.FactsIngested.WithLabelValues(collector).Inc()

	fi.logger.Infow("Facts document ingested",
		"collector", collector,
		"host", host,
		"rules", len(rules),
		"inserted", inserted,
		"skipped", skipped)

	return &IngestResult{Host: host, Inserted: inserted, Skipped: skipped}, nil
}
