package services

import (
	"context"
	"encoding/json"

	"flowspec/backend/pkg/models"

	"github.com/mitchellh/mapstructure"
)

// validateEvidence checks an attachment payload against its declared type
// and against the task's evidence schema. It returns the normalized data.
func validateEvidence(ctx context.Context, task *models.Task, evType string, data map[string]any) (map[string]any, error) {
	if evType == "" {
		return nil, newError(CodeValidationError, "evidence type is required")
	}
	if data == nil {
		return nil, newError(CodeValidationError, "evidence data is required")
	}

	// Round-trip through JSON so numbers and nested values have the shapes
	// the schema validator and storage expect.
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, newError(CodeValidationError, "evidence data is not JSON-encodable: %v", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, newError(CodeValidationError, "evidence data is not a JSON object: %v", err)
	}

	switch evType {
	case models.EvidenceTypeFile:
		var ref models.FileReference
		if err := decodeEvidence(normalized, &ref); err != nil {
			return nil, newError(CodeValidationError, "invalid file reference: %v", err)
		}
		if ref.StorageKey == "" || ref.FileName == "" {
			return nil, newError(CodeValidationError, "file evidence needs storage_key and file_name")
		}
	case models.EvidenceTypeText:
		var note models.TextNote
		if err := decodeEvidence(normalized, &note); err != nil {
			return nil, newError(CodeValidationError, "invalid text note: %v", err)
		}
		if note.Text == "" {
			return nil, newError(CodeValidationError, "text evidence needs text")
		}
	}

	if len(task.EvidenceSchema) > 0 {
		schema, err := parseEvidenceSchema(ctx, task.EvidenceSchema)
		if err != nil {
			return nil, err
		}
		if err := schema.VisitJSON(normalized); err != nil {
			return nil, newError(CodeValidationError, "evidence does not match the task schema").
				WithDetail("reason", err.Error())
		}
	}
	return normalized, nil
}

func decodeEvidence(in map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}
