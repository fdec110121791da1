// AngelaMos | 2026
// dto.go

package entitlement

import (
	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

// IdempotencyKeyHeader lets a client retry a usage report without counting
// the document twice.
const IdempotencyKeyHeader = "Idempotency-Key"

type RecordUsageRequest struct {
	DocumentType string `json:"document_type" validate:"required,max=64"`
	Subject      string `json:"subject"       validate:"omitempty,max=128"`
	Grade        string `json:"grade"         validate:"omitempty,max=32"`
	Language     string `json:"language"      validate:"omitempty,max=32"`
}

func (r RecordUsageRequest) Metadata() store.Metadata {
	m := store.Metadata{}
	if r.Subject != "" {
		m["subject"] = r.Subject
	}
	if r.Grade != "" {
		m["grade"] = r.Grade
	}
	if r.Language != "" {
		m["language"] = r.Language
	}
	return m
}

type StatusResponse struct {
	*Status
	CanGenerate bool `json:"can_generate"`
}

type RebuildUsageResponse struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}
