package domain

import "time"

// DocumentKind is the expected content of an uploaded document.
type DocumentKind string

const (
	DocInvoice          DocumentKind = "invoice"
	DocMedicalReport    DocumentKind = "medical_report"
	DocPoliceReport     DocumentKind = "police_report"
	DocIdentity         DocumentKind = "identity_document"
	DocInspectionReport DocumentKind = "inspection_report"
	DocOther            DocumentKind = "other"
)

// Valid reports whether k is a known kind.
func (k DocumentKind) Valid() bool {
	switch k {
	case DocInvoice, DocMedicalReport, DocPoliceReport, DocIdentity, DocInspectionReport, DocOther:
		return true
	}
	return false
}

// DocumentStatus is the processing status of a document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// ClaimDocument is a piece of evidence attached to a claim.
type ClaimDocument struct {
	ID          string         `json:"id"`
	ClaimID     string         `json:"claimId"`
	Kind        DocumentKind   `json:"kind"`
	Locator     string         `json:"locator"`
	FileName    string         `json:"fileName"`
	ContentType string         `json:"contentType"`
	Size        int64          `json:"size"`
	Status      DocumentStatus `json:"status"`
	OCR         *OCRResult     `json:"ocr,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Validated reports whether the document was processed and passed validation.
func (d *ClaimDocument) Validated() bool {
	return d.Status == DocumentProcessed && d.OCR != nil && d.OCR.Validation.Valid
}

// ExtractedFields holds structured values parsed from document text.
type ExtractedFields struct {
	Amounts []float64   `json:"amounts"`
	Dates   []time.Time `json:"dates"`
	Names   []string    `json:"names"`
}

// ValidationOutcome is the structural check of extracted content.
type ValidationOutcome struct {
	Valid               bool     `json:"valid"`
	MatchesExpectedType bool     `json:"matchesExpectedType"`
	Issues              []string `json:"issues"`
}

// ProviderAttempt logs one call to an extraction provider.
type ProviderAttempt struct {
	Provider   string `json:"provider"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// OCRResult is the immutable output of one extraction attempt.
// Provider is empty when every provider failed.
type OCRResult struct {
	Provider   string            `json:"provider,omitempty"`
	Text       string            `json:"text"`
	Fields     ExtractedFields   `json:"fields"`
	Confidence float64           `json:"confidence"`
	Validation ValidationOutcome `json:"validation"`
	Attempts   []ProviderAttempt `json:"attempts"`
	CreatedAt  time.Time         `json:"createdAt"`
}
