package extraction

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/claimflow/internal/domain"
)

const (
	mimeText = "text/plain"
	mimePDF  = "application/pdf"
	mimePNG  = "image/png"
	mimeJPEG = "image/jpeg"
	mimeWebP = "image/webp"
)

// sniff returns the base media type of data.
func sniff(data []byte) string {
	t, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return t
}

var allowedTypes = map[domain.DocumentKind][]string{
	domain.DocInvoice:          {mimePDF, mimePNG, mimeJPEG, mimeText},
	domain.DocMedicalReport:    {mimePDF, mimePNG, mimeJPEG, mimeText},
	domain.DocPoliceReport:     {mimePDF, mimePNG, mimeJPEG, mimeText},
	domain.DocInspectionReport: {mimePDF, mimePNG, mimeJPEG, mimeWebP, mimeText},
	domain.DocIdentity:         {mimePDF, mimePNG, mimeJPEG},
	domain.DocOther:            {mimePDF, mimePNG, mimeJPEG, mimeWebP, mimeText},
}

var extensionTypes = map[string]string{
	".pdf":  mimePDF,
	".png":  mimePNG,
	".jpg":  mimeJPEG,
	".jpeg": mimeJPEG,
	".webp": mimeWebP,
	".txt":  mimeText,
}

// File is an uploaded document before it is stored.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// ValidateDocument runs the pre-flight checks on a file expected to be of
// kind. maxBytes <= 0 disables the size check. The error wraps
// domain.ErrInvalidInput and lists every problem found.
func ValidateDocument(f File, kind domain.DocumentKind, maxBytes int64) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown document kind %q", domain.ErrInvalidInput, kind)
	}
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: file is empty", domain.ErrInvalidInput)
	}

	var issues []string
	if maxBytes > 0 && int64(len(f.Data)) > maxBytes {
		issues = append(issues, fmt.Sprintf("file is %d bytes, limit is %d", len(f.Data), maxBytes))
	}

	sniffed := sniff(f.Data)
	if !contains(allowedTypes[kind], sniffed) {
		issues = append(issues, fmt.Sprintf("content type %s is not accepted for %s", sniffed, kind))
	}

	if f.ContentType != "" {
		declared, _, err := mime.ParseMediaType(f.ContentType)
		switch {
		case err != nil:
			issues = append(issues, fmt.Sprintf("malformed content type %q", f.ContentType))
		case declared != sniffed && !(declared == "application/octet-stream"):
			issues = append(issues, fmt.Sprintf("declared content type %s does not match content %s", declared, sniffed))
		}
	}

	if ext := strings.ToLower(filepath.Ext(f.Name)); ext != "" {
		want, known := extensionTypes[ext]
		switch {
		case !known:
			issues = append(issues, fmt.Sprintf("file extension %s is not accepted", ext))
		case want != sniffed:
			issues = append(issues, fmt.Sprintf("file extension %s does not match content %s", ext, sniffed))
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(issues, "; "))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
