package extraction

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// ErrUnsupportedContent means a provider cannot read this kind of file.
// The extractor moves on to the next provider without retrying.
var ErrUnsupportedContent = errors.New("unsupported content")

// ProviderLocal is the name of the in-process provider.
const ProviderLocal = "local"

// CommandRunner runs an external program with stdin and returns stdout.
type CommandRunner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// LocalProvider reads plain text and PDF text layers directly and runs
// images through the tesseract binary.
type LocalProvider struct {
	tesseract string
	languages []string
	run       CommandRunner
}

// NewLocalProvider creates the local provider. An empty tesseract path
// disables image OCR.
func NewLocalProvider(tesseract string, languages []string, run CommandRunner) *LocalProvider {
	if run == nil {
		run = runCommand
	}
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &LocalProvider{tesseract: tesseract, languages: languages, run: run}
}

// Name returns the provider name.
func (p *LocalProvider) Name() string { return ProviderLocal }

// Extract returns the document text.
func (p *LocalProvider) Extract(ctx context.Context, data []byte, hints domain.ExtractionHints) (*domain.Extraction, error) {
	switch kind := sniff(data); {
	case kind == mimeText:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrUnsupportedContent)
		}
		return &domain.Extraction{Text: string(data), Confidence: 0.99}, nil

	case kind == mimePDF:
		text := pdfText(data)
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: pdf has no readable text layer", ErrUnsupportedContent)
		}
		return &domain.Extraction{Text: text, Confidence: 0.9}, nil

	case strings.HasPrefix(kind, "image/"):
		return p.ocr(ctx, data, hints)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, kind)
	}
}

func (p *LocalProvider) ocr(ctx context.Context, data []byte, hints domain.ExtractionHints) (*domain.Extraction, error) {
	if p.tesseract == "" {
		return nil, fmt.Errorf("%w: image OCR is not configured", ErrUnsupportedContent)
	}
	langs := p.languages
	if len(hints.Languages) > 0 {
		langs = hints.Languages
	}
	out, err := p.run(ctx, data, p.tesseract, "stdin", "stdout", "-l", strings.Join(langs, "+"), "tsv")
	if err != nil {
		return nil, err
	}
	return parseTesseractTSV(out)
}

// parseTesseractTSV joins recognised words into lines and averages the
// word confidences (0-100 in the TSV).
func parseTesseractTSV(out []byte) (*domain.Extraction, error) {
	var (
		lines   []string
		current []string
		lastKey string
		sum     float64
		words   int
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		key := cols[1] + "." + cols[2] + "." + cols[3] + "." + cols[4]
		if key != lastKey && len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = nil
		}
		lastKey = key
		current = append(current, word)
		sum += conf
		words++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tesseract output: %w", err)
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}
	if words == 0 {
		return nil, errors.New("tesseract recognised no words")
	}
	return &domain.Extraction{
		Text:       strings.Join(lines, "\n"),
		Confidence: sum / float64(words) / 100,
	}, nil
}

var (
	pdfTjRx    = regexp.MustCompile(`\((?:\\.|[^\\)])*\)\s*Tj`)
	pdfTJRx    = regexp.MustCompile(`\[((?:\((?:\\.|[^\\)])*\)|[^\]])*)\]\s*TJ`)
	pdfStrRx   = regexp.MustCompile(`\((?:\\.|[^\\)])*\)`)
	pdfBreakRx = regexp.MustCompile(`\s(?:T\*|Td|TD)\s`)
)

// pdfText pulls literal strings from uncompressed content streams.
// Compressed or image-only PDFs yield no text.
func pdfText(data []byte) string {
	var b strings.Builder
	src := string(data)
	for {
		start := strings.Index(src, "BT")
		if start < 0 {
			break
		}
		end := strings.Index(src[start:], "ET")
		if end < 0 {
			break
		}
		block := src[start : start+end+2]
		src = src[start+end+2:]

		for _, seg := range pdfBreakRx.Split(block, -1) {
			var line strings.Builder
			for _, m := range pdfTjRx.FindAllString(seg, -1) {
				line.WriteString(pdfUnescape(pdfStrRx.FindString(m)))
			}
			for _, m := range pdfTJRx.FindAllStringSubmatch(seg, -1) {
				for _, s := range pdfStrRx.FindAllString(m[1], -1) {
					line.WriteString(pdfUnescape(s))
				}
			}
			if t := strings.TrimSpace(line.String()); t != "" {
				b.WriteString(t)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func pdfUnescape(s string) string {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	r := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "", `\t`, " ")
	return r.Replace(s)
}
