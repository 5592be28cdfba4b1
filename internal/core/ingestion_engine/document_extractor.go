package ingestion_engine

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.sajari.com/docconv"
	"github.com/dslipak/pdf"
	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/logger"
)

var _ core.DocumentExtractor = (*Extractor)(nil)

// FileType is one of the formats the extractor understands.
type FileType string

const (
	FilePDF  FileType = "pdf"
	FileDOCX FileType = "docx"
	FileTXT  FileType = "txt"
)

var declaredTypes = map[string]FileType{
	"application/pdf": FilePDF,
	"pdf":             FilePDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FileDOCX,
	"docx":       FileDOCX,
	"text/plain": FileTXT,
	"txt":        FileTXT,
	"text":       FileTXT,
}

// DetectFileType resolves the declared type (MIME or bare extension) and
// falls back to the file extension when nothing useful was declared.
func DetectFileType(declared, path string) (FileType, error) {
	d := strings.ToLower(strings.TrimSpace(declared))
	if mt, _, err := mime.ParseMediaType(d); err == nil {
		d = mt
	}
	d = strings.TrimPrefix(d, ".")
	if ft, ok := declaredTypes[d]; ok {
		return ft, nil
	}
	if d != "" && d != "application/octet-stream" {
		return "", fmt.Errorf("%w: %q", core.ErrUnsupportedType, declared)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ft, ok := declaredTypes[ext]; ok {
		return ft, nil
	}
	return "", fmt.Errorf("%w: %q", core.ErrUnsupportedType, filepath.Base(path))
}

// ExtractorConfig tunes extraction.
//
// LargePDFBytes:     PDFs above this size are read in page batches.
// PDFPageBatch:      pages per batch for large PDFs.
// PageBatchPause:    yield between page batches so other pipelines get CPU.
// MinPrintableRatio: DOCX HTML text below this printable-ASCII share falls back to raw extraction.
type ExtractorConfig struct {
	LargePDFBytes     int64
	PDFPageBatch      int
	PageBatchPause    time.Duration
	MinPrintableRatio float64
}

func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		LargePDFBytes:     2 * 1024 * 1024,
		PDFPageBatch:      10,
		PageBatchPause:    50 * time.Millisecond,
		MinPrintableRatio: 0.7,
	}
}

// Extractor implements core.DocumentExtractor for PDF, DOCX and TXT files.
type Extractor struct {
	cfg   ExtractorConfig
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error

	docxHTML func(path string) (string, error)
	docxRaw  func(path string) (string, error)
}

func NewExtractor(cfg ExtractorConfig, log *zap.Logger) *Extractor {
	def := DefaultExtractorConfig()
	if cfg.LargePDFBytes <= 0 {
		cfg.LargePDFBytes = def.LargePDFBytes
	}
	if cfg.PDFPageBatch <= 0 {
		cfg.PDFPageBatch = def.PDFPageBatch
	}
	if cfg.MinPrintableRatio <= 0 {
		cfg.MinPrintableRatio = def.MinPrintableRatio
	}
	return &Extractor{
		cfg:      cfg,
		log:      logger.OrNop(log),
		sleep:    sleepCtx,
		docxHTML: docxViaHTML,
		docxRaw:  docxViaRaw,
	}
}

// Extract returns the normalized text of the file at path.
func (e *Extractor) Extract(ctx context.Context, path string, declaredType string) (string, error) {
	ft, err := DetectFileType(declaredType, path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch ft {
	case FilePDF:
		return e.extractPDF(ctx, path)
	case FileDOCX:
		text, err := e.extractDOCX(path)
		if err != nil {
			return "", err
		}
		return normalizeLines(text), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &core.ExtractionError{FileType: string(FileTXT), Path: path, Err: err}
		}
		text := strings.TrimPrefix(strings.ToValidUTF8(string(data), ""), "\ufeff")
		return normalizeLines(text), nil
	}
}

// pageBatchFor returns 0 (single pass) for small files and the page batch size otherwise.
func (e *Extractor) pageBatchFor(size int64) int {
	if size > e.cfg.LargePDFBytes {
		return e.cfg.PDFPageBatch
	}
	return 0
}

func (e *Extractor) extractPDF(ctx context.Context, path string) (text string, err error) {
	// dslipak/pdf panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", &core.ExtractionError{FileType: string(FilePDF), Path: path, Err: fmt.Errorf("decoder panic: %v", r)}
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return "", &core.ExtractionError{FileType: string(FilePDF), Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &core.ExtractionError{FileType: string(FilePDF), Path: path, Err: err}
	}
	r, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", &core.ExtractionError{FileType: string(FilePDF), Path: path, Err: err}
	}

	batch := e.pageBatchFor(info.Size())
	e.log.Debug("extracting pdf",
		zap.String("path", path),
		zap.Int64("bytes", info.Size()),
		zap.Int("pages", r.NumPage()),
		zap.Int("page_batch", batch),
	)

	raw, err := e.extractPages(ctx, pdfPages{r: r}, batch)
	if err != nil {
		var ee *core.ExtractionError
		if errors.As(err, &ee) && ee.Path == "" {
			ee.Path = path
		}
		return "", err
	}
	return RepairArtifacts(raw), nil
}

// pageSource is the slice of a PDF reader the page loop needs.
type pageSource interface {
	NumPage() int
	PageText(i int) (string, error)
}

type pdfPages struct {
	r *pdf.Reader
}

func (p pdfPages) NumPage() int { return p.r.NumPage() }

func (p pdfPages) PageText(i int) (string, error) {
	page := p.r.Page(i)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

// extractPages joins page texts with single spaces. batch <= 0 reads every
// page in one pass; otherwise it pauses between groups of batch pages.
// Unreadable pages are skipped, unless no page yields text at all.
func (e *Extractor) extractPages(ctx context.Context, src pageSource, batch int) (string, error) {
	n := src.NumPage()
	if batch <= 0 {
		batch = n
	}

	parts := make([]string, 0, n)
	var pageErrs []error
	for start := 1; start <= n; start += batch {
		if start > 1 && e.cfg.PageBatchPause > 0 {
			if err := e.sleep(ctx, e.cfg.PageBatchPause); err != nil {
				return "", err
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}

		end := min(start+batch-1, n)
		for i := start; i <= end; i++ {
			text, err := src.PageText(i)
			if err != nil {
				e.log.Warn("skipping unreadable pdf page", zap.Int("page", i), zap.Error(err))
				pageErrs = append(pageErrs, fmt.Errorf("page %d: %w", i, err))
				continue
			}
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	if len(parts) == 0 && len(pageErrs) > 0 {
		return "", &core.ExtractionError{FileType: string(FilePDF), Err: errors.Join(pageErrs...)}
	}
	return strings.Join(parts, " "), nil
}

func (e *Extractor) extractDOCX(path string) (string, error) {
	htmlText, htmlErr := e.docxHTML(path)
	if htmlErr == nil {
		ratio := printableASCIIRatio(htmlText)
		if ratio >= e.cfg.MinPrintableRatio {
			return htmlText, nil
		}
		e.log.Info("docx html text looks garbled, using raw extraction",
			zap.String("path", path), zap.Float64("printable_ratio", ratio))
	} else {
		e.log.Info("docx html extraction failed, using raw extraction",
			zap.String("path", path), zap.Error(htmlErr))
	}

	raw, err := e.docxRaw(path)
	if err != nil {
		if htmlErr == nil && strings.TrimSpace(htmlText) != "" {
			return htmlText, nil
		}
		return "", &core.ExtractionError{FileType: string(FileDOCX), Path: path, Err: errors.Join(htmlErr, err)}
	}
	return raw, nil
}

// printableASCIIRatio is the share of characters that are printable ASCII or common whitespace.
func printableASCIIRatio(s string) float64 {
	var total, printable int
	for _, r := range s {
		total++
		if (r >= 0x20 && r <= 0x7e) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(printable) / float64(total)
}

// docxViaHTML renders word/document.xml paragraphs as HTML and lets docconv strip it to text.
func docxViaHTML(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()

		markup, err := documentXMLToHTML(rc)
		if err != nil {
			return "", err
		}
		text, _, err := docconv.ConvertHTML(strings.NewReader(markup), false)
		if err != nil {
			return "", fmt.Errorf("convert docx html: %w", err)
		}
		return text, nil
	}
	return "", errors.New("docx has no word/document.xml")
}

func documentXMLToHTML(r io.Reader) (string, error) {
	var (
		b      strings.Builder
		inText bool
	)
	b.WriteString("<html><body>")
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				b.WriteString("<p>")
			case "t":
				inText = true
			case "tab":
				b.WriteString(" ")
			case "br", "cr":
				b.WriteString("<br/>")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				b.WriteString("</p>\n")
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				b.WriteString(html.EscapeString(string(t)))
			}
		}
	}
	b.WriteString("</body></html>")
	return b.String(), nil
}

func docxViaRaw(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	text, _, err := docconv.ConvertDocx(f)
	return text, err
}

// normalizeLines unifies line endings, trims trailing blanks and collapses
// runs of blank lines into one paragraph break.
func normalizeLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			line = ""
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
