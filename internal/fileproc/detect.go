// Package fileproc turns raw uploaded bytes into extracted text through a
// format-aware parser cascade with OCR as the last resort.
package fileproc

import (
	"archive/zip"
	"bytes"
	"net/http"
	"path/filepath"
	"strings"
)

// FileFormat classifies an uploaded document.
type FileFormat string

const (
	FormatXLSX    FileFormat = "xlsx"
	FormatDocx    FileFormat = "docx"
	FormatODT     FileFormat = "odt"
	FormatCSV     FileFormat = "csv"
	FormatTSV     FileFormat = "tsv"
	FormatText    FileFormat = "text"
	FormatPDF     FileFormat = "pdf"
	FormatImage   FileFormat = "image"
	FormatUnknown FileFormat = "unknown"
)

// Priority names the leading concern of a processing strategy.
type Priority string

const (
	PriorityStructural Priority = "structural"
	PriorityTextual    Priority = "textual"
	PriorityOCR        Priority = "ocr"
	PriorityHybrid     Priority = "hybrid"
)

// ProcessingStrategy is the ordered-parser plan derived from detection.
type ProcessingStrategy struct {
	Priority    Priority
	Recommended string
	Fallbacks   []string
}

// Detect classifies a file from its extension and byte signature. Detection
// is a pure function of its inputs so re-running the pipeline on identical
// bytes picks the same parser chain.
func Detect(fileName string, data []byte) FileFormat {
	// Byte signatures beat extensions: uploads are routinely misnamed.
	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return detectZipFormat(fileName, data)
	case isImageSignature(data):
		return FormatImage
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return FormatCSV
	case ".tsv", ".tab":
		return FormatTSV
	case ".txt", ".text", ".md", ".log":
		return FormatText
	}

	if strings.HasPrefix(http.DetectContentType(data), "text/") {
		if strings.ContainsRune(firstLine(data), ',') {
			return FormatCSV
		}
		return FormatText
	}
	return FormatUnknown
}

// detectZipFormat distinguishes OOXML/ODF containers by their well-known
// member files, falling back to the extension.
func detectZipFormat(fileName string, data []byte) FileFormat {
	if r, err := zip.NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
		for _, f := range r.File {
			switch f.Name {
			case "xl/workbook.xml":
				return FormatXLSX
			case "word/document.xml":
				return FormatDocx
			case "content.xml":
				return FormatODT
			}
		}
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".docx":
		return FormatDocx
	case ".odt", ".ods":
		return FormatODT
	}
	return FormatUnknown
}

func isImageSignature(data []byte) bool {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return true
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")): // JPEG
		return true
	case bytes.HasPrefix(data, []byte("GIF8")):
		return true
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")): // TIFF
		return true
	case bytes.HasPrefix(data, []byte("BM")): // BMP
		return true
	}
	return false
}

func firstLine(data []byte) string {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return string(data[:i])
	}
	const max = 512
	if len(data) > max {
		return string(data[:max])
	}
	return string(data)
}

// StrategyFor maps a detected format to its parser plan.
func StrategyFor(format FileFormat) ProcessingStrategy {
	switch format {
	case FormatXLSX:
		return ProcessingStrategy{Priority: PriorityStructural, Recommended: ParserSpreadsheet, Fallbacks: []string{ParserDelimited}}
	case FormatDocx, FormatODT:
		return ProcessingStrategy{Priority: PriorityStructural, Recommended: ParserOffice, Fallbacks: []string{ParserPlainText}}
	case FormatCSV, FormatTSV:
		return ProcessingStrategy{Priority: PriorityTextual, Recommended: ParserDelimited, Fallbacks: []string{ParserPlainText}}
	case FormatText:
		return ProcessingStrategy{Priority: PriorityTextual, Recommended: ParserPlainText, Fallbacks: []string{ParserDelimited}}
	case FormatImage:
		return ProcessingStrategy{Priority: PriorityOCR, Recommended: ParserOCR}
	case FormatPDF:
		// Scanned PDFs dominate uploads; the text layer is read first but
		// recognition over the page images usually decides the outcome.
		// The raw bytes never reach the plain-text parser ahead of OCR.
		return ProcessingStrategy{Priority: PriorityOCR, Recommended: ParserPDF, Fallbacks: []string{ParserOCR}}
	default:
		return ProcessingStrategy{Priority: PriorityHybrid, Recommended: ParserPlainText}
	}
}

// standardOrder is the priority-driven tail of the attempt sequence, tried
// after the recommended parser and its strategy fallbacks.
func standardOrder(priority Priority) []string {
	switch priority {
	case PriorityStructural:
		return []string{ParserSpreadsheet, ParserOffice, ParserDelimited, ParserPlainText, ParserOCR}
	case PriorityTextual:
		return []string{ParserPlainText, ParserDelimited, ParserOffice, ParserOCR}
	case PriorityOCR:
		return []string{ParserOCR, ParserPlainText}
	default: // hybrid
		return []string{ParserSpreadsheet, ParserOffice, ParserPlainText, ParserOCR}
	}
}
