package fileproc

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// OfficeParser extracts text from OOXML (.docx) and OpenDocument (.odt)
// containers: a zip archive holding the body XML under a well-known name.
type OfficeParser struct{}

func NewOfficeParser() *OfficeParser { return &OfficeParser{} }

func (p *OfficeParser) Name() string { return ParserOffice }
func (p *OfficeParser) Kind() Kind   { return KindStructural }

func (p *OfficeParser) Parse(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open container: %w", err)
	}

	var body io.ReadCloser
	var paragraphTag string
	for _, f := range r.File {
		switch f.Name {
		case "word/document.xml":
			body, err = f.Open()
			paragraphTag = "p" // w:p
		case "content.xml":
			body, err = f.Open()
			paragraphTag = "p" // text:p
		}
		if body != nil || err != nil {
			break
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("open document body: %w", err)
	}
	if body == nil {
		return Result{}, fmt.Errorf("no document body found in container")
	}
	defer body.Close()

	text, err := flattenXMLText(body, paragraphTag)
	if err != nil {
		return Result{}, fmt.Errorf("decode document body: %w", err)
	}

	text = strings.TrimSpace(text)
	confidence := 0.0
	if text != "" {
		confidence = 0.9
	}
	return Result{Text: text, Confidence: confidence, Source: p.Name()}, nil
}

// flattenXMLText walks the XML stream collecting character data, inserting a
// newline at each paragraph close so the extracted text keeps its line
// structure.
func flattenXMLText(r io.Reader, paragraphTag string) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local == paragraphTag {
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String(), nil
}
