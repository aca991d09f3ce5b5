package fileproc

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"regexp"
	"strings"
)

// PDFParser reads the text layer of a PDF by scanning its content streams
// for show operators. Scanned documents have no text layer; they come back
// empty here and fall through to OCR over the embedded page images.
type PDFParser struct{}

func NewPDFParser() *PDFParser { return &PDFParser{} }

func (p *PDFParser) Name() string { return ParserPDF }
func (p *PDFParser) Kind() Kind   { return KindStructural }

func (p *PDFParser) Parse(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return Result{Source: p.Name()}, nil
	}

	var builder strings.Builder
	for _, stream := range pdfStreams(data) {
		content := stream.data
		if stream.flate {
			inflated, err := inflate(content)
			if err != nil {
				continue
			}
			content = inflated
		}
		if txt := textFromContentStream(content); txt != "" {
			builder.WriteString(txt)
			builder.WriteByte('\n')
		}
	}

	text := strings.TrimSpace(builder.String())
	if text == "" {
		return Result{Source: p.Name()}, nil
	}
	return Result{
		Text:       text,
		Confidence: encodingQuality(text),
		Source:     p.Name(),
	}, nil
}

// pdfStream is one raw stream object with the filter hints read from its
// preceding dictionary.
type pdfStream struct {
	data  []byte
	flate bool
	dct   bool
}

var streamStart = regexp.MustCompile(`stream\r?\n`)

// pdfStreams walks the file for stream/endstream pairs. Lengths are taken
// from the byte layout rather than the /Length entry, which may be an
// indirect reference.
func pdfStreams(data []byte) []pdfStream {
	var out []pdfStream
	rest := data
	for {
		loc := streamStart.FindIndex(rest)
		if loc == nil {
			break
		}
		bodyStart := loc[1]
		end := bytes.Index(rest[bodyStart:], []byte("endstream"))
		if end < 0 {
			break
		}

		dictStart := bytes.LastIndex(rest[:loc[0]], []byte("<<"))
		var dict []byte
		if dictStart >= 0 {
			dict = rest[dictStart:loc[0]]
		}
		body := rest[bodyStart : bodyStart+end]
		body = bytes.TrimRight(body, "\r\n")

		out = append(out, pdfStream{
			data:  body,
			flate: bytes.Contains(dict, []byte("/FlateDecode")),
			dct:   bytes.Contains(dict, []byte("/DCTDecode")),
		})

		rest = rest[bodyStart+end+len("endstream"):]
	}
	return out
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, 16<<20))
}

// textFromContentStream collects the literal strings shown by Tj, ', " and
// TJ operators. Hex strings are skipped: without the font's CMap their
// decoded bytes are not text. This mirrors best-effort show-operator
// scanning rather than full layout reconstruction.
func textFromContentStream(content []byte) string {
	var builder strings.Builder
	inText := false
	i := 0
	for i < len(content) {
		switch {
		case hasWordAt(content, i, "BT"):
			inText = true
			i += 2
		case hasWordAt(content, i, "ET"):
			inText = false
			i += 2
		case inText && content[i] == '(':
			str, next := readLiteralString(content, i)
			if str != "" {
				builder.WriteString(str)
				builder.WriteByte(' ')
			}
			i = next
		default:
			i++
		}
	}
	return strings.TrimSpace(builder.String())
}

func hasWordAt(content []byte, i int, word string) bool {
	if !bytes.HasPrefix(content[i:], []byte(word)) {
		return false
	}
	if i > 0 && !isPDFDelim(content[i-1]) {
		return false
	}
	end := i + len(word)
	return end >= len(content) || isPDFDelim(content[end])
}

func isPDFDelim(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', '\x00', '[', ']', '(', ')', '<', '>', '/':
		return true
	}
	return false
}

// readLiteralString decodes one parenthesized PDF string starting at i,
// handling nesting and the standard escapes. It returns the decoded text and
// the index just past the closing parenthesis.
func readLiteralString(content []byte, i int) (string, int) {
	var builder strings.Builder
	depth := 0
	j := i
	for j < len(content) {
		b := content[j]
		switch b {
		case '\\':
			if j+1 >= len(content) {
				return builder.String(), j + 1
			}
			j++
			switch content[j] {
			case 'n':
				builder.WriteByte('\n')
			case 'r':
				builder.WriteByte('\r')
			case 't':
				builder.WriteByte('\t')
			case '(', ')', '\\':
				builder.WriteByte(content[j])
			case '0', '1', '2', '3', '4', '5', '6', '7':
				val := 0
				digits := 0
				for digits < 3 && j < len(content) && content[j] >= '0' && content[j] <= '7' {
					val = val*8 + int(content[j]-'0')
					j++
					digits++
				}
				j--
				builder.WriteByte(byte(val))
			}
			j++
		case '(':
			depth++
			if depth > 1 {
				builder.WriteByte(b)
			}
			j++
		case ')':
			depth--
			if depth == 0 {
				return builder.String(), j + 1
			}
			builder.WriteByte(b)
			j++
		default:
			builder.WriteByte(b)
			j++
		}
	}
	return builder.String(), j
}

// maxPDFPageImages bounds OCR work for pathological documents.
const maxPDFPageImages = 20

// pdfEmbeddedImages returns the JPEG page scans embedded in a PDF. DCTDecode
// stream bodies are raw JPEG, directly consumable by an OCR engine without
// rendering the page.
func pdfEmbeddedImages(data []byte) [][]byte {
	var images [][]byte
	for _, stream := range pdfStreams(data) {
		if !stream.dct {
			continue
		}
		if !bytes.HasPrefix(stream.data, []byte("\xff\xd8\xff")) {
			continue
		}
		images = append(images, stream.data)
		if len(images) == maxPDFPageImages {
			break
		}
	}
	return images
}
