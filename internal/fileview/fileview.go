// Package fileview decides how a project file is shown in the browser and
// builds bounded previews for text and tables.
package fileview

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"path"
	"strings"
	"unicode/utf8"
)

// Kind is the display class of a file.
type Kind string

const (
	Binary   Kind = "binary"
	Image    Kind = "image"
	Document Kind = "document"
	Table    Kind = "table"
	Text     Kind = "text"
)

var extensions = map[string]Kind{
	".png": Image, ".jpg": Image, ".jpeg": Image, ".gif": Image, ".bmp": Image,
	".svg": Image, ".webp": Image,
	".pdf": Document,
	".csv": Table, ".tsv": Table,
	".txt": Text, ".md": Text, ".rst": Text, ".json": Text, ".xml": Text,
	".yaml": Text, ".yml": Text, ".log": Text, ".hea": Text, ".sh": Text,
	".py": Text, ".r": Text, ".m": Text, ".sql": Text, ".ini": Text, ".cfg": Text,
	".html": Text, ".htm": Text,
}

// Names without an extension that are always text.
var textNames = map[string]bool{
	"readme": true, "license": true, "records": true, "annotators": true,
	"sha256sums.txt": true, "ranges": true,
}

// Classify maps a file name to its display kind.
func Classify(name string) Kind {
	base := strings.ToLower(path.Base(name))
	if textNames[base] {
		return Text
	}
	if k, ok := extensions[path.Ext(base)]; ok {
		return k
	}
	return Binary
}

// Limits bound the work done for a preview.
type Limits struct {
	MaxTextBytes  int64
	MaxTableRows  int
	MaxTableBytes int64
	MaxFileBytes  int64 // tables and images above this are download-only
}

// DefaultLimits mirror what the site renders inline.
var DefaultLimits = Limits{
	MaxTextBytes:  1 << 20,
	MaxTableRows:  1000,
	MaxTableBytes: 1 << 20,
	MaxFileBytes:  100 << 20,
}

func (l Limits) withDefaults() Limits {
	if l.MaxTextBytes <= 0 {
		l.MaxTextBytes = DefaultLimits.MaxTextBytes
	}
	if l.MaxTableRows <= 0 {
		l.MaxTableRows = DefaultLimits.MaxTableRows
	}
	if l.MaxTableBytes <= 0 {
		l.MaxTableBytes = DefaultLimits.MaxTableBytes
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultLimits.MaxFileBytes
	}
	return l
}

// Preview is the renderable form of a file. DownloadOnly previews carry a
// reason and no content.
type Preview struct {
	Name         string     `json:"name"`
	Kind         Kind       `json:"kind"`
	Size         int64      `json:"size"`
	DownloadOnly bool       `json:"download_only"`
	Reason       string     `json:"reason,omitempty"`
	Text         string     `json:"text,omitempty"`
	Delimiter    string     `json:"delimiter,omitempty"`
	Rows         [][]string `json:"rows,omitempty"`
	Truncated    bool       `json:"truncated,omitempty"`
}

const (
	reasonBinary    = "binary file"
	reasonTooLarge  = "file too large to display"
	reasonNotText   = "file does not look like text"
	reasonMalformed = "table could not be parsed"
)

// Render reads at most the configured limits from r. Images and documents
// are returned without content; the caller serves them raw.
func Render(r io.Reader, name string, size int64, limits Limits) (Preview, error) {
	limits = limits.withDefaults()
	p := Preview{Name: path.Base(name), Kind: Classify(name), Size: size}
	switch p.Kind {
	case Binary:
		return downloadOnly(p, reasonBinary), nil
	case Image, Document:
		if size > limits.MaxFileBytes {
			return downloadOnly(p, reasonTooLarge), nil
		}
		return p, nil
	case Text:
		if size > limits.MaxTextBytes {
			return downloadOnly(p, reasonTooLarge), nil
		}
		return renderText(r, p, limits)
	case Table:
		if size > limits.MaxFileBytes {
			return downloadOnly(p, reasonTooLarge), nil
		}
		return renderTable(r, p, limits)
	}
	return downloadOnly(p, reasonBinary), nil
}

func downloadOnly(p Preview, reason string) Preview {
	p.DownloadOnly = true
	p.Reason = reason
	return p
}

func renderText(r io.Reader, p Preview, limits Limits) (Preview, error) {
	buf, err := io.ReadAll(io.LimitReader(r, limits.MaxTextBytes+1))
	if err != nil {
		return Preview{}, err
	}
	if int64(len(buf)) > limits.MaxTextBytes {
		return downloadOnly(p, reasonTooLarge), nil
	}
	if !LooksLikeText(buf) {
		return downloadOnly(p, reasonNotText), nil
	}
	p.Text = strings.ToValidUTF8(string(buf), "�")
	return p, nil
}

// LooksLikeText rejects data with NUL bytes or a high share of control characters.
func LooksLikeText(b []byte) bool {
	if bytes.IndexByte(b, 0) >= 0 {
		return false
	}
	if len(b) == 0 {
		return true
	}
	control := 0
	for _, c := range b {
		if c < 0x20 && c != '\n' && c != '\r' && c != '\t' && c != '\f' {
			control++
		}
	}
	return control*10 <= len(b)
}

// delimiters are tried in order; ties go to the earlier one.
var delimiters = []rune{',', '\t', ';', '|'}

// SniffDelimiter picks the delimiter that splits the sample's lines most
// consistently. It falls back to a comma.
func SniffDelimiter(sample []byte) rune {
	lines := strings.Split(strings.ReplaceAll(string(sample), "\r\n", "\n"), "\n")
	if len(lines) > 1 && !bytes.HasSuffix(sample, []byte("\n")) {
		lines = lines[:len(lines)-1] // last line may be cut
	}
	if len(lines) > 20 {
		lines = lines[:20]
	}
	best, bestScore := ',', 0
	for _, d := range delimiters {
		counts := map[int]int{}
		nonEmpty := 0
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			nonEmpty++
			counts[strings.Count(line, string(d))]++
		}
		// score: lines sharing the most common non-zero field count
		score := 0
		for n, c := range counts {
			if n > 0 && c > score {
				score = c
			}
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

const sniffBytes = 8 << 10

func renderTable(r io.Reader, p Preview, limits Limits) (Preview, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, limits.MaxTableBytes), sniffBytes)
	sample, err := br.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Preview{}, err
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return downloadOnly(p, reasonNotText), nil
	}
	delim := '\t'
	if !strings.EqualFold(path.Ext(p.Name), ".tsv") {
		delim = SniffDelimiter(sample)
	}
	p.Delimiter = string(delim)

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	for {
		if len(p.Rows) == limits.MaxTableRows {
			if _, err := cr.Read(); err == nil {
				p.Truncated = true
			}
			break
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return downloadOnly(p, reasonMalformed), nil
			}
			return Preview{}, err
		}
		for i, field := range rec {
			if !utf8.ValidString(field) {
				rec[i] = strings.ToValidUTF8(field, "�")
			}
		}
		p.Rows = append(p.Rows, rec)
	}
	// Hitting the byte budget means the last row may be partial.
	if p.Size > limits.MaxTableBytes {
		p.Truncated = true
		if len(p.Rows) > 1 && len(p.Rows) < limits.MaxTableRows {
			p.Rows = p.Rows[:len(p.Rows)-1]
		}
	}
	return p, nil
}
