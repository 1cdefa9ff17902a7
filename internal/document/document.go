// Package document extracts plain text and structural metadata from
// submitted documents. PDFs are read with ledongthuc/pdf; anything else is
// treated as UTF-8 text.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// wordsPerPage estimates page count for text documents without form feeds.
const wordsPerPage = 500

// maxHeadingWords bounds how long a line may be and still count as a heading.
const maxHeadingWords = 8

// ErrUnreadable is returned when a document cannot be parsed.
var ErrUnreadable = errors.New("document unreadable")

// Document is the extracted view of a submission.
type Document struct {
	Text     string
	Pages    int
	Headings []string
	Words    int
}

// Extract parses content according to ref.
func Extract(ref domain.DocumentRef, content []byte) (*Document, error) {
	if ref.IsPDF() {
		return extractPDF(content)
	}
	return extractText(string(content)), nil
}

func extractPDF(content []byte) (*Document, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	total := r.NumPage()
	var sb strings.Builder
	for i := 1; i <= total; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrUnreadable, i, err)
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}

	doc := analyze(sb.String())
	doc.Pages = total
	return doc, nil
}

func extractText(text string) *Document {
	doc := analyze(text)
	if n := strings.Count(text, "\f"); n > 0 {
		doc.Pages = n + 1
	} else {
		doc.Pages = max(1, int(math.Ceil(float64(doc.Words)/wordsPerPage)))
	}
	return doc
}

func analyze(text string) *Document {
	doc := &Document{Text: text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "\f"))
		if line == "" {
			continue
		}
		doc.Words += len(strings.Fields(line))
		if h, ok := heading(line); ok {
			doc.Headings = append(doc.Headings, h)
		}
	}
	return doc
}

// heading recognizes markdown headings, numbered section titles and short
// title-cased lines without terminal punctuation.
func heading(line string) (string, bool) {
	if strings.HasPrefix(line, "#") {
		h := strings.TrimSpace(strings.TrimLeft(line, "#"))
		return h, h != ""
	}

	words := strings.Fields(line)
	if len(words) > maxHeadingWords {
		return "", false
	}
	if strings.ContainsAny(line[len(line)-1:], ".,;:!?") {
		return "", false
	}

	first := []rune(words[0])
	if unicode.IsDigit(first[0]) {
		rest := strings.TrimSpace(strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsDigit(r) || r == '.' || r == ')'
		}))
		return rest, rest != "" && unicode.IsUpper([]rune(rest)[0])
	}
	return line, unicode.IsUpper(first[0])
}

// Normalize folds s for keyword and heading comparison.
func Normalize(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

// KeywordCoverage splits keywords by whether they occur in the text.
func (d *Document) KeywordCoverage(keywords []string) (found, missing []string) {
	body := " " + Normalize(d.Text) + " "
	for _, kw := range keywords {
		n := Normalize(kw)
		if n == "" {
			continue
		}
		if strings.Contains(body, " "+n+" ") {
			found = append(found, kw)
		} else {
			missing = append(missing, kw)
		}
	}
	return found, missing
}

// SectionCoverage reports, in template order, which expected sections have
// a matching heading. A heading matches when either normalized form contains
// the other.
func (d *Document) SectionCoverage(sections []string) (found, missing []string) {
	headings := make([]string, 0, len(d.Headings))
	for _, h := range d.Headings {
		headings = append(headings, Normalize(h))
	}
	for _, s := range sections {
		want := Normalize(s)
		if want == "" {
			continue
		}
		matched := false
		for _, h := range headings {
			if strings.Contains(h, want) || (h != "" && strings.Contains(want, h)) {
				matched = true
				break
			}
		}
		if matched {
			found = append(found, s)
		} else {
			missing = append(missing, s)
		}
	}
	return found, missing
}
