package portal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Record is one listing result as returned by the portal API.
type Record struct {
	Code         string
	Name         string
	Organization string
	Status       string
	Amount       string
	PublishedAt  string
	ClosesAt     string
	BidderCount  *int
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	r.Code = text(fields["codigo"])
	if r.Code == "" {
		r.Code = text(fields["id"])
	}
	r.Name = text(fields["nombre"])
	r.Organization = text(fields["organismo"])
	r.Status = text(fields["estado"])
	r.Amount = text(fields["monto_disponible_CLP"])
	r.PublishedAt = text(fields["fecha_publicacion"])
	r.ClosesAt = text(fields["fecha_cierre"])
	r.BidderCount = integer(fields["cantidad_provedores_cotizando"])

	return nil
}

// Product is one requested product of a tender detail.
type Product struct {
	Name string
	Raw  json.RawMessage
}

func (p *Product) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	p.Name = text(fields["nombre"])
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (p Product) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(map[string]string{"nombre": p.Name})
}

// Detail holds the fields of the detail API payload used by the pipeline.
type Detail struct {
	Description        string
	DeliveryAddress    string
	FirstCallClosesAt  string
	SecondCallClosesAt string
	Products           []Product
}

// ProductNames returns the names of the requested products in order.
func (d Detail) ProductNames() []string {
	names := make([]string, 0, len(d.Products))
	for _, p := range d.Products {
		names = append(names, p.Name)
	}
	return names
}

// text renders a scalar JSON value as a string. Objects, arrays and null
// yield the empty string.
func text(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case '{', '[', 'n':
		return ""
	default:
		return string(raw)
	}
}

func integer(raw json.RawMessage) *int {
	s := text(raw)
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		n := int(f)
		return &n
	}
	return nil
}

// CleanText flattens HTML markup found in portal descriptions to plain text.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return s
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, li, div").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
