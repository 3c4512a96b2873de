package portal

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const successValue = "OK"

// Payload is a decoded top-level API response object.
type Payload map[string]json.RawMessage

// Pagination is the listing metadata reported by the portal.
type Pagination struct {
	TotalResults int
	TotalPages   int
}

// Decode parses a response body. It fails on anything that is not a JSON object.
func Decode(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode api response: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("api response is not an object")
	}
	return p, nil
}

// Validate reports whether the payload carries the success marker.
func Validate(p Payload) bool {
	var s string
	if err := json.Unmarshal(p["success"], &s); err != nil {
		return false
	}
	return s == successValue
}

// ExtractPagination reads the result and page counts. Missing or non numeric
// values are reported as zero.
func ExtractPagination(p Payload) Pagination {
	root := listingRoot(p)
	return Pagination{
		TotalResults: count(root["resultCount"]),
		TotalPages:   count(root["pageCount"]),
	}
}

// ExtractResults returns the listing records. Elements that are not objects
// are dropped.
func ExtractResults(p Payload) []Record {
	var items []json.RawMessage
	if err := json.Unmarshal(listingRoot(p)["results"], &items); err != nil {
		return []Record{}
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		var r Record
		if err := json.Unmarshal(item, &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records
}

// ExtractDetail maps a detail API payload. ok is false when the payload has
// no success marker or no payload object.
func ExtractDetail(p Payload) (Detail, bool) {
	if !Validate(p) {
		return Detail{}, false
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(p["payload"], &body); err != nil || body == nil {
		return Detail{}, false
	}

	d := Detail{
		Description:        CleanText(text(body["descripcion"])),
		DeliveryAddress:    text(body["direccion_entrega"]),
		FirstCallClosesAt:  text(body["fecha_cierre_primer_llamado"]),
		SecondCallClosesAt: text(body["fecha_cierre_segundo_llamado"]),
		Products:           []Product{},
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body["productos_solicitados"], &items); err == nil {
		for _, item := range items {
			var prod Product
			if err := json.Unmarshal(item, &prod); err != nil {
				continue
			}
			d.Products = append(d.Products, prod)
		}
	}

	return d, true
}

// listingRoot returns the nested payload object when the response wraps the
// listing in one, otherwise the top level.
func listingRoot(p Payload) Payload {
	var inner Payload
	if err := json.Unmarshal(p["payload"], &inner); err == nil && inner != nil {
		return inner
	}
	return p
}

func count(raw json.RawMessage) int {
	s := text(raw)
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return int(f)
	}
	return 0
}
