// Package normalize turns loosely typed search provider output into
// validated CandidateResource records.
package normalize

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
)

// ErrInvalidCandidate wraps every schema rejection.
var ErrInvalidCandidate = eris.New("normalize: invalid candidate")

const candidateSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name":        {"type": "string", "minLength": 1, "pattern": "\\S"},
    "address":     {"type": "string"},
    "city":        {"type": "string"},
    "state":       {"type": "string"},
    "zipCode":     {"type": ["string", "number"]},
    "latitude":    {"type": ["number", "null"], "minimum": -90, "maximum": 90},
    "longitude":   {"type": ["number", "null"], "minimum": -180, "maximum": 180},
    "phone":       {"type": ["string", "null"]},
    "website":     {"type": ["string", "null"]},
    "description": {"type": ["string", "null"]},
    "services":    {
      "oneOf": [
        {"type": "array", "items": {"type": "string"}},
        {"type": "string"},
        {"type": "null"}
      ]
    },
    "hours":       {"type": ["string", "null"]},
    "sourceUrl":   {"type": ["string", "null"]},
    "confidence":  {"type": ["number", "null"], "minimum": 0, "maximum": 100}
  }
}`

// aliases maps provider spellings onto the canonical keys.
var aliases = map[string]string{
	"zip":                 "zipCode",
	"zip_code":            "zipCode",
	"postal_code":         "zipCode",
	"lat":                 "latitude",
	"lng":                 "longitude",
	"lon":                 "longitude",
	"phone_number":        "phone",
	"url":                 "website",
	"website_url":         "website",
	"source_url":          "sourceUrl",
	"source":              "sourceUrl",
	"summary":             "description",
	"opening_hours":       "hours",
	"raw_confidence":      "confidence",
	"formatted_address":   "address",
	"street_address":      "address",
	"services_offered":    "services",
	"nationalPhoneNumber": "phone",
	"websiteUri":          "website",
}

// Normalizer validates raw candidates against a fixed JSON schema.
type Normalizer struct {
	schema *gojsonschema.Schema
}

// New compiles the candidate schema.
func New() (*Normalizer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(candidateSchema))
	if err != nil {
		return nil, eris.Wrap(err, "normalize: compile schema")
	}
	return &Normalizer{schema: schema}, nil
}

// Normalize validates raw and builds a CandidateResource. City and state
// default to the scanned area when the provider omits them.
func (n *Normalizer) Normalize(raw model.RawCandidate, city, state string) (model.CandidateResource, error) {
	doc := canonical(raw)

	result, err := n.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return model.CandidateResource{}, eris.Wrap(err, "normalize: validate")
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return model.CandidateResource{}, eris.Wrap(ErrInvalidCandidate, strings.Join(msgs, "; "))
	}

	c := model.CandidateResource{
		Name:        str(doc, "name"),
		Address:     str(doc, "address"),
		City:        firstNonEmpty(str(doc, "city"), strings.TrimSpace(city)),
		State:       firstNonEmpty(str(doc, "state"), strings.TrimSpace(state)),
		ZipCode:     str(doc, "zipCode"),
		Phone:       str(doc, "phone"),
		Website:     str(doc, "website"),
		Description: str(doc, "description"),
		Hours:       str(doc, "hours"),
		SourceURL:   str(doc, "sourceUrl"),
		Services:    services(doc["services"]),
	}
	if lat, lng, ok := coords(doc); ok {
		c.Location = &geo.Point{Lat: lat, Lng: lng}
	}
	if v, ok := doc["confidence"].(float64); ok {
		c.RawConfidence = &v
	}
	return c, nil
}

// canonical copies raw with aliases resolved. Canonical keys win over aliases.
func canonical(raw model.RawCandidate) map[string]any {
	doc := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, isAlias := aliases[k]; !isAlias {
			doc[k] = toJSONValue(v)
		}
	}
	for k, v := range raw {
		if canon, isAlias := aliases[k]; isAlias {
			if _, exists := doc[canon]; !exists {
				doc[canon] = toJSONValue(v)
			}
		}
	}
	return doc
}

// toJSONValue widens Go numeric types so the schema sees JSON numbers.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func str(doc map[string]any, key string) string {
	switch v := doc[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", v))
	default:
		return ""
	}
}

func services(v any) []string {
	var parts []string
	switch t := v.(type) {
	case string:
		parts = strings.Split(t, ",")
	case []any:
		for _, s := range t {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// coords treats (0, 0) as missing: providers emit it as a placeholder.
func coords(doc map[string]any) (float64, float64, bool) {
	lat, okLat := doc["latitude"].(float64)
	lng, okLng := doc["longitude"].(float64)
	if !okLat || !okLng || (lat == 0 && lng == 0) {
		return 0, 0, false
	}
	return lat, lng, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
