package upstream

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"stockwatch/internal/models"
)

// Response shape kinds recognised by the normalizer.
const (
	ShapePreferred = "preferred"
	ShapeLegacy    = "legacy"
	ShapeUnknown   = "unknown"
)

// ParseError reports an upstream response that matched none of the known
// shapes. It indicates upstream incompatibility, so callers record it as a
// circuit breaker failure with the "parse" classification.
type ParseError struct {
	Model int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized upstream response shape for model %d", e.Model)
}

// preferredShape is the current upstream format:
//
//	{"datacenters":[{"datacenter":"GRA","status":"available"}]}
//
// Some deployments report the status under "linuxStatus" instead.
type preferredShape struct {
	Datacenters []struct {
		Datacenter  string `json:"datacenter"`
		Status      string `json:"status"`
		LinuxStatus string `json:"linuxStatus"`
	} `json:"datacenters"`
}

// legacyShape is the older upstream format:
//
//	{"available_datacenters":["GRA"],"unavailable_datacenters":["SBG"]}
type legacyShape struct {
	Available   []string `json:"available_datacenters"`
	Unavailable []string `json:"unavailable_datacenters"`
}

// Normalize converts a raw upstream response body into canonical availability
// records for the given model. It returns the detected shape kind alongside
// the records; an unrecognized shape yields a *ParseError and zero records.
func Normalize(body []byte, model int, now time.Time) ([]models.AvailabilityRecord, string, error) {
	// Both shapes are JSON objects; a decode failure here means the body is
	// not even JSON, which is as unknown as a shape can get.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, ShapeUnknown, &ParseError{Model: model}
	}

	if _, ok := probe["datacenters"]; ok {
		var p preferredShape
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, ShapeUnknown, &ParseError{Model: model}
		}
		records := make([]models.AvailabilityRecord, 0, len(p.Datacenters))
		for _, dc := range p.Datacenters {
			if dc.Datacenter == "" {
				continue
			}
			status := dc.Status
			if status == "" {
				status = dc.LinuxStatus
			}
			records = append(records, models.AvailabilityRecord{
				Model:       model,
				Datacenter:  dc.Datacenter,
				Status:      canonicalStatus(status),
				LastChecked: now,
			})
		}
		return records, ShapePreferred, nil
	}

	_, hasAvail := probe["available_datacenters"]
	_, hasUnavail := probe["unavailable_datacenters"]
	if hasAvail || hasUnavail {
		var l legacyShape
		if err := json.Unmarshal(body, &l); err != nil {
			return nil, ShapeUnknown, &ParseError{Model: model}
		}
		records := make([]models.AvailabilityRecord, 0, len(l.Available)+len(l.Unavailable))
		for _, dc := range l.Available {
			records = append(records, models.AvailabilityRecord{
				Model:       model,
				Datacenter:  dc,
				Status:      models.StatusAvailable,
				LastChecked: now,
			})
		}
		for _, dc := range l.Unavailable {
			records = append(records, models.AvailabilityRecord{
				Model:       model,
				Datacenter:  dc,
				Status:      models.StatusOutOfStock,
				LastChecked: now,
			})
		}
		return records, ShapeLegacy, nil
	}

	return nil, ShapeUnknown, &ParseError{Model: model}
}

// canonicalStatus maps upstream status spellings onto the two canonical
// values. Anything that is not an availability marker counts as out of stock.
func canonicalStatus(s string) string {
	switch s {
	case "available", "high", "low", "in_stock":
		return models.StatusAvailable
	default:
		return models.StatusOutOfStock
	}
}
