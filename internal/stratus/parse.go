package stratus

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

var (
	reReceivedTime = regexp.MustCompile(`Received Time:(\d+)`)
	reAccession    = regexp.MustCompile(`Accession:(\d+)`)
	reHL7          = regexp.MustCompile(`(?s)(MSH\|.*)`)
	reGUIDPrefix   = regexp.MustCompile(`^(\d+)-`)
)

// Confirmation holds the fields extracted from an order-received text blob.
type Confirmation struct {
	ReceivedTime    string
	AccessionNumber string
	HL7Message      string
}

// ParseConfirmation extracts the received time, accession number, and HL7
// message from a confirmation body. When no MSH segment is found the whole
// text is kept as the message.
func ParseConfirmation(text string) Confirmation {
	c := Confirmation{HL7Message: text}
	if m := reReceivedTime.FindStringSubmatch(text); m != nil {
		c.ReceivedTime = m[1]
	}
	if m := reAccession.FindStringSubmatch(text); m != nil {
		c.AccessionNumber = m[1]
	}
	if m := reHL7.FindStringSubmatch(text); m != nil {
		c.HL7Message = m[1]
	}
	return c
}

// AccessionFromGUID returns the leading numeric prefix of a result GUID
// ("12345-abc" → "12345"), or "" when there is none.
func AccessionFromGUID(guid string) string {
	if m := reGUIDPrefix.FindStringSubmatch(guid); m != nil {
		return m[1]
	}
	return ""
}

// TextPayload encodes a raw body as a JSON string so it can be stored in a
// JSON payload column.
func TextPayload(body []byte) []byte {
	b, _ := json.Marshal(string(body)) //nolint:errcheck // strings always marshal
	return b
}

// ResultPayload returns the body if it parses as JSON, otherwise the text
// wrapped as {"raw": "<text>"}.
func ResultPayload(d *Detail) []byte {
	if d.JSON || (len(d.Body) > 0 && json.Valid(d.Body)) {
		return d.Body
	}
	b, _ := json.Marshal(map[string]string{"raw": string(d.Body)}) //nolint:errcheck // map[string]string always marshals
	return b
}

// DetailPayload returns JSON bodies as-is and wraps anything else as a JSON
// string.
func DetailPayload(d *Detail) []byte {
	if d.JSON {
		return d.Body
	}
	return TextPayload(d.Body)
}

// OrderInfo holds the linkage fields pulled out of an order payload.
type OrderInfo struct {
	AccessionNumber  string
	FacilityName     string
	OrganizationName string
}

var (
	accessionKeys    = []string{"accession_number", "accessionNumber", "AccessionNumber", "accession"}
	facilityKeys     = []string{"facility_name", "facilityName", "facility", "location_name", "location"}
	organizationKeys = []string{"organization_name", "organizationName", "organization", "practice_name", "practice"}

	// nestedObjects are searched one level deep after the top level.
	nestedObjects = []string{"order", "patient", "facility", "organization"}
)

// ParseOrder pulls accession and facility/organization names from an order
// payload. Missing fields are left empty; a non-object payload yields a zero
// OrderInfo.
func ParseOrder(payload []byte) OrderInfo {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return OrderInfo{}
	}
	return OrderInfo{
		AccessionNumber:  lookupString(doc, accessionKeys),
		FacilityName:     lookupString(doc, facilityKeys),
		OrganizationName: lookupString(doc, organizationKeys),
	}
}

func lookupString(doc map[string]any, keys []string) string {
	if v := firstScalar(doc, keys); v != "" {
		return v
	}
	for _, obj := range nestedObjects {
		if nested, ok := doc[obj].(map[string]any); ok {
			if v := firstScalar(nested, keys); v != "" {
				return v
			}
		}
	}
	return ""
}

// firstScalar returns the first key holding a non-empty string or a number.
// An object under a matching key contributes its "name" field.
func firstScalar(doc map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case map[string]any:
			if name, ok := v["name"].(string); ok && strings.TrimSpace(name) != "" {
				return strings.TrimSpace(name)
			}
		}
	}
	return ""
}
