package remote

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/solarcrm/fieldsync/internal/models"
)

// DedupeKey derives the business key a backend uses to spot duplicates:
// the contact email or phone of a lead, the project and checklist type of a
// checklist. Media has no business key. An empty result disables the check.
func DedupeKey(kind models.Kind, payload json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	str := func(k string) string {
		v, _ := fields[k].(string)
		return strings.TrimSpace(v)
	}

	switch kind {
	case models.KindLead:
		if email := strings.ToLower(str("email")); email != "" {
			return "email:" + email
		}
		if phone := digits(str("phone")); len(phone) >= 6 {
			return "phone:" + phone
		}
	case models.KindChecklist:
		project := str("project_id")
		if project == "" {
			return ""
		}
		return "checklist:" + project + ":" + strings.ToLower(str("checklist_type"))
	}
	return ""
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// summaryFields picks the payload fields shown when a duplicate needs a decision.
var summaryFields = []string{"name", "email", "phone", "city", "project_id", "checklist_type", "filename"}

// Describe returns a short human-readable description of a payload.
func Describe(payload json.RawMessage) map[string]string {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	out := make(map[string]string)
	for _, k := range summaryFields {
		if v, ok := fields[k].(string); ok && strings.TrimSpace(v) != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
