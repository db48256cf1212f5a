// Package agents holds the built-in agent types.
package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/arable/internal/agent"
)

const (
	TypeDocumentExtractor = "document_extractor"

	defaultMaxDocumentBytes = 10 << 20
)

// Extraction types.
const (
	ExtractGeneral       = "general"
	ExtractProposal      = "proposal"
	ExtractPurchaseOrder = "purchase_order"
)

var (
	reProjectNumber = regexp.MustCompile(`(?i)project\s*(?:no\.?|number|#|id)\s*[:#]?\s*([A-Z0-9][A-Z0-9-]*)`)
	reCustomer      = regexp.MustCompile(`(?im)^\s*(?:customer|client)(?:\s+name)?\s*:\s*(.+?)\s*$`)
	rePONumber      = regexp.MustCompile(`(?i)\b(?:p\.?o\.?|purchase\s+order)\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]*\d[A-Z0-9-]*)`)
	reVendor        = regexp.MustCompile(`(?im)^\s*(?:vendor|supplier)\s*:\s*(.+?)\s*$`)
	reAmount        = regexp.MustCompile(`\$\s?([0-9]{1,3}(?:,[0-9]{3})*(?:\.[0-9]{1,2})?|[0-9]+(?:\.[0-9]{1,2})?)`)
	reDate          = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	reLineItem      = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+(.+?)\s*$`)
	reCapitalized   = regexp.MustCompile(`\b[A-Z][A-Z0-9]{2,}\b`)
)

// DocumentExtractor pulls structured fields out of plain-text business
// documents with pattern matching. Other formats yield a placeholder.
type DocumentExtractor struct {
	*agent.Base
	baseDir  string
	maxBytes int64
	now      func() time.Time
}

// NewDocumentExtractor understands the config keys base_dir (prefix for
// relative document paths) and max_bytes.
func NewDocumentExtractor(id string, cfg map[string]any, deps agent.Deps) (agent.Agent, error) {
	c := agent.Task(cfg)
	maxBytes := c.IntOr("max_bytes", defaultMaxDocumentBytes)
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%s: max_bytes must be positive, got %d", id, maxBytes)
	}
	return &DocumentExtractor{
		Base:     agent.NewBase(id, deps),
		baseDir:  c.StringOr("base_dir", ""),
		maxBytes: int64(maxBytes),
		now:      time.Now,
	}, nil
}

func (d *DocumentExtractor) ConcurrencySafe() bool { return true }

func (d *DocumentExtractor) Capabilities() []agent.Capability {
	return []agent.Capability{
		{
			Name:        "document_extraction",
			Description: "Extract structured data from business documents",
			InputKinds:  []string{"document_path", "extraction_type"},
			OutputKinds: []string{"extracted_data", "confidence_score", "metadata"},
		},
		{
			Name:        "proposal_processing",
			Description: "Specialized extraction for proposal documents",
			InputKinds:  []string{"document_path"},
			OutputKinds: []string{"project_data", "customer_info", "financial_data"},
		},
		{
			Name:        "purchase_order_processing",
			Description: "Extract data from purchase orders",
			InputKinds:  []string{"document_path"},
			OutputKinds: []string{"po_data", "vendor_info", "line_items"},
		},
	}
}

func (d *DocumentExtractor) Execute(ctx context.Context, task agent.Task) agent.Result {
	d.Begin()

	path, err := task.GetString("document_path")
	if err != nil {
		return d.Finish(agent.Failure(err))
	}
	kind := task.StringOr("extraction_type", ExtractGeneral)
	switch kind {
	case ExtractGeneral, ExtractProposal, ExtractPurchaseOrder:
	default:
		return d.Finish(agent.Failure(&agent.TaskInputError{
			Key:    "extraction_type",
			Reason: fmt.Sprintf("unknown extraction type %q", kind),
		}))
	}

	d.Remember("current_document", path)

	content, placeholder, err := d.read(path)
	if err != nil {
		return d.Finish(agent.Failure(fmt.Errorf("document extraction failed: %w", err)))
	}
	if err := ctx.Err(); err != nil {
		return d.Finish(agent.Failure(err))
	}

	d.Logger().Info("extracting document", "path", path, "type", kind, "bytes", len(content))
	var fields map[string]any
	switch {
	case placeholder:
		fields = map[string]any{"document_type": kind, "content": content}
	case kind == ExtractProposal:
		fields = extractProposal(content)
	case kind == ExtractPurchaseOrder:
		fields = extractPurchaseOrder(content)
	default:
		fields = extractGeneral(content)
	}
	score := confidence(fields)
	if placeholder {
		score = 0
	}

	data := map[string]any{
		"document_path":   path,
		"extraction_type": kind,
		"extracted_data": map[string]any{
			"extracted_fields":  fields,
			"extraction_method": "pattern_matching",
			"validation":        validate(kind, fields),
		},
		"confidence_score": score,
		"metadata": map[string]any{
			"document_type":        "business_document",
			"format":               strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
			"extraction_timestamp": d.now().UTC().Format(time.RFC3339),
		},
	}
	d.Remember("last_extraction", data, "extraction", kind)
	return d.Finish(agent.Success(data))
}

// read returns the document text, or a placeholder for formats that are
// not parsed.
func (d *DocumentExtractor) read(path string) (string, bool, error) {
	if d.baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(d.baseDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%s is a directory", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt", ".md", ".text":
		if info.Size() > d.maxBytes {
			return "", false, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), d.maxBytes)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false, err
		}
		return string(data), false, nil
	case ".pdf":
		return fmt.Sprintf("[PDF content not parsed: %s]", filepath.Base(path)), true, nil
	case ".docx", ".doc":
		return fmt.Sprintf("[Word content not parsed: %s]", filepath.Base(path)), true, nil
	default:
		return fmt.Sprintf("[unsupported format: %s]", ext), true, nil
	}
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func dates(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range reDate.FindAllStringSubmatch(s, -1) {
		if _, err := time.Parse(time.DateOnly, m[1]); err != nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

// largestAmount returns the biggest currency amount in s, or 0.
func largestAmount(s string) float64 {
	var best float64
	for _, m := range reAmount.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err == nil && v > best {
			best = v
		}
	}
	return best
}

func extractProposal(content string) map[string]any {
	fields := map[string]any{"document_type": ExtractProposal}
	if v := firstMatch(reProjectNumber, content); v != "" {
		fields["project_number"] = v
	}
	if v := firstMatch(reCustomer, content); v != "" {
		fields["customer_name"] = v
	}
	if v := largestAmount(content); v > 0 {
		fields["project_value"] = v
	}
	if ds := dates(content); len(ds) > 0 {
		fields["key_dates"] = ds
		fields["start_date"] = ds[0]
		if len(ds) > 1 {
			fields["end_date"] = ds[len(ds)-1]
		}
	}
	return fields
}

func extractPurchaseOrder(content string) map[string]any {
	fields := map[string]any{"document_type": ExtractPurchaseOrder}
	if v := firstMatch(rePONumber, content); v != "" {
		fields["po_number"] = v
	}
	if v := firstMatch(reVendor, content); v != "" {
		fields["vendor"] = v
	}
	if v := largestAmount(content); v > 0 {
		fields["total_amount"] = v
	}
	var items []string
	for _, m := range reLineItem.FindAllStringSubmatch(content, -1) {
		items = append(items, m[1])
	}
	if len(items) > 0 {
		fields["line_items"] = items
	}
	if ds := dates(content); len(ds) > 0 {
		fields["delivery_date"] = ds[len(ds)-1]
	}
	return fields
}

func extractGeneral(content string) map[string]any {
	seen := map[string]bool{}
	var entities []string
	for _, w := range reCapitalized.FindAllString(content, -1) {
		if !seen[w] {
			seen[w] = true
			entities = append(entities, w)
		}
		if len(entities) == 20 {
			break
		}
	}
	fields := map[string]any{
		"document_type": ExtractGeneral,
		"text_length":   len(content),
		"word_count":    len(strings.Fields(content)),
	}
	if len(entities) > 0 {
		fields["key_entities"] = entities
	}
	if ds := dates(content); len(ds) > 0 {
		fields["dates"] = ds
	}
	return fields
}

var requiredFields = map[string][]string{
	ExtractProposal:      {"project_number", "customer_name", "project_value", "start_date"},
	ExtractPurchaseOrder: {"po_number", "vendor", "total_amount"},
	ExtractGeneral:       {"text_length"},
}

func confidence(fields map[string]any) float64 {
	kind, _ := fields["document_type"].(string)
	req := requiredFields[kind]
	if len(req) == 0 {
		return 0
	}
	found := 0
	for _, k := range req {
		if _, ok := fields[k]; ok {
			found++
		}
	}
	return float64(found*100/len(req)) / 100
}

func validate(kind string, fields map[string]any) map[string]any {
	var missing []string
	for _, k := range requiredFields[kind] {
		if _, ok := fields[k]; !ok {
			missing = append(missing, k)
		}
	}
	return map[string]any{
		"required_fields_present": len(missing) == 0,
		"missing_fields":          missing,
	}
}
