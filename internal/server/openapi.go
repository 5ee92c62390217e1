package server

import (
	"net/http"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// OpenAPI 3.0 document types, covering only what this API describes.
type (
	apiDocument struct {
		OpenAPI    string             `json:"openapi" yaml:"openapi"`
		Info       apiInfo            `json:"info" yaml:"info"`
		Paths      map[string]apiPath `json:"paths" yaml:"paths"`
		Components apiComponents      `json:"components" yaml:"components"`
	}

	apiInfo struct {
		Title       string `json:"title" yaml:"title"`
		Description string `json:"description" yaml:"description"`
		Version     string `json:"version" yaml:"version"`
	}

	apiPath map[string]apiOperation

	apiOperation struct {
		Summary     string                 `json:"summary" yaml:"summary"`
		Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
		Tags        []string               `json:"tags" yaml:"tags"`
		Parameters  []apiParameter         `json:"parameters,omitempty" yaml:"parameters,omitempty"`
		RequestBody *apiBody               `json:"requestBody,omitempty" yaml:"requestBody,omitempty"`
		Responses   map[string]apiResponse `json:"responses" yaml:"responses"`
	}

	apiParameter struct {
		Name        string    `json:"name" yaml:"name"`
		In          string    `json:"in" yaml:"in"`
		Description string    `json:"description" yaml:"description"`
		Required    bool      `json:"required" yaml:"required"`
		Schema      apiSchema `json:"schema" yaml:"schema"`
	}

	apiBody struct {
		Required bool                    `json:"required" yaml:"required"`
		Content  map[string]apiMediaType `json:"content" yaml:"content"`
	}

	apiResponse struct {
		Description string                  `json:"description" yaml:"description"`
		Content     map[string]apiMediaType `json:"content,omitempty" yaml:"content,omitempty"`
	}

	apiMediaType struct {
		Schema apiSchema `json:"schema" yaml:"schema"`
	}

	apiSchema struct {
		Ref         string               `json:"$ref,omitempty" yaml:"$ref,omitempty"`
		Type        string               `json:"type,omitempty" yaml:"type,omitempty"`
		Format      string               `json:"format,omitempty" yaml:"format,omitempty"`
		Description string               `json:"description,omitempty" yaml:"description,omitempty"`
		Nullable    bool                 `json:"nullable,omitempty" yaml:"nullable,omitempty"`
		Enum        []string             `json:"enum,omitempty" yaml:"enum,omitempty"`
		Minimum     *float64             `json:"minimum,omitempty" yaml:"minimum,omitempty"`
		Maximum     *float64             `json:"maximum,omitempty" yaml:"maximum,omitempty"`
		MinLength   *int                 `json:"minLength,omitempty" yaml:"minLength,omitempty"`
		MaxLength   *int                 `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
		Required    []string             `json:"required,omitempty" yaml:"required,omitempty"`
		Properties  map[string]apiSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
		Items       *apiSchema           `json:"items,omitempty" yaml:"items,omitempty"`
	}

	apiComponents struct {
		Schemas map[string]apiSchema `json:"schemas" yaml:"schemas"`
	}
)

func num(f float64) *float64 { return &f }
func length(n int) *int { return &n }

func ref(name string) apiSchema { return apiSchema{Ref: "#/components/schemas/" + name} }

func jsonContent(s apiSchema) map[string]apiMediaType {
	return map[string]apiMediaType{"application/json": {Schema: s}}
}

func jsonResponse(desc string, s apiSchema) apiResponse {
	return apiResponse{Description: desc, Content: jsonContent(s)}
}

var errorResponse = jsonResponse("Error", ref("Error"))

// openAPI describes every route the server registers.
func openAPI() apiDocument {
	str := apiSchema{Type: "string"}
	number := apiSchema{Type: "number", Format: "double"}
	boolean := apiSchema{Type: "boolean"}
	integer := apiSchema{Type: "integer"}
	html := map[string]apiMediaType{"text/html": {Schema: str}}

	return apiDocument{
		OpenAPI: "3.0.3",
		Info: apiInfo{
			Title:       "DIL - Deterministic Integrity Layer",
			Description: "Guardrail decisions recorded in a SHA-256 chained ledger with HMAC governance hashes.",
			Version:     "1.0.0",
		},
		Paths: map[string]apiPath{
			"/": {"get": {
				Summary:   "Dashboard",
				Tags:      []string{"Frontend"},
				Responses: map[string]apiResponse{"200": {Description: "HTML dashboard", Content: html}},
			}},
			"/docs": {"get": {
				Summary:   "API documentation",
				Tags:      []string{"Frontend"},
				Responses: map[string]apiResponse{"200": {Description: "HTML documentation", Content: html}},
			}},
			"/redoc": {"get": {
				Summary:   "API documentation (ReDoc)",
				Tags:      []string{"Frontend"},
				Responses: map[string]apiResponse{"200": {Description: "ReDoc page for /openapi.json", Content: html}},
			}},
			"/audit": {"post": {
				Summary: "Audit a transaction",
				Description: "BLOCKED if amount > $1,000,000 or risk score < 0.5; " +
					"FLAGGED if amount > $100,000 or risk score in [0.5, 0.7); otherwise APPROVED.",
				Tags:        []string{"Audit"},
				RequestBody: &apiBody{Required: true, Content: jsonContent(ref("AuditRequest"))},
				Responses: map[string]apiResponse{
					"200": jsonResponse("Committed ledger record", ref("AuditResponse")),
					"400": errorResponse,
					"500": errorResponse,
				},
			}},
			"/evaluate": {"post": {
				Summary:     "Certify an agent decision",
				Description: "Scores risk, explains and logs the decision, then gates it on the ledger write and a 0.7 risk threshold.",
				Tags:        []string{"Gatekeeper"},
				RequestBody: &apiBody{Required: true, Content: jsonContent(ref("Evaluation"))},
				Responses: map[string]apiResponse{
					"200": jsonResponse("Gate outcome", ref("CertifiedDecision")),
					"400": errorResponse,
					"503": errorResponse,
				},
			}},
			"/ledger": {"get": {
				Summary: "Read the ledger",
				Tags:    []string{"Ledger"},
				Parameters: []apiParameter{{
					Name: "limit", In: "query", Description: "Return only the most recent records", Schema: integer,
				}},
				Responses: map[string]apiResponse{
					"200": jsonResponse("Ledger records in chain order", apiSchema{
						Type: "object",
						Properties: map[string]apiSchema{
							"records":         {Type: "array", Items: ptrSchema(ref("AuditRecord"))},
							"total_count":     integer,
							"chain_integrity": boolean,
							"current_hash":    {Type: "string", Nullable: true},
						},
					}),
					"400": errorResponse,
				},
			}},
			"/ledger/verify": {"get": {
				Summary: "Verify the hash chain",
				Tags:    []string{"Ledger"},
				Responses: map[string]apiResponse{
					"200": jsonResponse("Verification report", apiSchema{
						Type: "object",
						Properties: map[string]apiSchema{
							"valid":        boolean,
							"broken_index": integer,
							"reason":       str,
							"records":      integer,
						},
					}),
				},
			}},
			"/health": {"get": {
				Summary: "Health check",
				Tags:    []string{"Health"},
				Responses: map[string]apiResponse{
					"200": jsonResponse("Healthy", apiSchema{
						Type: "object",
						Properties: map[string]apiSchema{
							"status":          str,
							"service":         str,
							"ledger_size":     integer,
							"chain_integrity": boolean,
							"schema_version":  integer,
						},
					}),
					"503": errorResponse,
				},
			}},
		},
		Components: apiComponents{Schemas: map[string]apiSchema{
			"Error": {Type: "object", Properties: map[string]apiSchema{"error": boolean, "detail": str}},
			"AuditRequest": {
				Type:     "object",
				Required: []string{"user_id", "amount", "ai_risk_score"},
				Properties: map[string]apiSchema{
					"user_id":       {Type: "string", MinLength: length(1), MaxLength: length(255)},
					"amount":        {Type: "number", Format: "double", Minimum: num(0), Maximum: num(10_000_000)},
					"ai_risk_score": {Type: "number", Format: "double", Minimum: num(0), Maximum: num(1)},
				},
			},
			"AuditRecord":   auditRecordSchema(false),
			"AuditResponse": auditRecordSchema(true),
			"Evaluation": {
				Type:     "object",
				Required: []string{"agent_output"},
				Properties: map[string]apiSchema{
					"prompt": str,
					"context": {Type: "object", Properties: map[string]apiSchema{
						"context_completeness":  number,
						"domain":                {Type: "string", Enum: []string{"general", "fintech", "health"}},
						"transaction_value":     number,
						"patient_safety_impact": number,
					}},
					"agent_output": {Type: "object", Required: []string{"proposed_action"}, Properties: map[string]apiSchema{
						"proposed_action":  str,
						"confidence_score": number,
						"metadata":         {Type: "object", Description: "request_id becomes the decision id"},
					}},
				},
			},
			"CertifiedDecision": {Type: "object", Properties: map[string]apiSchema{
				"status":           str,
				"is_certified":     boolean,
				"decision_id":      str,
				"risk_score":       number,
				"risk_assessment":  {Type: "object", Properties: map[string]apiSchema{"risk_score": number, "risk_reasoning": str}},
				"justification":    str,
				"ledger_confirmed": boolean,
				"fingerprint":      str,
			}},
		}},
	}
}

func auditRecordSchema(withDepth bool) apiSchema {
	str := apiSchema{Type: "string"}
	s := apiSchema{Type: "object", Properties: map[string]apiSchema{
		"sequence":        {Type: "integer"},
		"request_id":      str,
		"decision":        {Type: "string", Enum: []string{"APPROVED", "FLAGGED", "BLOCKED"}},
		"user_id":         str,
		"amount":          {Type: "number", Format: "double"},
		"ai_risk_score":   {Type: "number", Format: "double"},
		"reason":          str,
		"sha256_hash":     str,
		"previous_hash":   {Type: "string", Nullable: true},
		"governance_hash": str,
		"timestamp":       str,
	}}
	if withDepth {
		s.Properties["chain_depth"] = apiSchema{Type: "integer"}
	}
	return s
}

func ptrSchema(s apiSchema) *apiSchema { return &s }

// docEntry is one operation as the docs page lists it.
type docEntry struct {
	Method    string
	Path      string
	Op        apiOperation
	Responses []string
}

// entries flattens the document, ordered by path then method.
func (d apiDocument) entries() []docEntry {
	var out []docEntry
	for path, item := range d.Paths {
		for method, op := range item {
			e := docEntry{Method: strings.ToUpper(method), Path: path, Op: op}
			for code := range op.Responses {
				e.Responses = append(e.Responses, code)
			}
			sort.Strings(e.Responses)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pages.doc)
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	out, err := yaml.Marshal(s.pages.doc)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to render openapi yaml")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(out)
}
