package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/mmr-tortoise/dil/internal/engine"
	"github.com/mmr-tortoise/dil/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// dashboardRecent is how many records the dashboard lists.
const dashboardRecent = 10

// redocScript is the pinned ReDoc bundle /redoc loads.
const redocScript = "https://cdn.redoc.ly/redoc/v2.1.5/bundles/redoc.standalone.js"

type pages struct {
	dashboard *template.Template
	docs      *template.Template
	redoc     *template.Template
	doc       apiDocument
}

func loadPages() (*pages, error) {
	funcs := template.FuncMap{
		"short": func(h string) string {
			if len(h) > 16 {
				return h[:16] + "…"
			}
			return h
		},
		"money": func(f float64) string { return "$" + humanize.FormatFloat("#,###.##", f) },
		"score": func(f float64) string { return fmt.Sprintf("%.2f", f) },
		"lower": func(d model.Decision) string {
			switch d {
			case model.DecisionApproved:
				return "approved"
			case model.DecisionFlagged:
				return "flagged"
			default:
				return "blocked"
			}
		},
	}

	parse := func(name string) (*template.Template, error) {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return t, nil
	}

	dashboard, err := parse("dashboard.html")
	if err != nil {
		return nil, err
	}
	docs, err := parse("docs.html")
	if err != nil {
		return nil, err
	}
	redoc, err := parse("redoc.html")
	if err != nil {
		return nil, err
	}
	return &pages{dashboard: dashboard, docs: docs, redoc: redoc, doc: openAPI()}, nil
}

type dashboardData struct {
	Title          string
	LedgerSize     int
	ChainIntegrity bool
	CurrentHash    string
	Guardrails     engine.Guardrails
	Recent         []model.AuditRecord
}

type docsData struct {
	Title   string
	Info    apiInfo
	Entries []docEntry
}

type redocData struct {
	Title     string
	SpecURL   string
	ScriptURL string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	eng := s.cfg.Engine
	recent := eng.Ledger(dashboardRecent)
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	s.render(w, s.pages.dashboard, dashboardData{
		Title:          "DIL - Deterministic Integrity Layer",
		LedgerSize:     eng.LedgerSize(),
		ChainIntegrity: eng.ChainIntegrity(),
		CurrentHash:    eng.CurrentHash(),
		Guardrails:     eng.Guardrails(),
		Recent:         recent,
	})
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	s.render(w, s.pages.docs, docsData{
		Title:   s.pages.doc.Info.Title + " - API",
		Info:    s.pages.doc.Info,
		Entries: s.pages.doc.entries(),
	})
}

// handleRedoc renders the same OpenAPI document as /docs with ReDoc.
func (s *Server) handleRedoc(w http.ResponseWriter, r *http.Request) {
	s.render(w, s.pages.redoc, redocData{
		Title:     s.pages.doc.Info.Title + " - ReDoc",
		SpecURL:   "/openapi.json",
		ScriptURL: redocScript,
	})
}

// render executes into a buffer first so a template error can still
// produce a clean 500.
func (s *Server) render(w http.ResponseWriter, t *template.Template, data any) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		s.log.Error().Err(err).Str("template", t.Name()).Msg("failed to render page")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
