package server

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/roach88/querypilot/internal/executor"
	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/normalize"
	"github.com/roach88/querypilot/internal/pipeline"
	"github.com/roach88/querypilot/internal/validate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandRequest is the body of POST /v1/commands.
type CommandRequest struct {
	Text       string `json:"text"`
	Collection string `json:"collection,omitempty"`
	Explain    bool   `json:"explain,omitempty"`

	// DryRun generates and validates without executing.
	DryRun bool `json:"dry_run,omitempty"`
}

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	Text    string              `json:"text,omitempty"`
	Request jsoniter.RawMessage `json:"request"`
	Explain bool                `json:"explain,omitempty"`
}

// CommandResponse describes a processed command.
type CommandResponse struct {
	ID          string              `json:"id,omitempty"`
	Text        string              `json:"text"`
	Collection  string              `json:"collection"`
	Request     jsoniter.RawMessage `json:"request"`
	Explanation string              `json:"explanation,omitempty"`
	Cached      bool                `json:"cached,omitempty"`
	Executed    bool                `json:"executed"`
	Summary     string              `json:"summary,omitempty"`
	Result      jsoniter.RawMessage `json:"result,omitempty"`
}

// ValidateResponse is the body returned by POST /v1/validate.
type ValidateResponse struct {
	Valid   bool    `json:"valid"`
	Kind    ir.Kind `json:"operation,omitempty"`
	Message string  `json:"message"`
	Field   string  `json:"field,omitempty"`
}

// HistoryItem is one entry of GET /v1/history.
type HistoryItem struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
	Collection string    `json:"collection"`
	Summary    string    `json:"summary"`

	Result jsoniter.RawMessage `json:"result,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Version   string `json:"version"`
	IRVersion string `json:"ir_version"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "text is required")
		return
	}

	p := s.session(r)
	plan, err := p.Prepare(r.Context(), pipeline.Request{
		Text:       body.Text,
		Collection: body.Collection,
		Explain:    body.Explain,
	})
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if body.DryRun {
		writeJSON(w, http.StatusOK, planResponse(plan))
		return
	}
	s.execute(w, r, p, plan)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return
	}
	if len(body.Request) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "request is required")
		return
	}
	doc, err := ir.Parse(string(body.Request))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	p := s.session(r)
	text := body.Text
	if text == "" {
		text = doc.JSON()
	}
	plan, err := p.PlanDocument(r.Context(), text, "", doc)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if body.Explain {
		p.Explain(r.Context(), plan)
	}
	s.execute(w, r, p, plan)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, p *pipeline.Pipeline, plan *pipeline.Plan) {
	out, err := p.Execute(r.Context(), plan)
	if err != nil {
		var raw []byte
		if out != nil {
			raw, _ = executor.MarshalResult(out.Result)
		}
		writeFailure(w, err, raw)
		return
	}
	raw, err := executor.MarshalResult(out.Result)
	if err != nil {
		s.logger.Error("render result", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to render result")
		return
	}
	resp := planResponse(plan)
	resp.Executed = true
	resp.ID = out.Entry.ID
	resp.Summary = out.Entry.ResultSummary
	resp.Result = raw
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var raw jsoniter.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return
	}
	doc, err := ir.Parse(normalize.Normalize(string(raw)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	v := validate.Validate(doc)
	status := http.StatusOK
	if !v.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, ValidateResponse{Valid: v.Valid, Kind: doc.Kind(), Message: v.Message, Field: v.Field})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.session(r).History().Entries()
	items := make([]HistoryItem, len(entries))
	for i, e := range entries {
		items[i] = HistoryItem{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			Text:       e.OriginalText,
			Collection: e.Collection,
			Summary:    e.ResultSummary,
		}
		if e.Result != nil {
			if raw, err := executor.MarshalResult(e.Result); err == nil {
				items[i].Result = raw
			}
		}
	}
	writeJSON(w, http.StatusOK, items)
}

func planResponse(plan *pipeline.Plan) CommandResponse {
	return CommandResponse{
		Text:        plan.Text,
		Collection:  plan.Collection,
		Request:     jsoniter.RawMessage(plan.Document.JSON()),
		Explanation: plan.Explanation,
		Cached:      plan.Cached,
	}
}
