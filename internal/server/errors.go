package server

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/roach88/querypilot/internal/pipeline"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Phase, Field and Detail are set for pipeline failures.
	Phase  string `json:"phase,omitempty"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Result is the failed execution result, when there is one.
	Result jsoniter.RawMessage `json:"result,omitempty"`
}

var statusByCode = map[pipeline.Code]int{
	pipeline.CodeCredentialMissing:     http.StatusServiceUnavailable,
	pipeline.CodeNetworkFailure:        http.StatusBadGateway,
	pipeline.CodeUnexpectedOracleShape: http.StatusBadGateway,
	pipeline.CodeUnparseableOutput:     http.StatusUnprocessableEntity,
	pipeline.CodeValidationFailure:     http.StatusUnprocessableEntity,
	pipeline.CodeCollectionUnavailable: http.StatusServiceUnavailable,
	pipeline.CodeStorageFailure:        http.StatusInternalServerError,
	pipeline.CodeTransactionAborted:    http.StatusConflict,
}

// StatusOf maps a pipeline failure code to an HTTP status.
func StatusOf(code pipeline.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

// writeFailure writes a pipeline failure. result is the failed execution
// result JSON, if any.
func writeFailure(w http.ResponseWriter, err error, result []byte) {
	pe, ok := pipeline.AsPhaseError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	status := StatusOf(pe.Code)
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    string(pe.Code),
		Message: pe.Message,
		Phase:   string(pe.Phase),
		Field:   pe.Field,
		Detail:  pe.Detail,
		Result:  result,
	})
}
