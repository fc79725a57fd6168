// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package registry

import (
	"encoding/json"
	"net/http"
)

// Machine-readable API error codes.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeRateLimited       = "rate_limited"
	CodeRunnerUnavailable = "runner_unavailable"
	CodeInternal          = "internal"
)

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorDetails(w, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, map[string]apiError{
		"error": {Code: code, Message: message, Details: details},
	})
}

func writeInvalid(w http.ResponseWriter, message string, details map[string]string) {
	writeErrorDetails(w, http.StatusBadRequest, CodeInvalidRequest, message, details)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid credentials")
}

// Resources outside the caller's tenant answer not_found, never forbidden,
// so the API does not leak other tenants' ids.
func writeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, CodeNotFound, "no such resource")
}

func writeInternal(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
