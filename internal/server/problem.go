// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
)

const problemBase = "https://edgefleet.dev/problems/"

// problem is an RFC7807 error body.
type problem struct {
	Type   string         `json:"type,omitempty"`
	Title  string         `json:"title"`
	Status int            `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Ext    map[string]any `json:"-"`
}

func newProblem(status int, title, detail string) problem {
	return problem{Status: status, Title: title, Detail: detail}
}

func (p problem) withType(slug string) problem {
	p.Type = problemBase + slug
	return p
}

func (p problem) with(key string, value any) problem {
	ext := make(map[string]any, len(p.Ext)+1)
	for k, v := range p.Ext {
		ext[k] = v
	}
	ext[key] = value
	p.Ext = ext
	return p
}

func writeProblem(w http.ResponseWriter, p problem) {
	if p.Status == 0 {
		p.Status = http.StatusInternalServerError
	}
	body := map[string]any{
		"title":  p.Title,
		"status": p.Status,
	}
	if p.Type != "" {
		body["type"] = p.Type
	}
	if p.Detail != "" {
		body["detail"] = p.Detail
	}
	for k, v := range p.Ext {
		if _, exists := body[k]; !exists {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
