// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"encoding/json"
	"html/template"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	log "github.com/pitchai/service-monitor/pkg/util/log"
)

// UI cookies carry only hashes, never raw tokens.
const (
	uiCookieName      = "e2e_token_hash"
	monitorCookieName = "e2e_monitor_hash"
)

var uiFuncs = template.FuncMap{
	"fmtTS": func(ts float64) string {
		return time.Unix(int64(ts), 0).UTC().Format("2006-01-02 15:04:05")
	},
	"deref": func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	},
}

var uiTemplates = template.Must(template.New("ui").Funcs(uiFuncs).Parse(`
{{define "layout_head"}}<!doctype html>
<html><head><title>E2E Registry</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 4px 10px; text-align: left; }
.ok { color: #070; } .down { color: #b00; } .muted { color: #888; }
pre { background: #f5f5f5; padding: 1em; overflow-x: auto; }
</style></head><body>{{end}}
{{define "layout_foot"}}</body></html>{{end}}

{{define "login"}}{{template "layout_head" .}}
<h1>E2E Registry</h1>
{{if .Error}}<p class="down">{{.Error}}</p>{{end}}
<form method="post" action="/ui/login">
  <label>API key <input type="password" name="api_key" size="48"></label>
  <button type="submit">Sign in</button>
</form>
{{template "layout_foot" .}}{{end}}

{{define "tests"}}{{template "layout_head" .}}
<h1>Tests / {{.Tenant.Name}}</h1>
<p><a href="/ui/upload">Upload code test</a> | <form style="display:inline" method="post" action="/ui/logout"><button>Sign out</button></form></p>
<table>
<tr><th>Name</th><th>Kind</th><th>Base URL</th><th>State</th><th></th></tr>
{{range .Tests}}
<tr>
  <td><a href="/ui/tests/{{.ID}}">{{.Name}}</a></td>
  <td>{{.Kind}}</td>
  <td>{{.BaseURL}}</td>
  <td>{{if .Enabled}}enabled{{else}}<span class="muted">disabled: {{.DisabledReason}}</span>{{end}}</td>
  <td><form method="post" action="/ui/tests/{{.ID}}/run"><button>Run now</button></form></td>
</tr>
{{end}}
</table>
{{template "layout_foot" .}}{{end}}

{{define "test_detail"}}{{template "layout_head" .}}
<h1>{{.Test.Name}}</h1>
<p><a href="/ui/tests">&larr; tests</a></p>
<p>Kind: {{.Test.Kind}} | Base URL: {{.Test.BaseURL}} | Interval: {{.Test.IntervalSeconds}}s
{{if .Test.Enabled}} | enabled{{else}} | <span class="down">disabled: {{.Test.DisabledReason}}</span>{{end}}</p>
<form method="post" action="/ui/tests/{{.Test.ID}}/run" style="display:inline"><button>Run now</button></form>
{{if .Test.Enabled}}
<form method="post" action="/ui/tests/{{.Test.ID}}/disable" style="display:inline">
  <input name="reason" placeholder="reason"><button>Disable</button>
</form>
{{else}}
<form method="post" action="/ui/tests/{{.Test.ID}}/enable" style="display:inline"><button>Enable</button></form>
{{end}}
{{if .Test.DefinitionJSON}}<h2>Definition</h2><pre>{{.Test.DefinitionJSON}}</pre>{{end}}
{{if .Test.SourceRelPath}}<p>Source: {{.Test.SourceRelPath}} (sha256 {{.Test.SourceSHA256}})</p>{{end}}
<h2>Recent runs</h2>
<table>
<tr><th>When</th><th>Status</th><th>Error</th><th>Elapsed</th></tr>
{{range .Runs}}
<tr>
  <td><a href="/ui/runs/{{.ID}}">{{.CreatedAt | fmtTS}}</a></td>
  <td class="{{if eq .Status "pass"}}ok{{else}}down{{end}}">{{.Status}}</td>
  <td>{{.ErrorKind}}</td>
  <td>{{if .ElapsedMS}}{{printf "%.0fms" (deref .ElapsedMS)}}{{end}}</td>
</tr>
{{end}}
</table>
{{template "layout_foot" .}}{{end}}

{{define "run_detail"}}{{template "layout_head" .}}
<h1>Run {{.Run.ID}}</h1>
<p><a href="/ui/tests/{{.Run.TestID}}">&larr; test</a></p>
<p>Status: <span class="{{if eq .Run.Status "pass"}}ok{{else}}down{{end}}">{{.Run.Status}}</span>
{{if .Run.ErrorKind}} | {{.Run.ErrorKind}}{{end}}</p>
{{if .Run.ErrorMessage}}<pre>{{.Run.ErrorMessage}}</pre>{{end}}
{{if .Run.FinalURL}}<p>Final URL: {{.Run.FinalURL}}</p>{{end}}
{{if .Run.Artifacts}}
<h2>Artifacts</h2>
<ul>
{{range .Run.Artifacts}}<li><a href="/api/v1/runs/{{$.Run.ID}}/artifacts/{{.}}">{{.}}</a></li>{{end}}
</ul>
{{end}}
{{template "layout_foot" .}}{{end}}

{{define "upload"}}{{template "layout_head" .}}
<h1>Upload code test</h1>
<p><a href="/ui/tests">&larr; tests</a></p>
<form method="post" action="/api/v1/tests/upload" enctype="multipart/form-data">
  <p><label>Name <input name="name"></label></p>
  <p><label>Kind <select name="kind">
    <option value="playwright_python">playwright_python</option>
    <option value="puppeteer_js">puppeteer_js</option>
  </select></label></p>
  <p><label>Base URL <input name="base_url" size="48"></label></p>
  <p><label>Source <input type="file" name="source"></label></p>
  <p><button type="submit">Upload</button></p>
</form>
{{template "layout_foot" .}}{{end}}

{{define "monitor_login"}}{{template "layout_head" .}}
<h1>Monitor dashboard</h1>
{{if .Error}}<p class="down">{{.Error}}</p>{{end}}
<form method="post" action="/ui/monitor/login">
  <label>Monitor token <input type="password" name="token" size="48"></label>
  <button type="submit">Sign in</button>
</form>
{{template "layout_foot" .}}{{end}}

{{define "monitor"}}{{template "layout_head" .}}
<h1>Monitor dashboard</h1>
<h2>Test summary</h2>
<table>
<tr><th>Tenant</th><th>Test</th><th>Kind</th><th>State</th><th>Fail streak</th><th>Last status</th></tr>
{{range .Summary}}
<tr>
  <td>{{.TenantName}}</td><td>{{.Name}}</td><td>{{.Kind}}</td>
  <td class="{{if .EffectiveOK}}ok{{else}}down{{end}}">{{if .EffectiveOK}}UP{{else}}DOWN{{end}}</td>
  <td>{{.FailStreak}}</td><td>{{.LastStatus}}</td>
</tr>
{{end}}
</table>
<h2>Dispatch history</h2>
<table>
<tr><th>When</th><th>Test</th><th>Bundle</th><th>Status</th></tr>
{{range .DispatchRuns}}
<tr><td>{{.TS | fmtTS}}</td><td>{{.TestID}}</td><td>{{.Bundle}}</td><td>{{.Status}}</td></tr>
{{end}}
</table>
{{if .MonitorState}}<h2>Monitor state</h2><pre>{{.MonitorState}}</pre>{{end}}
{{template "layout_foot" .}}{{end}}
`))

func (s *Server) registerUI(r *mux.Router) {
	ui := r.PathPrefix("/ui").Subrouter()
	ui.HandleFunc("/login", s.uiLoginForm).Methods(http.MethodGet)
	ui.HandleFunc("/login", s.uiLogin).Methods(http.MethodPost)
	ui.HandleFunc("/logout", s.uiLogout).Methods(http.MethodPost)
	ui.HandleFunc("/tests", s.requireTenant(s.uiTests)).Methods(http.MethodGet)
	ui.HandleFunc("/tests/{id}", s.requireTenant(s.uiTestDetail)).Methods(http.MethodGet)
	ui.HandleFunc("/tests/{id}/run", s.requireTenant(s.uiRunNow)).Methods(http.MethodPost)
	ui.HandleFunc("/tests/{id}/disable", s.requireTenant(s.uiDisable)).Methods(http.MethodPost)
	ui.HandleFunc("/tests/{id}/enable", s.requireTenant(s.uiEnable)).Methods(http.MethodPost)
	ui.HandleFunc("/runs/{id}", s.requireTenant(s.uiRunDetail)).Methods(http.MethodGet)
	ui.HandleFunc("/upload", s.requireTenant(s.uiUploadForm)).Methods(http.MethodGet)
	ui.HandleFunc("/monitor/login", s.uiMonitorLoginForm).Methods(http.MethodGet)
	ui.HandleFunc("/monitor/login", s.uiMonitorLogin).Methods(http.MethodPost)
	ui.HandleFunc("/monitor", s.uiMonitor).Methods(http.MethodGet)

	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/tests", http.StatusFound)
	})
}

func render(w http.ResponseWriter, name string, data interface{}) {
	if err := uiTemplates.ExecuteTemplate(w, name, data); err != nil {
		log.Errorf("render %s: %v", name, err)
	}
}

func (s *Server) uiLoginForm(w http.ResponseWriter, r *http.Request) {
	render(w, "login", map[string]interface{}{"Error": ""})
}

// uiLogin hashes the submitted key and keeps only the hash in the
// cookie. HTTP-only and lax so the browser never exposes it to scripts
// or cross-site posts.
func (s *Server) uiLogin(w http.ResponseWriter, r *http.Request) {
	key := r.FormValue("api_key")
	hash := HashToken(key)
	_, ok, err := s.store.TenantForTokenHash(r.Context(), hash)
	if err != nil || !ok {
		render(w, "login", map[string]interface{}{"Error": "invalid API key"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     uiCookieName,
		Value:    hash,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/ui/tests", http.StatusFound)
}

func (s *Server) uiLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: uiCookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/ui/login", http.StatusFound)
}

func (s *Server) uiTests(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	tests, err := s.store.ListTests(r.Context(), tenant.ID)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	render(w, "tests", map[string]interface{}{"Tenant": tenant, "Tests": tests})
}

func (s *Server) uiTestDetail(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	test, found, err := s.store.GetTest(r.Context(), tenant.ID, id)
	if err != nil || !found {
		http.NotFound(w, r)
		return
	}
	runs, _ := s.store.ListRuns(r.Context(), tenant.ID, id, 30)
	render(w, "test_detail", map[string]interface{}{"Test": test, "Runs": runs})
}

func (s *Server) uiRunNow(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	s.store.RunNow(r.Context(), tenant.ID, id) //nolint:errcheck
	http.Redirect(w, r, "/ui/tests/"+id, http.StatusFound)
}

func (s *Server) uiDisable(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	s.store.SetDisabled(r.Context(), tenant.ID, id, r.FormValue("reason"), nil) //nolint:errcheck
	http.Redirect(w, r, "/ui/tests/"+id, http.StatusFound)
}

func (s *Server) uiEnable(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	s.store.Enable(r.Context(), tenant.ID, id) //nolint:errcheck
	http.Redirect(w, r, "/ui/tests/"+id, http.StatusFound)
}

func (s *Server) uiRunDetail(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	run, found, err := s.store.GetRun(r.Context(), tenant.ID, id)
	if err != nil || !found {
		http.NotFound(w, r)
		return
	}
	render(w, "run_detail", map[string]interface{}{"Run": run})
}

func (s *Server) uiUploadForm(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	render(w, "upload", map[string]interface{}{"Tenant": tenant})
}

func (s *Server) uiMonitorLoginForm(w http.ResponseWriter, r *http.Request) {
	render(w, "monitor_login", map[string]interface{}{"Error": ""})
}

func (s *Server) uiMonitorLogin(w http.ResponseWriter, r *http.Request) {
	token := r.FormValue("token")
	if !TokensEqual(token, s.settings.MonitorToken) {
		render(w, "monitor_login", map[string]interface{}{"Error": "invalid token"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     monitorCookieName,
		Value:    HashToken(token),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/ui/monitor", http.StatusFound)
}

func (s *Server) monitorCookieValid(r *http.Request) bool {
	c, err := r.Cookie(monitorCookieName)
	if err != nil {
		return false
	}
	return TokensEqual(c.Value, HashToken(s.settings.MonitorToken))
}

// uiMonitor renders the cross-tenant dashboard: summary, dispatch
// history and the most recent monitor state file when available.
func (s *Server) uiMonitor(w http.ResponseWriter, r *http.Request) {
	if !s.monitorCookieValid(r) {
		http.Redirect(w, r, "/ui/monitor/login", http.StatusFound)
		return
	}
	summary, _ := s.store.Summary(r.Context(), "")
	dispatchRuns, _ := s.store.ListDispatchRuns(r.Context(), "", 50)

	var statePretty string
	if s.MonitorStatePath != "" {
		if raw, err := os.ReadFile(s.MonitorStatePath); err == nil {
			var v interface{}
			if json.Unmarshal(raw, &v) == nil {
				if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
					statePretty = string(pretty)
				}
			}
		}
	}
	render(w, "monitor", map[string]interface{}{
		"Summary":      summary,
		"DispatchRuns": dispatchRuns,
		"MonitorState": statePretty,
	})
}
