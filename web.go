// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// dashboardSource is what the web server needs from the monitor
type dashboardSource interface {
	Snapshot() (*Snapshot, error)
	Status() MonitorStatus
	Healthy() bool
	Refresh(ctx context.Context) error
	RequestRefresh()
	SubmitMeterReading(ctx context.Context, value int) (json.RawMessage, error)
}

type SnapshotResponse struct {
	Summary   SnapshotSummary                 `json:"summary"`
	Status    MonitorStatus                   `json:"status"`
	Resources map[ResourceKey]json.RawMessage `json:"resources"`
}

type meterReadingPayload struct {
	Value *int `json:"value"`
}

type WebServer struct {
	source  dashboardSource
	server  *http.Server
	router  *mux.Router
	logger  *Logger
	metrics *Metrics
}

func NewWebServer(source dashboardSource, port int, logger *Logger) *WebServer {
	router := mux.NewRouter()

	ws := &WebServer{
		source: source,
		router: router,
		logger: logger.WithComponent("web"),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.HandleFunc("/", ws.handleDashboard).Methods("GET")
	router.HandleFunc("/healthz", ws.handleHealth).Methods("GET")
	router.HandleFunc("/api/snapshot", ws.handleSnapshotAPI).Methods("GET")
	router.HandleFunc("/api/refresh", ws.handleRefreshAPI).Methods("POST")
	router.HandleFunc("/api/meter-reading", ws.handleMeterReadingAPI).Methods("POST")
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		ws.metrics.Handler().ServeHTTP(w, r)
	}).Methods("GET")

	return ws
}

func (ws *WebServer) SetMetrics(metrics *Metrics) {
	ws.metrics = metrics
}

// Handler exposes the router, mainly for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.server.Addr)
	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !ws.source.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "stale")
		return
	}
	fmt.Fprintln(w, "ok")
}

func (ws *WebServer) handleSnapshotAPI(w http.ResponseWriter, r *http.Request) {
	snap, err := ws.source.Snapshot()
	if snap == nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SnapshotResponse{
		Summary:   snap.Summarize(time.Now()),
		Status:    ws.source.Status(),
		Resources: snap.Resources,
	})
}

// handleRefreshAPI queues a refresh. With ?wait=true the cycle runs inline
// and its outcome is returned.
func (ws *WebServer) handleRefreshAPI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") != "true" {
		ws.source.RequestRefresh()
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "queued": true})
		return
	}

	if err := ws.source.Refresh(r.Context()); err != nil {
		ws.logger.Warn("On-demand refresh failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (ws *WebServer) handleMeterReadingAPI(w http.ResponseWriter, r *http.Request) {
	var payload meterReadingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "value must be an integer")
		return
	}
	if payload.Value == nil {
		writeJSONError(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := validateMeterValue(*payload.Value); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	response, err := ws.source.SubmitMeterReading(r.Context(), *payload.Value)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		ws.logger.Error("Meter reading submission failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"response": response,
	})
}

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"lei": formatLei,
	"num": func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%g", *v)
	},
	"yesno": func(v *bool) string {
		if v == nil {
			return "n/a"
		}
		if *v {
			return "yes"
		}
		return "no"
	},
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return formatDuration(time.Since(t)) + " ago"
	},
}).Parse(dashboardHTML))

type dashboardData struct {
	Summary *SnapshotSummary
	Status  MonitorStatus
	Error   string
	Version string
}

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{
		Status:  ws.source.Status(),
		Version: GetVersion(),
	}
	snap, err := ws.source.Snapshot()
	if snap != nil {
		summary := snap.Summarize(time.Now())
		data.Summary = &summary
	} else if err != nil {
		data.Error = err.Error()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		ws.logger.Error("Failed to render dashboard", "error", err)
	}
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta http-equiv="refresh" content="60">
    <title>E·ON România Dashboard</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            background: linear-gradient(135deg, #c81e1e 0%, #7a1010 100%);
            color: white;
            min-height: 100vh;
            padding: 20px;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        .header { text-align: center; margin-bottom: 40px; }
        .header h1 { font-size: 2.5rem; margin-bottom: 10px; }
        .status, .section {
            background: rgba(255, 255, 255, 0.1);
            backdrop-filter: blur(10px);
            border-radius: 10px;
            padding: 20px;
            margin-bottom: 30px;
        }
        .status {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(200px, 1fr));
            gap: 20px;
        }
        .status-item { text-align: center; }
        .status-value { font-size: 1.5rem; font-weight: bold; margin-bottom: 5px; }
        .section h2 {
            margin-bottom: 20px;
            font-size: 1.5rem;
            border-bottom: 2px solid rgba(255, 255, 255, 0.3);
            padding-bottom: 10px;
        }
        table { width: 100%; border-collapse: collapse; }
        td, th { padding: 6px 4px; text-align: left; border-bottom: 1px solid rgba(255, 255, 255, 0.2); }
        .overdue { color: #fca5a5; font-weight: bold; }
        .error { color: #fde68a; }
        .footer { text-align: center; margin-top: 30px; opacity: 0.7; }
    </style>
</head>
<body>
<div class="container">
    <div class="header">
        <h1>E·ON România</h1>
        <div>Account {{.Status.AccountContract}}</div>
    </div>

    <div class="status">
        <div class="status-item"><div class="status-value">{{since .Status.LastSuccess}}</div><div>Last refresh</div></div>
        <div class="status-item"><div class="status-value">{{.Status.ConsecutiveFailures}}</div><div>Failed cycles</div></div>
        {{with .Summary}}
        <div class="status-item"><div class="status-value">{{.Missing}}</div><div>Missing resources</div></div>
        {{with .Invoices}}<div class="status-item"><div class="status-value">{{lei .TotalUnpaid}}</div><div>Unpaid</div></div>{{end}}
        {{end}}
    </div>

    {{if .Status.LastError}}<div class="section error">Last error: {{.Status.LastError}}</div>{{end}}
    {{if .Error}}<div class="section error">{{.Error}}</div>{{end}}

    {{with .Summary}}
    {{with .Contract}}
    <div class="section">
        <h2>Contract</h2>
        <table>
            <tr><td>Account contract</td><td>{{.AccountContract}}</td></tr>
            <tr><td>Consumption point</td><td>{{.ConsumptionPointCode}}</td></tr>
            <tr><td>POD</td><td>{{.POD}}</td></tr>
            <tr><td>Distributor</td><td>{{.DistributorName}}</td></tr>
            <tr><td>Price (excl. VAT)</td><td>{{num .ContractualPrice}} lei</td></tr>
            <tr><td>Price (incl. VAT)</td><td>{{num .ContractualPriceWithVAT}} lei</td></tr>
            <tr><td>Address</td><td>{{.Address}}</td></tr>
            <tr><td>Next verification</td><td>{{.VerificationExpirationDate}}</td></tr>
            <tr><td>Next revision</td><td>{{.RevisionExpirationDate}}</td></tr>
        </table>
    </div>
    {{end}}

    {{with .MeterIndex}}
    <div class="section">
        <h2>Meter index</h2>
        <table>
            <tr><th>Device</th><th>Index</th><th>Last validated</th><th>Sent at</th></tr>
            {{range .Devices}}
            <tr><td>{{.DeviceNumber}}</td><td>{{num .Value}}</td><td>{{num .OldValue}}</td><td>{{.SentAt}}</td></tr>
            {{end}}
        </table>
        <p>Reading window {{.ReadingPeriod.StartDate}} to {{.ReadingPeriod.EndDate}}, self-reading allowed: {{yesno .ReadingPeriod.AllowedReading}}, current reading: {{.ReadingPeriod.ReadingTypeLabel}}</p>
    </div>
    {{end}}

    {{with .Invoices}}
    <div class="section">
        <h2>Unpaid invoices</h2>
        {{if .Invoices}}
        <table>
            <tr><th>Due</th><th>Amount</th><th>Days left</th></tr>
            {{range .Invoices}}
            <tr{{if .Overdue}} class="overdue"{{end}}><td>{{.MaturityDate}}</td><td>{{lei .Amount}}</td><td>{{with .DaysUntilDue}}{{.}}{{end}}</td></tr>
            {{end}}
        </table>
        {{else}}<p>No unpaid invoices</p>{{end}}
    </div>
    {{end}}

    {{if .Payments}}
    <div class="section">
        <h2>Payments</h2>
        <table>
            <tr><th>Year</th><th>Payments</th><th>Total</th></tr>
            {{range .Payments}}<tr><td>{{.Year}}</td><td>{{.Count}}</td><td>{{lei .Total}}</td></tr>{{end}}
        </table>
    </div>
    {{end}}

    {{if .History}}
    <div class="section">
        <h2>Reading history</h2>
        <table>
            <tr><th>Year</th><th>Readings</th></tr>
            {{range .History}}<tr><td>{{.Year}}</td><td>{{.ReadingCount}}</td></tr>{{end}}
        </table>
    </div>
    {{end}}
    {{end}}

    <div class="footer">eonwatch {{.Version}}</div>
</div>
</body>
</html>`
