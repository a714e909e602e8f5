package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ctrlai/remotellm/internal/connectorstore"
	"github.com/ctrlai/remotellm/internal/exchangelog"
	"github.com/ctrlai/remotellm/internal/transport"
)

// adminAPI is the broker's loopback-only control surface: the "admin
// actions" spec.md §4.5/§6 says are invoked by the out-of-scope portal.
// `broker connectors` below is that portal's CLI replacement, talking to
// this API the same way `ctrlai stop` talks to the proxy's /shutdown.
type adminAPI struct {
	store       *connectorstore.Store
	transport   *transport.Server
	exchangeLog *exchangelog.Log
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/connectors", a.handleList)
	mux.HandleFunc("/admin/connectors/approve", a.handleApprove)
	mux.HandleFunc("/admin/connectors/revoke", a.handleRevoke)
	mux.HandleFunc("/admin/connectors/delete", a.handleDelete)
	mux.HandleFunc("/admin/exchanges", a.handleExchanges)
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

func (a *adminAPI) guard(w http.ResponseWriter, r *http.Request) bool {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	if a.store == nil {
		http.Error(w, "admin actions require approval-workflow mode", http.StatusNotImplemented)
		return false
	}
	return true
}

type connectorView struct {
	ConnectorID string   `json:"connector_id"`
	DisplayName string   `json:"display_name"`
	Models      []string `json:"models"`
	Status      string   `json:"status"`
}

func (a *adminAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if !a.guard(w, r) {
		return
	}
	records := a.store.List()
	out := make([]connectorView, 0, len(records))
	for _, c := range records {
		out = append(out, connectorView{
			ConnectorID: c.ConnectorID,
			DisplayName: c.DisplayName,
			Models:      c.Models,
			Status:      string(c.Status),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (a *adminAPI) handleApprove(w http.ResponseWriter, r *http.Request) {
	if !a.guard(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	apiKey, err := a.store.Approve(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	a.transport.NotifyApproval(id, apiKey)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		APIKey string `json:"api_key"`
	}{apiKey})
}

func (a *adminAPI) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !a.guard(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	reason := r.URL.Query().Get("reason")
	ok, err := a.store.Revoke(id, reason)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	a.transport.NotifyRevoke(id, reason)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Revoked bool `json:"revoked"`
	}{ok})
}

func (a *adminAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !a.guard(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	ok := a.store.Delete(id)
	if !ok {
		http.Error(w, "connector not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExchanges surfaces exchangelog.Query over the admin API so
// `broker exchanges` (and any other operator tooling) doesn't have to
// open the sqlite file directly.
func (a *adminAPI) handleExchanges(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if a.exchangeLog == nil {
		http.Error(w, "exchange logging is not configured", http.StatusNotImplemented)
		return
	}
	params := exchangelog.QueryParams{
		Model:       r.URL.Query().Get("model"),
		ConnectorID: r.URL.Query().Get("connector_id"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		params.Limit = n
	}
	entries, err := a.exchangeLog.Query(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
