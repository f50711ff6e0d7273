// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// StatusSource supplies the data points the read-only status HTTP surface
// reports. A *node.Node plus its routing.Engine and store.Store satisfy
// this without config importing either package.
type StatusSource interface {
	NodeID() string
	Peers() []PeerStatus
	Bundles() []BundleStatus
}

// PeerStatus is one row of the /peers endpoint.
type PeerStatus struct {
	NodeID   string `json:"node_id"`
	Address  string `json:"address"`
	LastSeen string `json:"last_seen"`
}

// BundleStatus is one row of the /bundles endpoint.
type BundleStatus struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Expires     string `json:"expires"`
}

// NewStatusRouter builds the read-only status surface: /status, /peers,
// /bundles. No endpoint accepts a bundle or mutates node state.
func NewStatusRouter(source StatusSource) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"node_id": source.NodeID()})
	}).Methods(http.MethodGet)

	r.HandleFunc("/peers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, source.Peers())
	}).Methods(http.MethodGet)

	r.HandleFunc("/bundles", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, source.Bundles())
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
