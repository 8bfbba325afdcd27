// Stub agent backend for running the gateway in proxy mode without a code
// service or hardhat project.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"

	"github.com/siddimore/q402-agent-gate/pkg/q402"
)

func main() {
	addr := pflag.String("listen", ":3000", "listen address")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	logger.Info("stub agent backend starting", "addr", *addr)
	if err := http.ListenAndServe(*addr, newRouter(logger)); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newRouter(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "server": "test-backend"})
	})
	r.Post("/api/agent", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
		ref := r.Header.Get(q402.SettlementRefHeader)
		logger.Info("agent action", "action", req.Action, "settlement", ref)

		resp := map[string]interface{}{"success": true, "settlement": ref, "timestamp": time.Now().Format(time.RFC3339)}
		switch req.Action {
		case "generate":
			resp["code"] = "// SPDX-License-Identifier: MIT\npragma solidity ^0.8.20;\ncontract GenContract {}"
		case "audit":
			resp["report"] = "No issues found in stub audit."
		case "deploy":
			resp["address"] = "0x000000000000000000000000000000000000dEaD"
			resp["logs"] = "stub deploy"
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid action"})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
