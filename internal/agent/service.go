// Package agent serves the smart contract actions that sit behind the q402
// gate: generate, audit and deploy.
package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/siddimore/q402-agent-gate/pkg/policy"
	"github.com/siddimore/q402-agent-gate/pkg/q402"
)

// Request is the action request body
type Request struct {
	Action      string `json:"action"`
	Prompt      string `json:"prompt"`
	Code        string `json:"code"`
	UserAddress string `json:"userAddress"`
	Network     string `json:"network"`
}

// Service dispatches agent actions. It trusts the gate in front of it for
// policy and payment.
type Service struct {
	Code           CodeService
	Deployer       Deployer
	Networks       *q402.NetworkRegistry
	DefaultNetwork string
	Logger         *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	action := policy.NormalizeAction(req.Action)
	log := s.logger().With("action", action)

	switch action {
	case "generate":
		if strings.TrimSpace(req.Prompt) == "" {
			writeError(w, http.StatusBadRequest, "Missing prompt")
			return
		}
		code, err := s.Code.Generate(r.Context(), req.Prompt)
		if err != nil {
			s.codeServiceError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "code": code})

	case "audit":
		if strings.TrimSpace(req.Code) == "" {
			writeError(w, http.StatusBadRequest, "Missing code")
			return
		}
		report, err := s.Code.Audit(r.Context(), req.Code)
		if err != nil {
			s.codeServiceError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": report})

	case "deploy":
		if strings.TrimSpace(req.Code) == "" {
			writeError(w, http.StatusBadRequest, "Missing code")
			return
		}
		name := req.Network
		if name == "" {
			name = s.DefaultNetwork
		}
		network, ok := s.Networks.Lookup(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown network")
			return
		}
		log.InfoContext(r.Context(), "deploying contract", "network", string(network.ID))
		dep, err := s.Deployer.Deploy(r.Context(), network, req.Code)
		if dep == nil || (err != nil && !errors.Is(err, ErrAddressNotFound)) {
			log.ErrorContext(r.Context(), "deploy failed", "network", string(network.ID), "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "Deployment failed"})
			return
		}
		address := dep.Address
		if address == "" {
			address = "Error: Address not found in logs"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"address": address,
			"logs":    dep.Logs,
		})

	default:
		writeError(w, http.StatusBadRequest, "Invalid action")
	}
}

func (s *Service) codeServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if errors.Is(err, ErrMissingAPIKey) {
		writeError(w, http.StatusInternalServerError, "Server Error: Missing ChainGPT API Key.")
		return
	}
	log.ErrorContext(r.Context(), "code service failed", "error", err)
	writeJSON(w, http.StatusBadGateway, map[string]interface{}{"success": false, "error": "Code service unavailable"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
