package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"datapilot/pkg/router"
	"datapilot/pkg/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := api.store.Ping(r.Context()); err != nil {
		api.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) handleListRouters(w http.ResponseWriter, r *http.Request) {
	routers, err := api.store.ListRouters(r.Context())
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{"routers": routers})
}

func (api *API) handleCreateRouter(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusCreated, map[string]string{"id": router.NewSessionID()})
}

func (api *API) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rt, err := api.store.GetRouter(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.writeError(w, http.StatusNotFound, "router not found")
			return
		}
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, rt)
}

type activateRequest struct {
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
}

// handleActivate runs one turn. Simple chat turns answer inline; complex
// turns return a planner-in-flight acknowledgement and deliver the response
// over the WebSocket later.
func (api *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		api.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := api.router.Activate(r.Context(), id, req.Message, req.Files); err != nil {
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rt, err := api.store.GetRouter(r.Context(), id)
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rt.Status == store.RouterStatusProcessing {
		api.writeJSON(w, http.StatusAccepted, map[string]string{
			"router_id": id,
			"status":    "planner_in_flight",
		})
		return
	}

	response := api.lastAssistantMessage(r, id)
	api.writeJSON(w, http.StatusOK, map[string]string{
		"router_id": id,
		"status":    "completed",
		"response":  response,
	})
}

func (api *API) lastAssistantMessage(r *http.Request, routerID string) string {
	msgs, err := api.store.GetMessages(r.Context(), store.AgentRouter, routerID)
	if err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != store.RoleAssistant {
			continue
		}
		var text string
		if json.Unmarshal(msgs[i].Content, &text) == nil {
			return text
		}
		return string(msgs[i].Content)
	}
	return ""
}

func (api *API) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	title, err := api.router.UpdateTitle(r.Context(), id)
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (api *API) handleGetRouterMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := api.store.GetMessages(r.Context(), store.AgentRouter, id)
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// handlePlannerInfo resolves the planner backing an assistant message and
// returns its plan and status.
func (api *API) handlePlannerInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := api.store.GetPlannerForMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.writeError(w, http.StatusNotFound, "message has no planner")
			return
		}
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"planner_id":     p.ID,
		"status":         p.Status,
		"execution_plan": p.ExecutionPlan,
		"user_response":  p.UserResponse,
	})
}

func (api *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := api.store.GetUsageReport(r.Context())
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.writeJSON(w, http.StatusOK, report)
}

type wsInbound struct {
	Type    string   `json:"type"`
	Message string   `json:"message,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// handleWebSocket attaches the client as the router's event listener and
// services inbound frames: load_router replays the message history, message
// runs a turn. Responses arrive as hub events, never as direct replies.
func (api *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	api.hub.Attach(id, conn)
	go func() {
		// The request context dies with this handler; turns outlive it.
		ctx := context.Background()
		defer func() {
			api.hub.Detach(id, conn)
			conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in wsInbound
			if err := json.Unmarshal(data, &in); err != nil {
				api.hub.Error(id, "unreadable message")
				continue
			}
			switch in.Type {
			case "load_router":
				msgs, err := api.store.GetMessages(ctx, store.AgentRouter, id)
				if err != nil {
					api.hub.Error(id, err.Error())
					continue
				}
				api.hub.MessageHistory(id, msgs)
			case "message":
				if in.Message == "" {
					api.hub.Error(id, "message is required")
					continue
				}
				if err := api.router.Activate(ctx, id, in.Message, in.Files); err != nil {
					api.hub.Error(id, err.Error())
				}
			default:
				api.hub.Error(id, "unknown message type: "+in.Type)
			}
		}
	}()
}

func (api *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, status int, message string) {
	api.writeJSON(w, status, map[string]string{"error": message})
}
