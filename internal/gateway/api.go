// ABOUTME: HTTP JSON API handlers over the backend facade
// ABOUTME: Customers, agents, workplaces, conversations, messages, tags and ratings under /api

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// InfoResponse is the JSON response for GET /api/info.
type InfoResponse struct {
	Language string   `json:"language"`
	Channels []string `json:"channels"`
}

// DeactivateResponse is the JSON response for agent deactivation.
type DeactivateResponse struct {
	Agent     *api.Agent         `json:"agent"`
	Postponed []api.Conversation `json:"postponed"`
}

// registerAPIRoutes registers every /api route on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/info", g.handleInfo)

	mux.HandleFunc("POST /api/customers/identify", g.handleIdentifyCustomer)
	mux.HandleFunc("GET /api/customers/{id}", g.handleGetCustomer)
	mux.HandleFunc("PATCH /api/customers/{id}", g.handleUpdateCustomer)
	mux.HandleFunc("GET /api/customers/{id}/conversations", g.handleCustomerConversations)
	mux.HandleFunc("GET /api/customers/{id}/conversation", g.handleOpenConversation)

	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("POST /api/agents/identify", g.handleIdentifyAgent)
	mux.HandleFunc("POST /api/agents/find", g.handleFindAgent)
	mux.HandleFunc("POST /api/agents/grant", g.handleGrantAgent)
	mux.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", g.handleUpdateAgent)
	mux.HandleFunc("POST /api/agents/{id}/deactivate", g.handleDeactivateAgent)
	mux.HandleFunc("POST /api/agents/{id}/reactivate", g.handleReactivateAgent)
	mux.HandleFunc("GET /api/agents/{id}/workplaces", g.handleAgentWorkplaces)
	mux.HandleFunc("POST /api/agents/{id}/workplaces", g.handleRegisterWorkplace)

	mux.HandleFunc("GET /api/workplaces/{id}", g.handleGetWorkplace)
	mux.HandleFunc("GET /api/workplaces/{id}/conversation", g.handleWorkplaceConversation)

	mux.HandleFunc("GET /api/queue", g.handleQueue)
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleStartConversation)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleAddMessage)
	mux.HandleFunc("POST /api/conversations/{id}/assign", g.handleAssign)
	mux.HandleFunc("POST /api/conversations/{id}/postpone", g.handlePostpone)
	mux.HandleFunc("POST /api/conversations/{id}/resolve", g.handleResolve)
	mux.HandleFunc("POST /api/conversations/{id}/tags", g.handleAddTag)
	mux.HandleFunc("DELETE /api/conversations/{id}/tags/{tag}", g.handleRemoveTag)
	mux.HandleFunc("POST /api/conversations/{id}/rating", g.handleRate)

	mux.HandleFunc("GET /api/tags", g.handleListTags)
	mux.HandleFunc("POST /api/tags", g.handleCreateTag)

	mux.HandleFunc("GET /api/events", g.handleEvents)
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation("request body is required")
		}
		return errs.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// queryInt reads a non-negative integer query parameter, 0 when absent.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, g.logger, r, err)
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	channels := g.backend.Channels()
	if channels == nil {
		channels = []string{}
	}
	writeJSON(w, http.StatusOK, InfoResponse{Language: g.backend.Texts().Language(), Channels: channels})
}

// Customers

func (g *Gateway) handleIdentifyCustomer(w http.ResponseWriter, r *http.Request) {
	if err := requireService(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	var req IdentifyRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	c, err := g.backend.IdentifyCustomer(r.Context(), req.identification())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromCustomer(c))
}

func (g *Gateway) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := g.backend.GetCustomer(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromCustomer(c))
}

func (g *Gateway) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	if err := requireService(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	var req UpdateCustomerRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	c, err := g.backend.UpdateCustomer(r.Context(), r.PathValue("id"), req.diff())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromCustomer(c))
}

func (g *Gateway) handleCustomerConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.backend.CustomerConversations(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversations(convs))
}

func (g *Gateway) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.backend.OpenConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

// Agents

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.backend.ListAgents(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	out := make([]api.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, *api.FromAgent(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleIdentifyAgent(w http.ResponseWriter, r *http.Request) {
	if err := requireService(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	var req IdentifyRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	a, err := g.backend.IdentifyAgent(r.Context(), req.identification())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromAgent(a))
}

func (g *Gateway) handleFindAgent(w http.ResponseWriter, r *http.Request) {
	var req IdentifyRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	a, err := g.backend.FindAgent(r.Context(), req.identification())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromAgent(a))
}

func (g *Gateway) handleGrantAgent(w http.ResponseWriter, r *http.Request) {
	var req GrantAgentRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	a, err := g.ops.grantAgent(r.Context(), req)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromAgent(a))
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := g.backend.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromAgent(a))
}

func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req UpdateAgentRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	// Agents may edit their own profile but not their permissions.
	if req.Permissions != nil {
		if err := requireService(r.Context()); err != nil {
			g.fail(w, r, err)
			return
		}
	} else if err := actAs(r.Context(), id); err != nil {
		g.fail(w, r, err)
		return
	}
	a, err := g.backend.UpdateAgent(r.Context(), id, req.diff())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromAgent(a))
}

func (g *Gateway) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	if err := requireService(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	a, postponed, err := g.backend.DeactivateAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeactivateResponse{Agent: api.FromAgent(a), Postponed: api.FromConversations(postponed)})
}

func (g *Gateway) handleReactivateAgent(w http.ResponseWriter, r *http.Request) {
	if err := requireService(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	a, err := g.backend.ReactivateAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromAgent(a))
}

// Workplaces

func (g *Gateway) handleAgentWorkplaces(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		wps []*store.Workplace
		err error
	)
	if r.URL.Query().Get("available") == "true" {
		wps, err = g.backend.AvailableWorkplaces(r.Context(), id)
	} else {
		wps, err = g.backend.AgentWorkplaces(r.Context(), id)
	}
	if err != nil {
		g.fail(w, r, err)
		return
	}
	out := make([]api.Workplace, 0, len(wps))
	for _, wp := range wps {
		out = append(out, *api.FromWorkplace(wp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleRegisterWorkplace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := actAs(r.Context(), id); err != nil {
		g.fail(w, r, err)
		return
	}
	var req RegisterWorkplaceRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	wp, err := g.backend.RegisterWorkplace(r.Context(), id, req.Channel, req.Address)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromWorkplace(wp))
}

func (g *Gateway) handleGetWorkplace(w http.ResponseWriter, r *http.Request) {
	wp, err := g.backend.GetWorkplace(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromWorkplace(wp))
}

func (g *Gateway) handleWorkplaceConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.backend.WorkplaceConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

// Conversations

func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	convs, err := g.backend.Queue(r.Context(), limit)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversations(convs))
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := store.ConversationFilter{
		State:       store.ConversationState(q.Get("state")),
		CustomerID:  q.Get("customer_id"),
		AgentID:     q.Get("agent_id"),
		WorkplaceID: q.Get("workplace_id"),
		Limit:       limit,
	}
	convs, err := g.backend.ListConversations(r.Context(), filter)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversations(convs))
}

func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	if err := requireService(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	var req StartConversationRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	conv, err := g.backend.StartConversation(r.Context(), req.CustomerID)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	withMessages := r.URL.Query().Get("messages") == "true"
	conv, err := g.backend.GetConversation(r.Context(), r.PathValue("id"), withMessages)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	msgs, err := g.backend.Messages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromMessages(msgs))
}

func (g *Gateway) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req AddMessageRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.ops.addMessage(r.Context(), r.PathValue("id"), req)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if resp.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func (g *Gateway) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	conv, err := g.ops.assign(r.Context(), r.PathValue("id"), req)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

// canTouch allows services and the agent currently assigned to id.
func (g *Gateway) canTouch(r *http.Request, id string) error {
	if requireService(r.Context()) == nil {
		return nil
	}
	conv, err := g.backend.GetConversation(r.Context(), id, false)
	if err != nil {
		return err
	}
	return actAs(r.Context(), conv.AssignedAgentID)
}

func (g *Gateway) handlePostpone(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.canTouch(r, id); err != nil {
		g.fail(w, r, err)
		return
	}
	conv, err := g.backend.Postpone(r.Context(), id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.canTouch(r, id); err != nil {
		g.fail(w, r, err)
		return
	}
	conv, err := g.backend.Resolve(r.Context(), id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

func (g *Gateway) handleAddTag(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req TagRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	if err := g.canTouch(r, id); err != nil {
		g.fail(w, r, err)
		return
	}
	conv, err := g.backend.AddTag(r.Context(), id, req.Tag)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

func (g *Gateway) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.canTouch(r, id); err != nil {
		g.fail(w, r, err)
		return
	}
	conv, err := g.backend.RemoveTag(r.Context(), id, r.PathValue("tag"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

func (g *Gateway) handleRate(w http.ResponseWriter, r *http.Request) {
	if err := requireService(r.Context()); err != nil {
		g.fail(w, r, err)
		return
	}
	var req RateRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	conv, err := g.backend.Rate(r.Context(), r.PathValue("id"), req.Rating)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromConversation(conv))
}

// Tags

func (g *Gateway) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := g.backend.ListTags(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	out := make([]api.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, *api.FromTag(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req TagRequest
	if err := decodeBody(r, &req); err != nil {
		g.fail(w, r, err)
		return
	}
	tag, err := g.ops.createTag(r.Context(), req)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.FromTag(tag))
}
