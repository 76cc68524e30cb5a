// Package api exposes the session-manager operations of §6's "Remote-tool
// boundary" as an HTTP surface, grounded on the teacher's own api package
// (gorilla/mux routing, swaggo/swag-annotated handlers, JSON request/response
// helpers): one endpoint per session.Manager operation instead of one per
// entity/relationship operation.
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/parcadei/ouros/models"
	"github.com/parcadei/ouros/session"
	"github.com/parcadei/ouros/vm"
)

// SessionHandler handles every /api/v1/sessions/... endpoint. It provides
// the HTTP-facing half of §6's driver API; the Go-level half (vm + session
// packages) is what it calls into.
type SessionHandler struct {
	mgr *session.Manager
}

// NewSessionHandler creates a SessionHandler backed by mgr.
func NewSessionHandler(mgr *session.Manager) *SessionHandler {
	return &SessionHandler{mgr: mgr}
}

// vmFor returns id's live VM, or nil if the session doesn't exist or has
// never run anything yet.
func (h *SessionHandler) vmFor(id string) *vm.VM {
	box, err := h.mgr.Sandbox(id)
	if err != nil {
		return nil
	}
	return box.VM()
}

// CreateSessionRequest is the body of POST /api/v1/sessions. ID is optional;
// an omitted id is generated with uuid.New(), the same "generate when the
// caller doesn't supply one" pattern the teacher's own resource-creation
// handlers use (e.g. dataspace_handler.go's uuid.New().String()).
type CreateSessionRequest struct {
	ID string `json:"id"`
}

// CreateSession registers a new, empty sandbox.
//
// @Summary Create a session
// @Description Register a new, empty sandbox under the given id, or a generated one if omitted
// @Tags sessions
// @Accept json
// @Produce json
// @Param body body CreateSessionRequest true "session id"
// @Success 201 {object} map[string]string
// @Router /api/v1/sessions [post]
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if _, err := h.mgr.CreateSession(req.ID); err != nil {
		RespondModelError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// DestroySession removes a sandbox. The default session can never be destroyed.
//
// @Summary Destroy a session
// @Tags sessions
// @Produce json
// @Param id path string true "session id"
// @Success 204
// @Router /api/v1/sessions/{id} [delete]
func (h *SessionHandler) DestroySession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.mgr.DestroySession(id); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns every registered session id.
//
// @Summary List sessions
// @Tags sessions
// @Produce json
// @Success 200 {object} map[string][]string
// @Router /api/v1/sessions [get]
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string][]string{"sessions": h.mgr.ListSessions()})
}

// ExecuteRequest is the body of POST /api/v1/sessions/{id}/execute.
type ExecuteRequest struct {
	Program *vm.CompiledProgram  `json:"program"`
	Limits  *vm.Limits           `json:"limits,omitempty"`
	Inputs  map[string]WireValue `json:"inputs,omitempty"`
}

// SuspensionResponse is the wire form of a vm.SuspensionState.
type SuspensionResponse struct {
	Kind           string               `json:"kind"`
	Value          *WireValue           `json:"value,omitempty"`
	Call           *ExternalCallWire    `json:"call,omitempty"`
	PendingCallIDs []uint64             `json:"pending_call_ids,omitempty"`
}

// ExternalCallWire is the wire form of a pending external call.
type ExternalCallWire struct {
	FunctionName string               `json:"function_name"`
	CallID       uint64               `json:"call_id"`
	Args         []WireValue          `json:"args"`
	Kwargs       map[string]WireValue `json:"kwargs,omitempty"`
	IsOSFunction bool                 `json:"is_os_function"`
}

func suspensionKindName(k vm.SuspensionKind) string {
	switch k {
	case vm.SuspendComplete:
		return "complete"
	case vm.SuspendExternalCall:
		return "external_call"
	case vm.SuspendFutureAwait:
		return "future_await"
	default:
		return "unknown"
	}
}

func renderSuspension(vmi *vm.VM, state *vm.SuspensionState) (*SuspensionResponse, error) {
	resp := &SuspensionResponse{Kind: suspensionKindName(state.Kind)}
	switch state.Kind {
	case vm.SuspendComplete:
		v, err := FromValue(vmi, state.CompleteValue)
		if err != nil {
			return nil, err
		}
		resp.Value = &v
	case vm.SuspendExternalCall:
		args := make([]WireValue, len(state.Call.Args))
		for i, a := range state.Call.Args {
			v, err := FromValue(vmi, a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		var kwargs map[string]WireValue
		if len(state.Call.Kwargs) > 0 {
			kwargs = make(map[string]WireValue, len(state.Call.Kwargs))
			for k, a := range state.Call.Kwargs {
				v, err := FromValue(vmi, a)
				if err != nil {
					return nil, err
				}
				kwargs[k] = v
			}
		}
		resp.Call = &ExternalCallWire{
			FunctionName: state.Call.Name,
			CallID:       state.Call.CallID,
			Args:         args,
			Kwargs:       kwargs,
			IsOSFunction: state.Call.IsOS,
		}
	case vm.SuspendFutureAwait:
		resp.PendingCallIDs = state.PendingCallIDs
	}
	return resp, nil
}

// Execute runs a compiled program against a session (§4.8 "execute(code)").
//
// @Summary Execute a compiled program
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "session id"
// @Param body body ExecuteRequest true "program, limits, inputs"
// @Success 200 {object} SuspensionResponse
// @Router /api/v1/sessions/{id}/execute [post]
func (h *SessionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ExecuteRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Program == nil {
		RespondError(w, http.StatusBadRequest, "program is required")
		return
	}
	if err := coerceConstPayloads(req.Program); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limits := vm.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}

	var sandboxVM *vm.VM
	state, err := h.mgr.ExecuteWithInputFunc(id, req.Program, limits, func(vmi *vm.VM) (map[string]models.Value, error) {
		sandboxVM = vmi
		if len(req.Inputs) == 0 {
			return nil, nil
		}
		inputs := make(map[string]models.Value, len(req.Inputs))
		for name, wv := range req.Inputs {
			v, err := ToValue(vmi, wv)
			if err != nil {
				return nil, err
			}
			inputs[name] = v
		}
		return inputs, nil
	})
	if err != nil {
		RespondModelError(w, err)
		return
	}
	resp, err := renderSuspension(sandboxVM, state)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, resp)
}

// ResumeRequest is the body of POST /api/v1/sessions/{id}/resume.
type ResumeRequest struct {
	CallID  uint64    `json:"call_id"`
	Kind    string    `json:"kind"` // "value" | "exception" | "pending"
	Value   WireValue `json:"value,omitempty"`
	ExcType string    `json:"exc_type,omitempty"`
	ExcMsg  string    `json:"exc_msg,omitempty"`
}

func (req ResumeRequest) toOutcome(vmi *vm.VM) (vm.Outcome, error) {
	switch req.Kind {
	case "exception":
		return vm.ExceptionOutcome(req.ExcType, req.ExcMsg), nil
	case "pending":
		return vm.PendingOutcome(), nil
	default:
		v, err := ToValue(vmi, req.Value)
		if err != nil {
			return vm.Outcome{}, err
		}
		return vm.ValueOutcome(v), nil
	}
}

// Resume forwards a single external-call outcome to a session's VM (§4.6).
//
// @Summary Resume a suspended external call
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "session id"
// @Param body body ResumeRequest true "call id and outcome"
// @Success 200 {object} SuspensionResponse
// @Router /api/v1/sessions/{id}/resume [post]
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ResumeRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sandboxVM := h.vmFor(id)
	if sandboxVM == nil {
		RespondError(w, http.StatusBadRequest, "resume: session has no running VM")
		return
	}
	outcome, err := req.toOutcome(sandboxVM)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := h.mgr.Resume(id, req.CallID, outcome)
	if err != nil {
		RespondModelError(w, err)
		return
	}
	resp, err := renderSuspension(sandboxVM, state)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, resp)
}

// ResumeFuturesRequest is the body of POST /api/v1/sessions/{id}/resume_futures.
type ResumeFuturesRequest struct {
	Outcomes map[uint64]ResumeRequest `json:"outcomes"`
}

// ResumeFutures forwards a batch of future outcomes (§4.6 step 6).
//
// @Summary Resume a batch of awaited futures
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "session id"
// @Param body body ResumeFuturesRequest true "call-id -> outcome map"
// @Success 200 {object} SuspensionResponse
// @Router /api/v1/sessions/{id}/resume_futures [post]
func (h *SessionHandler) ResumeFutures(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ResumeFuturesRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sandboxVM := h.vmFor(id)
	if sandboxVM == nil {
		RespondError(w, http.StatusBadRequest, "resume_futures: session has no running VM")
		return
	}
	outcomes := make(map[uint64]vm.Outcome, len(req.Outcomes))
	for callID, wireOutcome := range req.Outcomes {
		outcome, err := wireOutcome.toOutcome(sandboxVM)
		if err != nil {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		outcomes[callID] = outcome
	}
	state, err := h.mgr.ResumeFutures(id, outcomes)
	if err != nil {
		RespondModelError(w, err)
		return
	}
	resp, err := renderSuspension(sandboxVM, state)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, resp)
}

// ForkRequest is the body of POST /api/v1/sessions/{id}/fork. NewID is
// optional; an omitted id is generated with uuid.New(), same as
// CreateSessionRequest.ID.
type ForkRequest struct {
	NewID string `json:"new_id"`
}

// Fork deep-copies a session into a brand-new one (§4.8, §8).
//
// @Summary Fork a session
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "source session id"
// @Param body body ForkRequest true "new session id, or a generated one if omitted"
// @Success 201 {object} map[string]string
// @Router /api/v1/sessions/{id}/fork [post]
func (h *SessionHandler) Fork(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ForkRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NewID == "" {
		req.NewID = uuid.New().String()
	}
	if err := h.mgr.Fork(id, req.NewID); err != nil {
		RespondModelError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]string{"id": req.NewID})
}

// RewindRequest is the body of POST /api/v1/sessions/{id}/rewind.
type RewindRequest struct {
	N int `json:"n"`
}

// Rewind restores an earlier history checkpoint (§4.8, S7).
//
// @Summary Rewind a session
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "session id"
// @Param body body RewindRequest true "number of checkpoints to rewind"
// @Success 204
// @Router /api/v1/sessions/{id}/rewind [post]
func (h *SessionHandler) Rewind(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req RewindRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.mgr.Rewind(id, req.N); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListVariables returns the names currently bound in a session's globals.
//
// @Summary List a session's variables
// @Tags sessions
// @Produce json
// @Param id path string true "session id"
// @Success 200 {object} map[string][]string
// @Router /api/v1/sessions/{id}/variables [get]
func (h *SessionHandler) ListVariables(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	names, err := h.mgr.ListVariables(id)
	if err != nil {
		RespondModelError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string][]string{"variables": names})
}

// GetVariable reads one global by name.
//
// @Summary Read a session variable
// @Tags sessions
// @Produce json
// @Param id path string true "session id"
// @Param name path string true "variable name"
// @Success 200 {object} WireValue
// @Router /api/v1/sessions/{id}/variables/{name} [get]
func (h *SessionHandler) GetVariable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["name"]
	v, ok, err := h.mgr.GetVariable(id, name)
	if err != nil {
		RespondModelError(w, err)
		return
	}
	if !ok {
		RespondError(w, http.StatusNotFound, "no such variable")
		return
	}
	sandboxVM := h.vmFor(id)
	wv, err := FromValue(sandboxVM, v)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, wv)
}

// SetVariable writes (overwriting or creating) a global.
//
// @Summary Write a session variable
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "session id"
// @Param name path string true "variable name"
// @Param body body WireValue true "value"
// @Success 204
// @Router /api/v1/sessions/{id}/variables/{name} [put]
func (h *SessionHandler) SetVariable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["name"]
	var wv WireValue
	if err := DecodeJSON(r, &wv); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sandboxVM := h.vmFor(id)
	if sandboxVM == nil {
		RespondError(w, http.StatusBadRequest, "set_variable: session has no running VM")
		return
	}
	v, err := ToValue(sandboxVM, wv)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.mgr.SetVariable(id, name, v); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteVariable removes a global binding.
//
// @Summary Delete a session variable
// @Tags sessions
// @Produce json
// @Param id path string true "session id"
// @Param name path string true "variable name"
// @Success 204
// @Router /api/v1/sessions/{id}/variables/{name} [delete]
func (h *SessionHandler) DeleteVariable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["name"]
	if err := h.mgr.DeleteVariable(id, name); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EvalVariableRequest is the body of POST /api/v1/sessions/{id}/eval.
type EvalVariableRequest struct {
	Program *vm.CompiledProgram `json:"program"`
	Limits  *vm.Limits          `json:"limits,omitempty"`
}

// EvalVariable runs a program to completion in a forked, throwaway copy of
// the session (§4.8 "the eval variant runs in a forked copy").
//
// @Summary Evaluate an expression without mutating the session
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "session id"
// @Param body body EvalVariableRequest true "program and limits"
// @Success 200 {object} WireValue
// @Router /api/v1/sessions/{id}/eval [post]
func (h *SessionHandler) EvalVariable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req EvalVariableRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Program == nil {
		RespondError(w, http.StatusBadRequest, "program is required")
		return
	}
	if err := coerceConstPayloads(req.Program); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limits := vm.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}
	v, err := h.mgr.EvalVariable(id, req.Program, limits)
	if err != nil {
		RespondModelError(w, err)
		return
	}
	sandboxVM := h.vmFor(id)
	wv, err := FromValue(sandboxVM, v)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, wv)
}

// TransferVariableRequest is the body of POST /api/v1/sessions/{id}/transfer.
type TransferVariableRequest struct {
	TargetID   string `json:"target_id"`
	Name       string `json:"name"`
	TargetName string `json:"target_name,omitempty"`
}

// TransferVariable re-materializes a value from one session into another
// (§4.8 "re-materialize in target, no HeapId escapes").
//
// @Summary Transfer a variable between sessions
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "source session id"
// @Param body body TransferVariableRequest true "target session, variable name"
// @Success 204
// @Router /api/v1/sessions/{id}/transfer [post]
func (h *SessionHandler) TransferVariable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req TransferVariableRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.mgr.TransferVariable(id, req.TargetID, req.Name, req.TargetName); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CallSessionRequest is the body of POST /api/v1/sessions/{id}/call.
type CallSessionRequest struct {
	TargetID  string               `json:"target_id"`
	Program   *vm.CompiledProgram  `json:"program"`
	Limits    *vm.Limits           `json:"limits,omitempty"`
	TargetVar string               `json:"target_var"`
}

// CallSession runs a program in one session and writes its completion value
// into another's global (§4.8 "call_session(source, target, code, target_var)").
//
// @Summary Run a program in one session and deliver its result to another
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "source session id"
// @Param body body CallSessionRequest true "target session, program, target variable"
// @Success 204
// @Router /api/v1/sessions/{id}/call [post]
func (h *SessionHandler) CallSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req CallSessionRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Program == nil {
		RespondError(w, http.StatusBadRequest, "program is required")
		return
	}
	if err := coerceConstPayloads(req.Program); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limits := vm.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}
	if err := h.mgr.CallSession(id, req.TargetID, req.Program, limits, req.TargetVar); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SnapshotHeap captures a session's current heap occupancy and variable
// reprs (§4.8 "snapshot_heap").
//
// @Summary Snapshot a session's heap
// @Tags sessions
// @Produce json
// @Param id path string true "session id"
// @Success 200 {object} session.HeapStats
// @Router /api/v1/sessions/{id}/heap [get]
func (h *SessionHandler) SnapshotHeap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, err := h.mgr.SnapshotHeap(id)
	if err != nil {
		RespondModelError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

// SaveSession writes a session's current VM state to storage (§4.8 "save_session(id)").
//
// @Summary Save a session to disk
// @Tags sessions
// @Produce json
// @Param id path string true "session id"
// @Success 204
// @Router /api/v1/sessions/{id}/save [post]
func (h *SessionHandler) SaveSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.mgr.SaveSession(id); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadSession restores a session's VM state from storage (§4.8 "load_session(id)").
//
// @Summary Load a session from disk
// @Tags sessions
// @Produce json
// @Param id path string true "session id"
// @Success 204
// @Router /api/v1/sessions/{id}/load [post]
func (h *SessionHandler) LoadSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.mgr.LoadSession(id); err != nil {
		RespondModelError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
