// Package chatapi exposes the HTTP surface around the messaging core:
// group management and the history queries clients pull on reconnect.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"relay/cmd/internal/realtime"
)

const defaultMaxBodyBytes = 64 << 10 // 64 KiB

// Handler wires the HTTP chat endpoints to the message and group stores.
type Handler struct {
	log    *slog.Logger
	store  realtime.MessageStore
	groups realtime.GroupStore

	maxBodyBytes int64
}

// NewHandler constructs a chat API handler.
func NewHandler(log *slog.Logger, store realtime.MessageStore, groups realtime.GroupStore) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:          log,
		store:        store,
		groups:       groups,
		maxBodyBytes: defaultMaxBodyBytes,
	}
}

// Register mounts the chat API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/groups/create", h.handleCreateGroup)
	mux.HandleFunc("POST /api/groups/addMember", h.handleAddMember)
	mux.HandleFunc("GET /api/groups/{groupID}/messages", h.handleGroupMessages)
	mux.HandleFunc("GET /api/groups/user/{userID}", h.handleGroupsForUser)
	mux.HandleFunc("GET /api/messages/contacts/{userID}", h.handleContacts)
	mux.HandleFunc("GET /api/messages/{chatID}", h.handleHistory)
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}

	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Admin) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "title and admin are required")
		return
	}

	g, err := h.groups.Create(r.Context(), realtime.CreateGroupInput{
		Title:   strings.TrimSpace(req.Title),
		Admin:   strings.TrimSpace(req.Admin),
		Members: req.Members,
		Photo:   req.Photo,
	})
	if err != nil {
		h.log.Error("chatapi.group.create.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not create group")
		return
	}

	h.log.Info("chatapi.group.create", "group_id", g.ID, "admin", g.Admin)
	writeJSON(w, http.StatusCreated, toGroupResponse(g))
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}

	if strings.TrimSpace(req.GroupID) == "" || len(req.MemberIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "group_id and member_ids are required")
		return
	}

	g, err := h.groups.AddMembers(r.Context(), strings.TrimSpace(req.GroupID), req.MemberIDs)
	if err != nil {
		if errors.Is(err, realtime.ErrGroupNotFound) {
			writeError(w, http.StatusNotFound, "group_not_found", "group not found")
			return
		}
		h.log.Error("chatapi.group.add_member.fail", "group_id", req.GroupID, "err", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not add member")
		return
	}

	writeJSON(w, http.StatusOK, toGroupResponse(g))
}

func (h *Handler) handleGroupMessages(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(r.PathValue("groupID"))
	if groupID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing group id")
		return
	}

	out, err := h.groups.Messages(r.Context(), realtime.GroupHistoryInput{
		GroupID: groupID,
		AfterID: r.URL.Query().Get("after_id"),
		Limit:   queryInt(r, "limit"),
	})
	if err != nil {
		if errors.Is(err, realtime.ErrGroupNotFound) {
			writeError(w, http.StatusNotFound, "group_not_found", "group not found")
			return
		}
		h.log.Error("chatapi.group.messages.fail", "group_id", groupID, "err", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not fetch messages")
		return
	}

	resp := groupHistoryResponse{
		Messages: make([]groupMessageResponse, 0, len(out.Messages)),
		HasMore:  out.HasMore,
	}
	for _, m := range out.Messages {
		resp.Messages = append(resp.Messages, groupMessageResponse{
			ID:        m.ID,
			GroupID:   m.GroupID,
			Sender:    m.Sender,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGroupsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing user id")
		return
	}

	groups, err := h.groups.ListForUser(r.Context(), userID)
	if err != nil {
		h.log.Error("chatapi.group.list.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not list groups")
		return
	}

	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(r.PathValue("chatID"))
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing chat id")
		return
	}

	out, err := h.store.HistoryByChatID(r.Context(), realtime.HistoryInput{
		ChatID:  chatID,
		AfterID: r.URL.Query().Get("after_id"),
		Limit:   queryInt(r, "limit"),
	})
	if err != nil {
		h.log.Error("chatapi.history.fail", "chat_id", chatID, "err", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not fetch history")
		return
	}

	resp := historyResponse{
		Messages: make([]messageResponse, 0, len(out.Messages)),
		HasMore:  out.HasMore,
	}
	for _, m := range out.Messages {
		resp.Messages = append(resp.Messages, messageResponse{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Sender:    m.Sender,
			Receiver:  m.Receiver,
			Text:      m.Text,
			Seen:      m.Seen,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing user id")
		return
	}

	contacts, err := h.store.Contacts(r.Context(), userID)
	if err != nil {
		h.log.Error("chatapi.contacts.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "store_error", "could not fetch contacts")
		return
	}

	out := make([]contactResponse, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactResponse{UserID: c.UserID, ChatID: c.ChatID})
	}
	writeJSON(w, http.StatusOK, out)
}

func toGroupResponse(g realtime.Group) groupResponse {
	return groupResponse{
		ID:        g.ID,
		Title:     g.Title,
		Admin:     g.Admin,
		Members:   g.Members,
		Photo:     g.Photo,
		CreatedAt: g.CreatedAt,
	}
}

func queryInt(r *http.Request, key string) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
