package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

type actorBody struct {
	Name              string            `json:"name"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	DefaultRunOptions *types.RunOptions `json:"defaultRunOptions"`
}

func (s *Server) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, apierr.Validation("actor name is required"))
		return
	}
	if body.DefaultRunOptions == nil || body.DefaultRunOptions.Image == "" {
		writeError(w, apierr.Validation("defaultRunOptions.image is required"))
		return
	}

	now := time.Now().UTC()
	actor := &types.Actor{
		ID:                types.NewID(),
		Name:              body.Name,
		Title:             body.Title,
		Description:       body.Description,
		PrincipalID:       principalFrom(r.Context()).ID,
		DefaultRunOptions: *body.DefaultRunOptions,
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	if err := s.deps.Store.CreateActor(r.Context(), actor); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, actor)
}

func (s *Server) handleListActors(w http.ResponseWriter, r *http.Request) {
	actors, err := s.deps.Store.ListActors(r.Context(), principalFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"items": actors,
		"count": len(actors),
	})
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	actor, err := s.deps.Store.GetActor(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, actor)
}

func (s *Server) handleUpdateActor(w http.ResponseWriter, r *http.Request) {
	actor, err := s.deps.Store.GetActor(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name != "" {
		actor.Name = body.Name
	}
	if body.Title != "" {
		actor.Title = body.Title
	}
	if body.Description != "" {
		actor.Description = body.Description
	}
	if body.DefaultRunOptions != nil {
		actor.DefaultRunOptions = *body.DefaultRunOptions
	}
	actor.ModifiedAt = time.Now().UTC()
	if err := s.deps.Store.UpdateActor(r.Context(), actor); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, actor)
}

func (s *Server) handleDeleteActor(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteActor(r.Context(), chi.URLParam(r, "actorID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
