package api

import (
	"net/http"
	"strings"

	"github.com/okian/verdict/internal/domain/model"
)

// Identity headers set by the upstream auth layer.
const (
	HeaderAdminID   = "X-Admin-ID"
	HeaderVoterID   = "X-Voter-ID"
	HeaderVoterType = "X-Voter-Type"
	HeaderJudgeID   = "X-Judge-ID"
)

// actor resolves the calling admin. The role is loaded from the store, never
// taken from the request.
func actor(r *http.Request, deps Dependencies) (model.Actor, error) {
	const op = "api.actor"
	id := strings.TrimSpace(r.Header.Get(HeaderAdminID))
	if id == "" {
		return model.Actor{}, NewKind(op, ErrUnidentified)
	}
	a, err := deps.ResolveActor(r.Context(), id)
	if err != nil {
		return model.Actor{}, Wrap(op, err)
	}
	return a, nil
}

// voter reads the submitting voter. The type defaults to PUBLIC.
func voter(r *http.Request) (model.Voter, error) {
	const op = "api.voter"
	v := model.Voter{
		ID:      strings.TrimSpace(r.Header.Get(HeaderVoterID)),
		Type:    model.VoterType(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderVoterType)))),
		JudgeID: strings.TrimSpace(r.Header.Get(HeaderJudgeID)),
	}
	if v.Type == "" {
		v.Type = model.VoterPublic
	}
	if v.ID == "" && v.JudgeID == "" {
		return model.Voter{}, NewKind(op, ErrUnidentified)
	}
	return v, nil
}
