package web

import (
	"net/http"
)

// Secret values never leave the vault; the API only lists and revokes.

func (s *Server) listUserSecrets(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var (
		names []string
		err   error
	)
	if s.deps.Secrets != nil {
		names, err = s.deps.Secrets.Names(userID)
	} else {
		names, err = s.store.ListUserSecretNames(userID)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	jsonResponse(w, map[string]any{"user_id": userID, "secrets": names})
}

func (s *Server) deleteUserSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	var err error
	if s.deps.Secrets != nil {
		err = s.deps.Secrets.Delete(userID, name)
	} else {
		err = s.store.DeleteUserSecret(userID, name)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}
