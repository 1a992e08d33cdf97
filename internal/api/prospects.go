package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"onboarding-crm/internal/models"
	"onboarding-crm/internal/prospects"
)

type signRequest struct {
	prospects.OwnerInput
	Signature     string               `json:"signature"`
	SignatureType models.SignatureType `json:"signatureType"`
}

func (s *Server) handleRequestSignature(w http.ResponseWriter, r *http.Request) {
	var in prospects.OwnerInput
	if err := decode(r, &in); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	out, err := s.deps.Signatures.RequestSignature(r.Context(), callerFrom(r), mux.Vars(r)["id"], in)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleSignInline(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	sig, err := s.deps.Signatures.SignInline(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.OwnerInput, req.Signature, req.SignatureType)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) handleSignatureStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Signatures.SignatureStatus(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLookupToken(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Signatures.LookupToken(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSignWithToken(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	sig, err := s.deps.Signatures.SignWithToken(r.Context(), mux.Vars(r)["token"], req.Signature, req.SignatureType)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}
