package httpapi

import (
	"net/http"

	"dmcast/internal/dispatch"
	"dmcast/internal/storage"
)

type walletResponse struct {
	Balance int64 `json:"balance"`
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.fail(w, storage.ErrDisabled)
		return
	}
	balance, err := s.ledger.Balance(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, walletResponse{Balance: balance})
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
	Source    string `json:"source,omitempty"`
}

// handleWalletCredit is the payment monitor's intake: it reports a confirmed
// external payment and tops up the wallet.
func (s *Server) handleWalletCredit(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.fail(w, storage.ErrDisabled)
		return
	}
	var req creditRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Amount <= 0 {
		s.fail(w, &dispatch.ValidationError{Field: "amount", Msg: "must be positive"})
		return
	}
	balance, err := s.ledger.Credit(r.Context(), req.Amount, req.Reference, req.Source)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, walletResponse{Balance: balance})
}
