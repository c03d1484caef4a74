// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
	"github.com/nesilp/staking-farm/pool"
)

// maxRequestBytes bounds the size of request bodies.
const maxRequestBytes = 1 << 16

// Request bodies.  Amounts are decimal strings.

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type claimRequest struct {
	Account string `json:"account"`
	FarmID  uint64 `json:"farm_id"`
}

type transferRequest struct {
	TokenID  string `json:"token_id"`
	SenderID string `json:"sender_id"`
	Amount   string `json:"amount"`
	Msg      string `json:"msg"`
}

type reclaimRequest struct {
	Account string `json:"account"`
}

type callbackRequest struct {
	ActionID uint64 `json:"action_id"`
	Success  bool   `json:"success"`
}

type balanceRequest struct {
	Balance string `json:"balance"`
}

// Response bodies.

type sharesResponse struct {
	Account string `json:"account"`
	Shares  string `json:"shares"`
}

type amountResponse struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type settlementResponse struct {
	Reward      string `json:"reward"`
	Burned      string `json:"burned"`
	Fee         string `json:"fee"`
	OwnerShares string `json:"owner_shares"`
	Distributed string `json:"distributed"`
	Slashed     string `json:"slashed"`
}

type poolResponse struct {
	Owner              string `json:"owner"`
	RewardFee          string `json:"reward_fee"`
	BurnFee            string `json:"burn_fee"`
	TotalShares        string `json:"total_shares"`
	TotalStakedBalance string `json:"total_staked_balance"`
	LastTotalBalance   string `json:"last_total_balance"`
	BurnOutstanding    string `json:"burn_outstanding"`
	BurnInFlight       string `json:"burn_in_flight"`
	BurnRecorded       string `json:"burn_recorded"`
	BurnForwarded      string `json:"burn_forwarded"`
	Accounts           int    `json:"accounts"`
	Farms              int    `json:"farms"`
	PendingActions     int    `json:"pending_actions"`
}

type farmResponse struct {
	ID                uint64 `json:"id"`
	Name              string `json:"name"`
	TokenID           string `json:"token_id"`
	Funder            string `json:"funder"`
	Amount            string `json:"amount"`
	StartDate         string `json:"start_date"`
	EndDate           string `json:"end_date"`
	EmissionRate      string `json:"emission_rate"`
	AccRewardPerShare string `json:"acc_reward_per_share"`
	LastUpdateTime    string `json:"last_update_time"`
	DistributedTotal  string `json:"distributed_total"`
	ForgoneTotal      string `json:"forgone_total"`
	Reclaimed         bool   `json:"reclaimed"`
	Active            bool   `json:"active"`
}

type accountFarmResponse struct {
	FarmID    uint64 `json:"farm_id"`
	TokenID   string `json:"token_id"`
	Unclaimed string `json:"unclaimed"`
}

type accountResponse struct {
	Account       string                `json:"account"`
	Shares        string                `json:"shares"`
	StakedBalance string                `json:"staked_balance"`
	Farms         []accountFarmResponse `json:"farms"`
}

type actionResponse struct {
	ID        uint64 `json:"id"`
	Kind      string `json:"kind"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Shares    string `json:"shares"`
	FarmID    uint64 `json:"farm_id"`
	TokenID   string `json:"token_id,omitempty"`
	CreatedOn string `json:"created_on"`
}

type callbackResponse struct {
	Action       actionResponse  `json:"action"`
	Success      bool            `json:"success"`
	Compensation *actionResponse `json:"compensation,omitempty"`
}

type errorResponse struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func newFarmResponse(f *pool.FarmInfo) farmResponse {
	return farmResponse{
		ID:                f.ID,
		Name:              f.Name,
		TokenID:           f.TokenID,
		Funder:            f.Funder,
		Amount:            decString(f.Amount),
		StartDate:         strconv.FormatUint(f.StartDate, 10),
		EndDate:           strconv.FormatUint(f.EndDate, 10),
		EmissionRate:      decString(f.EmissionRate),
		AccRewardPerShare: decString(f.AccRewardPerShare),
		LastUpdateTime:    strconv.FormatUint(f.LastUpdateTime, 10),
		DistributedTotal:  decString(f.DistributedTotal),
		ForgoneTotal:      decString(f.ForgoneTotal),
		Reclaimed:         f.Reclaimed,
		Active:            f.Active,
	}
}

func newActionResponse(a *pool.Action) actionResponse {
	return actionResponse{
		ID:        a.ID,
		Kind:      string(a.Kind),
		Account:   a.Account,
		Amount:    decString(a.Amount),
		Shares:    decString(a.Shares),
		FarmID:    a.FarmID,
		TokenID:   a.TokenID,
		CreatedOn: strconv.FormatUint(a.CreatedOn, 10),
	}
}

// statusForKind maps an error kind to the HTTP status reported for it.
func statusForKind(kind errors.ErrorKind) int {
	switch kind {
	case errors.Parse, errors.InvalidAmount, errors.InvalidRatio,
		errors.InvalidWindow:
		return http.StatusBadRequest
	case errors.InsufficientBalance, errors.FarmActive, errors.PoolDepleted:
		return http.StatusConflict
	case errors.FarmNotFound, errors.ActionNotFound, errors.ValueNotFound:
		return http.StatusNotFound
	case errors.Unauthorized:
		return http.StatusForbidden
	case errors.Disconnected, errors.ContextCancelled:
		return http.StatusServiceUnavailable
	case errors.Unsupported:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("unable to encode response: %v", err)
	}
}

// writeError reports err with the status of its kind.
func writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Kind: string(kind), Error: err.Error()})
}

// decodeRequest decodes the request body into v.
func decodeRequest(r *http.Request, w http.ResponseWriter, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		desc := fmt.Sprintf("decodeRequest: malformed request: %v", err)
		return errors.PoolError(errors.Parse, desc)
	}
	return nil
}

// requireAccount asserts an account id was provided.
func requireAccount(account string) error {
	if account == "" {
		return errors.PoolError(errors.Parse, "missing account")
	}
	return nil
}

// farmIDVar parses the farm id route variable.
func farmIDVar(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["farmID"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		desc := fmt.Sprintf("farmIDVar: invalid farm id %q", raw)
		return 0, errors.PoolError(errors.Parse, desc)
	}
	return id, nil
}

// depositAndStake is the handler for "POST /deposit_and_stake".
func (s *Server) depositAndStake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeRequest(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeError(w, err)
		return
	}
	amount, err := pool.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	shares, err := s.cfg.Distributor.DepositAndStake(r.Context(), req.Account,
		amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sharesResponse{
		Account: req.Account,
		Shares:  shares.Dec(),
	})
}

// withdraw is the handler for "POST /withdraw".
func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeRequest(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeError(w, err)
		return
	}
	amount, err := pool.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	shares, err := s.cfg.Distributor.Withdraw(r.Context(), req.Account, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sharesResponse{
		Account: req.Account,
		Shares:  shares.Dec(),
	})
}

// claim is the handler for "POST /claim".
func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeRequest(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.cfg.Distributor.Claim(r.Context(), req.Account, req.FarmID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{
		Account: req.Account,
		Amount:  amount.Dec(),
	})
}

// ftOnTransfer is the handler for "POST /ft_on_transfer".
func (s *Server) ftOnTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeRequest(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAccount(req.SenderID); err != nil {
		writeError(w, err)
		return
	}
	amount, err := pool.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	farm, err := s.cfg.Distributor.OnFundingTransfer(r.Context(), req.TokenID,
		req.SenderID, amount, req.Msg)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, info := range s.cfg.Distributor.Farms() {
		if info.ID == farm.ID {
			writeJSON(w, http.StatusOK, newFarmResponse(&info))
			return
		}
	}
	writeError(w, errors.PoolError(errors.FarmNotFound,
		fmt.Sprintf("ftOnTransfer: farm %d not listed", farm.ID)))
}

// reclaim is the handler for "POST /farm/{farmID}/reclaim".
func (s *Server) reclaim(w http.ResponseWriter, r *http.Request) {
	farmID, err := farmIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req reclaimRequest
	if err := decodeRequest(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.cfg.Distributor.Reclaim(r.Context(), req.Account, farmID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{
		Account: req.Account,
		Amount:  amount.Dec(),
	})
}

// hostCallback is the handler for "POST /host/callback".
func (s *Server) hostCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeRequest(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.cfg.Distributor.ResolveAction(r.Context(), req.ActionID,
		req.Success)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := callbackResponse{
		Action:  newActionResponse(res.Action),
		Success: res.Success,
	}
	if res.Compensation != nil {
		comp := newActionResponse(res.Compensation)
		resp.Compensation = &comp
	}
	writeJSON(w, http.StatusOK, resp)
}

// hostBalance is the handler for "POST /host/balance".
func (s *Server) hostBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if err := decodeRequest(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	balance, err := pool.ParseAmount(req.Balance)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Relay.SetBalance(balance)
	w.WriteHeader(http.StatusNoContent)
}

// hostActions is the handler for "GET /host/actions".
func (s *Server) hostActions(w http.ResponseWriter, r *http.Request) {
	actions := s.cfg.Distributor.PendingActions()
	resp := make([]actionResponse, 0, len(actions))
	for i := range actions {
		resp = append(resp, newActionResponse(&actions[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// downloadDatabaseBackup is the handler for "GET /backup".
func (s *Server) downloadDatabaseBackup(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.HTTPBackupDB(w)
	if err != nil {
		log.Errorf("Error backing up database: %v", err)
		http.Error(w, "Error backing up database: "+err.Error(),
			http.StatusInternalServerError)
	}
}

// ping is the handler for "POST /ping".
func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	settlement, err := s.cfg.Distributor.Ping(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		Reward:      settlement.Reward.Dec(),
		Burned:      settlement.Burned.Dec(),
		Fee:         settlement.Fee.Dec(),
		OwnerShares: settlement.OwnerShares.Dec(),
		Distributed: settlement.Distributed.Dec(),
		Slashed:     settlement.Slashed.Dec(),
	})
}

// poolInfo is the handler for "GET /pool".
func (s *Server) poolInfo(w http.ResponseWriter, r *http.Request) {
	info := s.cfg.Distributor.PoolInfo()
	writeJSON(w, http.StatusOK, poolResponse{
		Owner:              info.Owner,
		RewardFee:          info.RewardFee.String(),
		BurnFee:            info.BurnFee.String(),
		TotalShares:        info.TotalShares.Dec(),
		TotalStakedBalance: info.TotalStakedBalance.Dec(),
		LastTotalBalance:   info.LastTotalBalance.Dec(),
		BurnOutstanding:    info.BurnOutstanding.Dec(),
		BurnInFlight:       info.BurnInFlight.Dec(),
		BurnRecorded:       info.BurnRecorded.Dec(),
		BurnForwarded:      info.BurnForwarded.Dec(),
		Accounts:           info.Accounts,
		Farms:              info.Farms,
		PendingActions:     info.PendingActions,
	})
}

// writeFarms encodes the provided farms.
func writeFarms(w http.ResponseWriter, farms []pool.FarmInfo) {
	resp := make([]farmResponse, 0, len(farms))
	for i := range farms {
		resp = append(resp, newFarmResponse(&farms[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// farms is the handler for "GET /farms".
func (s *Server) farms(w http.ResponseWriter, r *http.Request) {
	writeFarms(w, s.cfg.Distributor.Farms())
}

// activeFarms is the handler for "GET /farms/active".
func (s *Server) activeFarms(w http.ResponseWriter, r *http.Request) {
	writeFarms(w, s.cfg.Distributor.ActiveFarms())
}

// account is the handler for "GET /account/{accountID}".
func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["accountID"]
	info, err := s.cfg.Distributor.Account(id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := accountResponse{
		Account:       info.ID,
		Shares:        info.Shares.Dec(),
		StakedBalance: info.StakedBalance.Dec(),
		Farms:         make([]accountFarmResponse, 0, len(info.Farms)),
	}
	for _, farm := range info.Farms {
		resp.Farms = append(resp.Farms, accountFarmResponse{
			FarmID:    farm.FarmID,
			TokenID:   farm.TokenID,
			Unclaimed: farm.Unclaimed.Dec(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// accountBalance is the handler for "GET /account/{accountID}/balance".
func (s *Server) accountBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["accountID"]
	writeJSON(w, http.StatusOK, amountResponse{
		Account: id,
		Amount:  s.cfg.Distributor.AccountTotalBalance(id).Dec(),
	})
}

// unclaimedReward is the handler for
// "GET /account/{accountID}/farm/{farmID}/unclaimed".
func (s *Server) unclaimedReward(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["accountID"]
	farmID, err := farmIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	reward, err := s.cfg.Distributor.UnclaimedReward(id, farmID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{
		Account: id,
		Amount:  reward.Dec(),
	})
}
