// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics exposes the state of the staking pool and its farms to
// prometheus.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nesilp/staking-farm/pool"
)

const namespace = "stakefarm"

// Metrics holds the pool collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	totalShares        prometheus.Gauge
	totalStakedBalance prometheus.Gauge
	lastTotalBalance   prometheus.Gauge
	burn               *prometheus.GaugeVec
	accounts           prometheus.Gauge
	pendingActions     prometheus.Gauge

	farmAmount      *prometheus.GaugeVec
	farmDistributed *prometheus.GaugeVec
	farmForgone     *prometheus.GaugeVec
	farmActive      *prometheus.GaugeVec

	settlements *prometheus.CounterVec
	rewards     *prometheus.CounterVec
	requests    *prometheus.CounterVec
}

// New creates the pool collectors and registers them.
func New() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}
	farmGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "farm",
			Name:      name,
			Help:      help,
		}, []string{"farm_id", "token_id"})
	}

	m := &Metrics{
		registry:           prometheus.NewRegistry(),
		totalShares:        gauge("total_shares", "Shares issued by the pool."),
		totalStakedBalance: gauge("total_staked_balance", "Balance backing the issued shares."),
		lastTotalBalance:   gauge("last_total_balance", "Validator balance at the last settlement."),
		burn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "burn",
			Help:      "Burned reward by state.",
		}, []string{"state"}),
		accounts:        gauge("accounts", "Accounts holding shares or farm state."),
		pendingActions:  gauge("pending_actions", "Host actions awaiting a callback."),
		farmAmount:      farmGauge("amount", "Reward amount funded to the farm."),
		farmDistributed: farmGauge("distributed", "Reward emitted to shareholders."),
		farmForgone:     farmGauge("forgone", "Reward emitted while no shares existed."),
		farmActive:      farmGauge("active", "Whether the farm is still emitting."),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlements by outcome.",
		}, []string{"outcome"}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_total",
			Help:      "Settled reward by destination.",
		}, []string{"destination"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Served API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.totalShares,
		m.totalStakedBalance,
		m.lastTotalBalance,
		m.burn,
		m.accounts,
		m.pendingActions,
		m.farmAmount,
		m.farmDistributed,
		m.farmForgone,
		m.farmActive,
		m.settlements,
		m.rewards,
		m.requests,
	)
	return m
}

// toFloat converts an amount to a float for reporting.  Precision beyond
// float64 is dropped.
func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// ObservePool records a snapshot of the pool and its farms.
func (m *Metrics) ObservePool(info *pool.PoolInfo, farms []pool.FarmInfo) {
	if m == nil {
		return
	}
	m.totalShares.Set(toFloat(info.TotalShares))
	m.totalStakedBalance.Set(toFloat(info.TotalStakedBalance))
	m.lastTotalBalance.Set(toFloat(info.LastTotalBalance))
	m.burn.WithLabelValues("outstanding").Set(toFloat(info.BurnOutstanding))
	m.burn.WithLabelValues("in_flight").Set(toFloat(info.BurnInFlight))
	m.burn.WithLabelValues("recorded").Set(toFloat(info.BurnRecorded))
	m.burn.WithLabelValues("forwarded").Set(toFloat(info.BurnForwarded))
	m.accounts.Set(float64(info.Accounts))
	m.pendingActions.Set(float64(info.PendingActions))

	for _, farm := range farms {
		id := strconv.FormatUint(farm.ID, 10)
		m.farmAmount.WithLabelValues(id, farm.TokenID).Set(toFloat(farm.Amount))
		m.farmDistributed.WithLabelValues(id, farm.TokenID).Set(toFloat(farm.DistributedTotal))
		m.farmForgone.WithLabelValues(id, farm.TokenID).Set(toFloat(farm.ForgoneTotal))
		active := 0.0
		if farm.Active {
			active = 1
		}
		m.farmActive.WithLabelValues(id, farm.TokenID).Set(active)
	}
}

// ObserveSettlement records the outcome of a settlement.
func (m *Metrics) ObserveSettlement(s *pool.Settlement) {
	if m == nil {
		return
	}
	switch {
	case !s.Slashed.IsZero():
		m.settlements.WithLabelValues("slashed").Inc()
	case !s.Reward.IsZero():
		m.settlements.WithLabelValues("reward").Inc()
	default:
		m.settlements.WithLabelValues("unchanged").Inc()
	}
	m.rewards.WithLabelValues("burn").Add(toFloat(s.Burned))
	m.rewards.WithLabelValues("owner").Add(toFloat(s.Fee))
	m.rewards.WithLabelValues("shareholders").Add(toFloat(s.Distributed))
}

// ObserveRequest records a served API request.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
