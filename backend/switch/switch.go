package _switch

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adwski/signaling-relay/backend/metrics"
	"github.com/adwski/signaling-relay/backend/model"
	"github.com/go4org/hashtriemap"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyConnected = errors.New("endpoint is already connected")
)

// Switch delivers events to connected endpoints, either to a single
// endpoint or fanned out to every endpoint in a group.
// Group membership here only controls delivery, it is not presence.
type Switch struct {
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	endpoints hashtriemap.HashTrieMap[string, model.Wire]
	connected atomic.Int64

	mx          *sync.RWMutex
	groups      map[string]map[string]struct{} // group -> endpoints
	memberships map[string]map[string]struct{} // endpoint -> groups
}

func NewSwitch(logger *zerolog.Logger, m *metrics.Metrics) *Switch {
	return &Switch{
		logger:      logger.With().Str("component", "switch").Logger(),
		metrics:     m,
		mx:          &sync.RWMutex{},
		groups:      make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

func (sw *Switch) Connect(endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.endpoints.Load(endpoint); ok {
		return ErrAlreadyConnected
	}
	sw.endpoints.Store(endpoint, wire)
	sw.connected.Add(1)
	sw.metrics.Inc(metrics.ConnectionsTotal)

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")
	return nil
}

// Disconnect forgets the endpoint and removes it from every group.
// Disconnecting an unknown endpoint is a no-op.
func (sw *Switch) Disconnect(endpoint string) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.endpoints.Load(endpoint); !ok {
		return nil
	}
	sw.endpoints.Delete(endpoint)
	sw.connected.Add(-1)

	for group := range sw.memberships[endpoint] {
		sw.leaveGroupLocked(endpoint, group)
	}
	delete(sw.memberships, endpoint)

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint disconnected")
	return nil
}

// JoinGroup adds a connected endpoint to a delivery group.
func (sw *Switch) JoinGroup(endpoint, group string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.endpoints.Load(endpoint); !ok {
		return false
	}
	g, ok := sw.groups[group]
	if !ok {
		g = make(map[string]struct{})
		sw.groups[group] = g
	}
	g[endpoint] = struct{}{}

	m, ok := sw.memberships[endpoint]
	if !ok {
		m = make(map[string]struct{})
		sw.memberships[endpoint] = m
	}
	m[group] = struct{}{}
	return true
}

func (sw *Switch) LeaveGroup(endpoint, group string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.leaveGroupLocked(endpoint, group)
	if m, ok := sw.memberships[endpoint]; ok {
		delete(m, group)
		if len(m) == 0 {
			delete(sw.memberships, endpoint)
		}
	}
}

func (sw *Switch) leaveGroupLocked(endpoint, group string) {
	g, ok := sw.groups[group]
	if !ok {
		return
	}
	delete(g, endpoint)
	if len(g) == 0 {
		delete(sw.groups, group)
	}
}

// Send delivers ann to a single endpoint.
// Unknown endpoints are not an error, delivery just does not happen.
func (sw *Switch) Send(ann model.Event, dst string) bool {
	logger := sw.logger.With().
		Str("type", ann.Name).
		Str("dst", dst).Logger()

	wire, ok := sw.endpoints.Load(dst)
	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	return sw.send(ann, wire.TX, &logger)
}

// Broadcast delivers ann to every endpoint in the group except one.
// Recipients are resolved once, then the group lock is released
// before any queue is touched.
func (sw *Switch) Broadcast(ann model.Event, group, except string) int {
	logger := sw.logger.With().
		Str("type", ann.Name).
		Str("group", group).Logger()

	sw.mx.RLock()
	dsts := make([]string, 0, len(sw.groups[group]))
	for dst := range sw.groups[group] {
		if dst != except {
			dsts = append(dsts, dst)
		}
	}
	sw.mx.RUnlock()

	var sent int
	for _, dst := range dsts {
		wire, ok := sw.endpoints.Load(dst)
		if !ok {
			continue
		}
		if sw.send(ann, wire.TX, &logger) {
			sent++
		}
	}
	if sent == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return sent
}

func (sw *Switch) send(ann model.Event, tx chan<- model.Event, logger *zerolog.Logger) bool {
	select {
	case tx <- ann:
		logger.Trace().Msg("event is forwarded")
		return true
	default:
		sw.metrics.Inc(metrics.QueueOverflow)
		logger.Warn().Msg("outbound queue is full, event dropped")
		return false
	}
}

// Connections returns the number of connected endpoints.
func (sw *Switch) Connections() int {
	return int(sw.connected.Load())
}
