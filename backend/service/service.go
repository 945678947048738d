package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/signaling-relay/backend/metrics"
	"github.com/adwski/signaling-relay/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	// Registry is the peer registry together with the room index.
	Registry interface {
		UpsertPeer(peer model.Peer)
		RemovePeer(id string) (model.Peer, bool)
		GetPeer(id string) (model.Peer, bool)
		AddMember(room, id string)
		RemoveMember(room, id string)
		IsMember(room, id string) bool
		PeerList(room string) []model.PeerInfo
		RoomCount() int
	}

	// Switch is the delivery side of the transport.
	Switch interface {
		Connect(endpoint string, wire model.Wire) error
		Disconnect(endpoint string) error
		JoinGroup(endpoint, group string) bool
		LeaveGroup(endpoint, group string)
		Send(ann model.Event, dst string) bool
		Broadcast(ann model.Event, group, except string) int
		Connections() int
	}

	// Service routes inbound events. Each event is handled to completion,
	// registry mutation and every resulting enqueue, before the next one
	// observes the registry.
	Service struct {
		store   Registry
		sw      Switch
		metrics *metrics.Metrics
		logger  zerolog.Logger

		strictOfferRoom bool

		mx *sync.Mutex

		sessMx   *sync.Mutex
		sessions map[string]chan struct{}
	}

	Config struct {
		Registry Registry
		Switch   Switch
		Metrics  *metrics.Metrics
		Logger   *zerolog.Logger

		// StrictOfferRoom drops offers and offer responses unless sender
		// and target are both members of the room carried by the event.
		StrictOfferRoom bool
	}
)

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		store:           cfg.Registry,
		sw:              cfg.Switch,
		metrics:         m,
		logger:          cfg.Logger.With().Str("component", "relay").Logger(),
		strictOfferRoom: cfg.StrictOfferRoom,
		mx:              &sync.Mutex{},
		sessMx:          &sync.Mutex{},
		sessions:        make(map[string]chan struct{}),
	}
}

// CreateSignalingSession registers the connection with the switch and
// starts consuming its inbound events until ctx is done.
func (svc *Service) CreateSignalingSession(ctx context.Context, connID string, wire model.Wire) error {
	if err := svc.sw.Connect(connID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}

	done := make(chan struct{})
	svc.sessMx.Lock()
	svc.sessions[connID] = done
	svc.sessMx.Unlock()

	svc.logger.Info().Str("connID", connID).Msg("client connected")

	go svc.serve(ctx, connID, wire.RX, done)
	return nil
}

// DeleteSignalingSession waits for the connection's event loop to stop,
// then runs disconnect cleanup. Cleanup always runs, even if waiting
// was cut short by ctx.
func (svc *Service) DeleteSignalingSession(ctx context.Context, connID string) error {
	svc.sessMx.Lock()
	done, ok := svc.sessions[connID]
	delete(svc.sessions, connID)
	svc.sessMx.Unlock()

	var errWait error
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			errWait = ctx.Err()
		}
	}

	svc.Disconnect(connID)

	if err := svc.sw.Disconnect(connID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	if errWait != nil {
		svc.logger.Warn().Err(errWait).
			Str("connID", connID).
			Msg("event loop did not stop in time")
	}
	svc.logger.Info().Str("connID", connID).Msg("client disconnected")
	return nil
}

func (svc *Service) serve(ctx context.Context, connID string, rx <-chan model.Event, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rx:
			if ev.SRC == "" {
				svc.logger.Error().
					Str("connID", connID).
					Msg("event with empty src")
				continue
			}
			svc.Handle(ev)
		}
	}
}

// RoomPeers returns the current presence list of a room.
func (svc *Service) RoomPeers(room string) []model.PeerInfo {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	return svc.store.PeerList(room)
}

// Stats returns relay counters along with live gauges.
func (svc *Service) Stats() map[string]uint64 {
	stats := svc.metrics.Snapshot()

	svc.mx.Lock()
	stats["rooms"] = uint64(svc.store.RoomCount())
	svc.mx.Unlock()
	stats["connections"] = uint64(svc.sw.Connections())
	return stats
}
