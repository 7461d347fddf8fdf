package hub

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
	"github.com/maoxiaohua/tcm-ai-sub001/internal/models"
)

const bridgeSubjectPrefix = "sync.user."

// bridgeEnvelope carries an accepted event between hub instances. The origin
// instance already persisted the event; remote instances only deliver it to
// their locally connected devices.
type bridgeEnvelope struct {
	Instance string            `json:"instance"`
	Event    *models.SyncEvent `json:"event"`
}

// Bridge fans accepted events out across hub instances over NATS, so a user's
// devices converge no matter which instance each one is connected to.
type Bridge struct {
	nc       *nats.Conn
	hub      *Hub
	instance string
	sub      *nats.Subscription
}

func NewBridge(nc *nats.Conn, h *Hub) *Bridge {
	return &Bridge{
		nc:       nc,
		hub:      h,
		instance: uuid.NewString(),
	}
}

func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(bridgeSubjectPrefix+">", b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to sync subjects: %w", err)
	}
	b.sub = sub
	logger.Log.Info("bridge subscribed", zap.String("subject", bridgeSubjectPrefix+">"), zap.String("instance", b.instance))
	return nil
}

func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			logger.Log.Warn("failed to unsubscribe bridge", zap.Error(err))
		}
	}
}

// Publish announces a locally accepted event to the other instances.
// Fire-and-forget: the change log is the durable copy, and devices that miss
// a relay catch up through a latest-state request.
func (b *Bridge) Publish(e *models.SyncEvent) {
	data, err := json.Marshal(bridgeEnvelope{Instance: b.instance, Event: e})
	if err != nil {
		logger.Log.Error("failed to marshal bridge envelope", zap.Error(err))
		return
	}
	if err := b.nc.Publish(bridgeSubjectPrefix+e.UserID, data); err != nil {
		logger.Log.Warn("failed to publish to bridge", zap.String("user_id", e.UserID), zap.Error(err))
	}
}

func (b *Bridge) handle(msg *nats.Msg) {
	var env bridgeEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.Log.Warn("dropping malformed bridge message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if env.Instance == b.instance || env.Event == nil {
		return
	}
	b.hub.DeliverRemote(env.Event)
}
