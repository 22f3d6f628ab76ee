package relay

import (
	"context"

	"github.com/KairosTechnologies2024/fleetsapi/mqttclient"
)

// Bus is the slice of the device bus the relay needs. *mqttclient.Client
// satisfies it.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(filter string, handler mqttclient.MessageHandler) (mqttclient.SubscriptionID, error)
	Unsubscribe(id mqttclient.SubscriptionID)
}
