package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrack/eventbus/internal/runtime/config"
	bustransport "github.com/medtrack/eventbus/transport"
)

func TestBuiltInTransportsRegistered(t *testing.T) {
	assert.True(t, bustransport.Has("rabbitmq"))
	assert.True(t, bustransport.Has("channel"))
}

func TestDefaultFactoryBuildsChannelTransport(t *testing.T) {
	conf := &config.Config{
		ServiceName:  "profile-service",
		PubSubSystem: "channel",
		Queue:        "profile.events",
		Bindings:     []string{"user.*"},
	}

	tr, err := DefaultFactory().Build(context.Background(), conf, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, tr.Publisher)
	require.NotNil(t, tr.Subscriber)

	assert.NoError(t, tr.Publisher.Close())
}

func TestDefaultFactoryNilConfig(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), nil, watermill.NopLogger{})
	assert.Error(t, err)
}

func TestDefaultFactoryUnknownTransport(t *testing.T) {
	conf := &config.Config{PubSubSystem: "carrier-pigeon"}

	_, err := DefaultFactory().Build(context.Background(), conf, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}
