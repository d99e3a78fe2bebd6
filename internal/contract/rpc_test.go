// ABOUTME: Contract tests for the gRPC service surface to detect breaking API changes.
// ABOUTME: Validates that expected methods and streams exist on frontdesk.v1.Backend.

package contract

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"

	"github.com/2389/frontdesk/internal/gateway"
)

// expectedServices defines the contract for our gRPC API surface.
// If a service or method is removed or renamed, these tests will fail,
// catching breaking changes before they reach adapters.
var expectedServices = map[string]struct {
	methods []string
	streams []string
}{
	"frontdesk.v1.Backend": {
		methods: []string{
			"IdentifyCustomer",
			"IdentifyAgent",
			"FindAgent",
			"StartConversation",
			"GetConversation",
			"Queue",
			"Assign",
			"Postpone",
			"Resolve",
			"AddMessage",
			"AddTag",
			"RemoveTag",
			"Rate",
		},
		streams: []string{"Events"},
	},
}

// TestRPCSurface verifies that all expected gRPC methods exist.
func TestRPCSurface(t *testing.T) {
	serviceDescs := map[string]grpc.ServiceDesc{
		gateway.ServiceName: gateway.BackendServiceDesc,
	}

	for serviceName, expected := range expectedServices {
		t.Run(serviceName, func(t *testing.T) {
			desc, exists := serviceDescs[serviceName]
			if !assert.True(t, exists, "service %s should be registered", serviceName) {
				return
			}
			assert.Equal(t, serviceName, desc.ServiceName, "service name should match")

			actualMethods := make(map[string]bool)
			for _, m := range desc.Methods {
				actualMethods[m.MethodName] = true
			}
			actualStreams := make(map[string]bool)
			for _, s := range desc.Streams {
				actualStreams[s.StreamName] = true
				assert.True(t, s.ServerStreams, "stream %s should be server streaming", s.StreamName)
			}

			for _, method := range expected.methods {
				fullName := fmt.Sprintf("/%s/%s", serviceName, method)
				assert.True(t, actualMethods[method], "method %s should exist", fullName)
				assert.Equal(t, fullName, gateway.MethodPath(method))
			}
			for _, stream := range expected.streams {
				assert.True(t, actualStreams[stream], "stream /%s/%s should exist", serviceName, stream)
			}

			// Report any extra methods not in contract (informational, not failure)
			for method := range actualMethods {
				if !slices.Contains(expected.methods, method) {
					t.Logf("INFO: extra method %s/%s not in contract (consider adding)", serviceName, method)
				}
			}
		})
	}
}

// TestServiceDescriptor checks the descriptor is complete enough to register.
func TestServiceDescriptor(t *testing.T) {
	desc := gateway.BackendServiceDesc
	assert.Equal(t, "frontdesk/v1/backend.proto", desc.Metadata)
	assert.NotNil(t, desc.HandlerType)
	for _, m := range desc.Methods {
		assert.NotNil(t, m.Handler, "method %s needs a handler", m.MethodName)
	}
	for _, s := range desc.Streams {
		assert.NotNil(t, s.Handler, "stream %s needs a handler", s.StreamName)
	}
}
