package soundkeep

import (
	"fmt"
	"runtime"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// EndpointStatus is a render endpoint together with what the current config does with it
type EndpointStatus struct {
	Endpoint

	Default bool
	Kept    bool
}

// ListEndpoints enumerates render endpoints once, outside the supervisor, and marks the ones
// cfg would keep alive
func ListEndpoints(logger *zap.SugaredLogger, newEnumerator EnumeratorFactory, cfg Config) ([]EndpointStatus, error) {
	// the enumerator belongs to the thread that created it
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger = logger.Named("inventory")

	enumerator, err := newEnumerator(logger)
	if err != nil {
		return nil, fmt.Errorf("create device enumerator: %w", err)
	}

	defer func() {
		if err := enumerator.Release(); err != nil {
			logger.Debugw("Failed to release device enumerator", "error", err)
		}
	}()

	endpoints, err := enumerator.ActiveRenderEndpoints()
	if err != nil {
		return nil, fmt.Errorf("enumerate render endpoints: %w", err)
	}

	defaultEndpointID, err := enumerator.DefaultRenderEndpoint()
	if err != nil {
		logger.Debugw("No default render endpoint", "error", err)
	}

	kept := funk.Map(cfg.policy().filter(endpoints, defaultEndpointID), func(endpoint Endpoint) string {
		return endpoint.ID
	}).([]string)

	statuses := make([]EndpointStatus, 0, len(endpoints))
	for _, endpoint := range endpoints {
		statuses = append(statuses, EndpointStatus{
			Endpoint: endpoint,
			Default:  endpoint.ID == defaultEndpointID,
			Kept:     funk.ContainsString(kept, endpoint.ID),
		})
	}

	return statuses, nil
}
