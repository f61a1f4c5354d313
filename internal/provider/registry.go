package provider

import (
	"sync"

	"agentd/internal/config"
)

// Registry 将模型标识解析到对应后端并缓存客户端
// Registry resolves "backend-id::model-id" model identifiers against the
// configured backends and caches one client per backend.
type Registry struct {
	cfg     config.Config
	mu      sync.Mutex
	clients map[string]*OpenAIProvider
}

func NewRegistry(cfg config.Config) *Registry {
	return &Registry{cfg: cfg, clients: map[string]*OpenAIProvider{}}
}

// Resolve returns the provider for model and the bare model id the backend
// expects. A missing or incomplete backend is a configuration error, fatal
// at run start.
func (r *Registry) Resolve(model string) (Provider, string, error) {
	backend, modelID, err := r.cfg.ResolveBackend(model)
	if err != nil {
		return nil, "", err
	}

	key := backend.BaseURL + "|" + backend.APIKey
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[key]
	if !ok {
		client = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   backend.BaseURL,
			APIKey:    backend.APIKey,
			Model:     modelID,
			TimeoutMS: backend.TimeoutMS,
		})
		r.clients[key] = client
	}
	return client, modelID, nil
}
