package embed

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/quantlake/finsight/internal/config"
)

// BuildChain assembles the provider fallback chain from configuration:
// either the optional YAML providers file, or the default
// openai → remote → hash ordering derived from the environment. The
// chain always ends with the local hash provider so ingestion can
// degrade instead of stall.
func BuildChain(cfg config.Config, log *slog.Logger) (*Chain, error) {
	limiter := rate.NewLimiter(rate.Limit(cfg.EmbedRateRPS), cfg.EmbedRateBurst)

	dim := cfg.EmbedDim
	var providers []Provider

	if cfg.ProvidersFile != "" {
		pf, err := config.LoadProviders(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		if pf.CanonicalDim > 0 {
			dim = pf.CanonicalDim
		}
		for _, spec := range pf.Chain {
			p, err := fromSpec(spec)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		}
	} else {
		if cfg.OpenAIAPIKey != "" {
			providers = append(providers, NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel))
		}
		if cfg.RemoteEmbedURL != "" {
			providers = append(providers, NewRemoteProvider(cfg.RemoteEmbedURL, "default", 0))
		}
	}

	if !hasHash(providers) {
		providers = append(providers, NewHashProvider(256))
	}

	return NewChain(providers, dim, limiter, log)
}

func fromSpec(spec config.ProviderSpec) (Provider, error) {
	switch spec.Type {
	case "openai":
		key := os.Getenv(spec.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("embed: provider openai: env %s is empty", spec.APIKeyEnv)
		}
		return NewOpenAIProvider(key, spec.Model), nil
	case "remote":
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("embed: provider remote: endpoint is required")
		}
		return NewRemoteProvider(spec.Endpoint, spec.Model, spec.Dimension), nil
	case "hash":
		return NewHashProvider(spec.Dimension), nil
	default:
		return nil, fmt.Errorf("embed: unknown provider type %q", spec.Type)
	}
}

func hasHash(providers []Provider) bool {
	for _, p := range providers {
		if _, ok := p.(*HashProvider); ok {
			return true
		}
	}
	return false
}
