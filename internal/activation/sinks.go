package activation

import (
	"context"
	"fmt"
	"strings"

	"github.com/straja-ai/phiwatch/internal/config"
)

// BuildSinks creates the sinks named in the activation config, in order.
func BuildSinks(cfg config.ActivationConfig) ([]Sink, error) {
	var sinks []Sink
	for i, sc := range cfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "file_jsonl":
			s, err := NewFileSink(sc.Path)
			if err != nil {
				closeAll(sinks)
				return nil, fmt.Errorf("activation sink %d: %w", i, err)
			}
			sinks = append(sinks, s)
		case "webhook":
			s, err := NewWebhookSink(sc.URL, sc.Headers, sc.Timeout)
			if err != nil {
				closeAll(sinks)
				return nil, fmt.Errorf("activation sink %d: %w", i, err)
			}
			sinks = append(sinks, s)
		default:
			closeAll(sinks)
			return nil, fmt.Errorf("activation sink %d: unknown type %q", i, sc.Type)
		}
	}
	return sinks, nil
}

func closeAll(sinks []Sink) {
	for _, s := range sinks {
		_ = s.Close(context.Background())
	}
}
