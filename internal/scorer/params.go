package scorer

import (
	"log/slog"
	"strings"

	"github.com/ambegh/Living-labs/internal/stats"
	"github.com/ambegh/Living-labs/pkg/config"
	"github.com/ambegh/Living-labs/pkg/logger"
)

const (
	DefaultField           = stats.ContentsField
	DefaultSmoothingMethod = "jm"
	DefaultSmoothingParam  = 0.1
)

// Params configures a scorer. The zero value means λ = 0; start from
// DefaultParams to get the usual λ = 0.1.
type Params struct {
	// Field is the target field of the LM scorer.
	Field string
	// SmoothingMethod must be "jm"; empty means "jm".
	SmoothingMethod string
	// SmoothingParam is the Jelinek-Mercer λ. It is expected in [0,1] but
	// not validated.
	SmoothingParam float64
	// FieldWeights names the fields mixed by the MLM scorer. Only the keys
	// are used; the weight of a field is derived per query term.
	FieldWeights map[string]float64
	// Trace receives per-term debug records. Nil discards them.
	Trace *slog.Logger
}

func DefaultParams() Params {
	return Params{
		Field:           DefaultField,
		SmoothingMethod: DefaultSmoothingMethod,
		SmoothingParam:  DefaultSmoothingParam,
	}
}

// ParamsFromConfig converts the scoring section of the service config.
func ParamsFromConfig(cfg config.ScoringConfig) Params {
	p := Params{
		Field:           cfg.Field,
		SmoothingMethod: cfg.SmoothingMethod,
		SmoothingParam:  cfg.SmoothingParam,
	}
	if len(cfg.FieldWeights) > 0 {
		p.FieldWeights = make(map[string]float64, len(cfg.FieldWeights))
		for f, w := range cfg.FieldWeights {
			p.FieldWeights[f] = w
		}
	}
	if cfg.Trace {
		p.Trace = logger.WithComponent("scorer-trace")
	}
	return p
}

func (p Params) normalized() Params {
	if p.Field = strings.TrimSpace(p.Field); p.Field == "" {
		p.Field = DefaultField
	}
	if p.SmoothingMethod = strings.TrimSpace(p.SmoothingMethod); p.SmoothingMethod == "" {
		p.SmoothingMethod = DefaultSmoothingMethod
	}
	if p.Trace == nil {
		p.Trace = logger.Discard()
	}
	return p
}
