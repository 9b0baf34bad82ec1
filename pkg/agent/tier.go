package agent

import (
	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
)

// SelectTier maps a classification to the model tier for the reasoning
// loop. VIP or financial involvement and complex events go to the pro
// tier, simple events to the fast tier, everything else to the default
// tier. Chat events that need a response never drop below the default
// tier: conversational replies on the fast tier read noticeably worse.
func SelectTier(cls *models.Classification, evt *models.Event) config.ModelTier {
	if cls == nil {
		return config.TierDefault
	}
	if cls.InvolvesVIP || cls.InvolvesFinancial {
		return config.TierPro
	}

	switch cls.Complexity {
	case models.ComplexityComplex:
		return config.TierPro
	case models.ComplexitySimple:
		if evt != nil && evt.Source == models.SourceChat && cls.NeedsResponse {
			return config.TierDefault
		}
		return config.TierFast
	}
	return config.TierDefault
}
